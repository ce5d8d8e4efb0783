package brain

import (
	"errors"
	"math"

	"github.com/lidio601/lamassu-machine/internal/browser"
	"github.com/lidio601/lamassu-machine/internal/db"
	"github.com/lidio601/lamassu-machine/internal/fsm"
	"github.com/lidio601/lamassu-machine/internal/trader"
)

// transaction is the customer session in progress.
type transaction struct {
	id         string
	address    string
	rate       float64
	fiatCode   string
	cryptoCode string
	credit     int64
	escrow     int64
	txHash     string
	dispatched bool
	sent       bool
}

// cashAtRisk reports whether the customer has money in the machine that has
// not been paid out.
func (t *transaction) cashAtRisk() bool {
	return t != nil && !t.sent && (t.credit > 0 || t.escrow > 0)
}

// inFlight reports whether a send was dispatched and has no outcome yet.
func (t *transaction) inFlight() bool {
	return t != nil && t.dispatched && !t.sent
}

// sendable reports whether the credit may be handed to the trader. A session
// whose send is in flight or done is never sent again.
func (t *transaction) sendable() bool {
	return t != nil && t.credit > 0 && !t.dispatched && !t.sent
}

// satoshis converts the credit at the session's locked rate.
func (t *transaction) satoshis() int64 {
	if t.rate <= 0 {
		return 0
	}
	return int64(math.Floor(float64(t.credit) * 1e8 / t.rate))
}

// accepting lists the states in which the acceptor is enabled.
var accepting = map[fsm.State]bool{
	fsm.StateAcceptingFirstBill: true,
	fsm.StateBillRead:           true,
	fsm.StateAcceptingBills:     true,
	fsm.StateHighBill:           true,
}

// txLimit returns the configured limit, falling back to the operator's.
func (b *Brain) txLimit() int64 {
	if b.cfg.TxLimit > 0 {
		return b.cfg.TxLimit
	}
	if b.poll != nil {
		return b.poll.TxLimit
	}
	return 0
}

func (b *Brain) overLimit(denomination int64) bool {
	limit := b.txLimit()
	if limit <= 0 || b.tx == nil {
		return false
	}
	return b.tx.credit+denomination > limit
}

func (b *Brain) lowBalance(res trader.PollResult) bool {
	return res.Rate <= 0 || res.Balance < b.cfg.MinBalance
}

// beginSession journals a new session for address and moves to accepting
// the first bill.
func (b *Brain) beginSession(address string) {
	if b.poll == nil || b.poll.Rate <= 0 {
		b.fail("no exchange rate available")
		return
	}
	tx := &transaction{
		id:         b.newSessionID(),
		address:    address,
		rate:       b.poll.Rate,
		fiatCode:   b.poll.FiatCode,
		cryptoCode: b.poll.CryptoCode,
	}
	if b.journal != nil {
		err := b.journal.OpenSession(b.ctx, db.Session{
			ID:         tx.id,
			Address:    tx.address,
			FiatCode:   tx.fiatCode,
			CryptoCode: tx.cryptoCode,
			Rate:       tx.rate,
		})
		if err != nil {
			b.logger.Error("opening session", "session", tx.id, "error", err)
			b.fail("could not start a transaction")
			return
		}
	}
	b.tx = tx
	b.logger.Info("session opened", "session", tx.id, "address", tx.address)
	if !b.fire(fsm.TransitionAddressScanned) {
		b.cancelSession()
	}
}

// cancelSession closes a session that holds no cash.
func (b *Brain) cancelSession() {
	if b.tx == nil {
		return
	}
	if b.tx.cashAtRisk() {
		b.logger.Warn("refusing to cancel session with credit", "session", b.tx.id, "credit", b.tx.credit)
		return
	}
	if b.journal != nil && !b.tx.sent {
		if _, err := b.journal.UpdateSessionStatus(b.ctx, b.tx.id, fsm.SessionEventCancel, ""); err != nil {
			b.logger.Warn("cancelling session", "session", b.tx.id, "error", err)
		}
	}
	b.logger.Info("session closed", "session", b.tx.id, "credit", b.tx.credit)
	b.tx = nil
}

// journalStatus applies a session event, logging but not failing on error.
func (b *Brain) journalStatus(sessionID, event, txHash string) {
	if b.journal == nil {
		return
	}
	if _, err := b.journal.UpdateSessionStatus(b.ctx, sessionID, event, txHash); err != nil {
		b.logger.Warn("updating session status", "session", sessionID, "event", event, "error", err)
	}
}

// dispatchSend hands the session to the trader.
func (b *Brain) dispatchSend() {
	if b.tx == nil {
		b.logger.Error("sending without a session")
		return
	}
	if b.tx.dispatched || b.tx.sent {
		b.logger.Warn("send already dispatched", "session", b.tx.id)
		return
	}
	b.tx.dispatched = true
	b.journalStatus(b.tx.id, fsm.SessionEventSend, "")
	req := trader.SendRequest{
		SessionID:  b.tx.id,
		Address:    b.tx.address,
		Fiat:       b.tx.credit,
		Satoshis:   b.tx.satoshis(),
		FiatCode:   b.tx.fiatCode,
		CryptoCode: b.tx.cryptoCode,
	}
	b.logger.Info("sending coins", "session", req.SessionID, "fiat", req.Fiat, "satoshis", req.Satoshis)
	b.peers.Trader.Send(req)
}

// recover restores an unfinished session from the journal. It is resumed on
// the first successful poll.
func (b *Brain) recover() {
	if b.journal == nil {
		return
	}
	s, err := b.journal.GetUnfinishedSession(b.ctx)
	if errors.Is(err, db.ErrSessionNotFound) {
		return
	}
	if err != nil {
		b.logger.Error("loading unfinished session", "error", err)
		return
	}

	if s.Status == fsm.SessionStatusSending {
		b.logger.Warn("send outcome unknown after restart, reopening session", "session", s.ID)
		b.journalStatus(s.ID, fsm.SessionEventFail, "")
		s.Status = fsm.SessionStatusOpen
	}
	if s.Credit == 0 {
		b.journalStatus(s.ID, fsm.SessionEventCancel, "")
		b.logger.Info("discarded empty session", "session", s.ID)
		return
	}
	b.resume = s
	b.logger.Info("recovered session", "session", s.ID, "credit", s.Credit)
}

// resumeSession reinstates the recovered session.
func (b *Brain) resumeSession() bool {
	s := b.resume
	if s == nil || !b.graph.Can(b.state, fsm.TransitionResumeSession) {
		return false
	}
	b.resume = nil
	b.tx = &transaction{
		id:         s.ID,
		address:    s.Address,
		rate:       s.Rate,
		fiatCode:   s.FiatCode,
		cryptoCode: s.CryptoCode,
		credit:     s.Credit,
	}
	return b.fire(fsm.TransitionResumeSession)
}

func (b *Brain) fail(msg string) {
	b.lastError = msg
	b.render()
}

// render sends the screen for the current state.
func (b *Brain) render() {
	screen := browser.Screen{
		Action:  string(b.state),
		TxLimit: b.txLimit(),
		Error:   b.lastError,
	}
	b.lastError = ""
	if b.poll != nil {
		screen.Rate = b.poll.Rate
		screen.FiatCode = b.poll.FiatCode
		screen.CryptoCode = b.poll.CryptoCode
	}
	if b.tx != nil {
		screen.Credit = b.tx.credit
		screen.Address = b.tx.address
		screen.TxHash = b.tx.txHash
		screen.Rate = b.tx.rate
		screen.FiatCode = b.tx.fiatCode
		screen.CryptoCode = b.tx.cryptoCode
	}
	if b.state == fsm.StateWifiList {
		screen.Networks = b.networks
	}
	b.peers.Display.Send(screen)
}

// enter runs the entry actions for a state change.
func (b *Brain) enter(change StateChange) {
	switch {
	case accepting[change.New] && !accepting[change.Old]:
		b.peers.Acceptor.Enable()
	case !accepting[change.New] && accepting[change.Old] && change.New.Class() != fsm.ClassFault:
		b.peers.Acceptor.Disable()
	}

	switch change.New {
	case fsm.StatePendingIdle:
		if b.tx != nil {
			b.cancelSession()
		}
		b.peers.Trader.PollNow()
		if b.unpairPending {
			b.unpairPending = false
			b.fire(fsm.TransitionUnpair)
			return
		}
	case fsm.StateSendingCoins:
		if !b.tx.inFlight() {
			b.dispatchSend()
		}
	case fsm.StateWifiList:
		b.peers.Wifi.Scan()
	}
	b.render()
}
