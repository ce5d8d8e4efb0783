package brain

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/lidio601/lamassu-machine/internal/billvalidator"
	"github.com/lidio601/lamassu-machine/internal/browser"
	"github.com/lidio601/lamassu-machine/internal/events"
	"github.com/lidio601/lamassu-machine/internal/fsm"
	"github.com/lidio601/lamassu-machine/internal/metrics"
	"github.com/lidio601/lamassu-machine/internal/trader"
	"github.com/lidio601/lamassu-machine/internal/wifi"
)

// UI buttons understood by the browser message handler.
const (
	ButtonStart       = "start"
	ButtonAddress     = "address"
	ButtonSend        = "send"
	ButtonCancel      = "cancel"
	ButtonDone        = "done"
	ButtonIdle        = "idle"
	ButtonWifiSetup   = "wifiSetup"
	ButtonWifiConnect = "wifiConnect"
	ButtonWifiRescan  = "wifiRescan"
)

// WifiCredentials is the data of a wifiConnect button press.
type WifiCredentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (b *Brain) handlerTable() map[events.Source]map[events.Name]handler {
	return map[events.Source]map[events.Name]handler{
		events.SourceTrader: {
			events.PollUpdate:     b.onPollUpdate,
			events.NetworkDown:    b.onNetworkDown,
			events.NetworkUp:      b.onNetworkUp,
			events.DispenseUpdate: b.onDispenseUpdate,
			events.Error:          b.onTraderError,
			events.Unpair:         b.onUnpair,
		},
		events.SourceBrowser: {
			events.Connected:    b.onConnected,
			events.Message:      b.onMessage,
			events.Closed:       b.onClosed,
			events.MessageError: b.onMessageError,
			events.Error:        b.onDisplayError,
		},
		events.SourceWifi: {
			events.Scan:                b.onScan,
			events.AuthenticationError: b.onAuthenticationError,
		},
		events.SourceBillValidator: {
			events.Error:        b.onAcceptorFault,
			events.Disconnected: b.onAcceptorFault,
			events.BillAccepted: b.onBillAccepted,
			events.BillRead:     b.onBillRead,
			events.BillValid:    b.onBillValid,
			events.BillRejected: b.onBillRejected,
			events.Timeout:      b.onBillTimeout,
			events.Standby:      b.onStandby,
			events.Jam:          b.onJam,
			events.StackerOpen:  b.onStackerOpen,
			events.Enabled:      b.onEnabled,
		},
		events.SourceBrain: {
			events.NewState: b.onNewState,
		},
	}
}

func (b *Brain) dispatch(ev events.Event) {
	metrics.EventsTotal.WithLabelValues(string(ev.Source), string(ev.Name)).Inc()
	h := b.handlers[ev.Source][ev.Name]
	if h == nil {
		b.logger.Debug("unroutable event", "event", ev.String())
		return
	}
	h(ev)
}

// payload extracts a typed payload, logging a mismatch.
func payload[T any](b *Brain, ev events.Event) (T, bool) {
	v, ok := ev.Payload.(T)
	if !ok {
		b.logger.Warn("unexpected payload", "event", ev.String(), "payload", ev.Payload)
	}
	return v, ok
}

// Trader.

func (b *Brain) onPollUpdate(ev events.Event) {
	res, ok := payload[trader.PollResult](b, ev)
	if !ok {
		return
	}
	requested := b.poll != nil && b.poll.Restart
	b.poll = &res
	if res.Restart && !requested {
		b.logger.Info("operator requested restart")
		b.schedule(b.restartAction)
	}

	switch b.state {
	case fsm.StateIdle:
		if b.lowBalance(res) {
			b.fire(fsm.TransitionBalanceLow)
			return
		}
		b.render()
	case fsm.StatePendingIdle:
		if b.resumeSession() {
			return
		}
		if b.lowBalance(res) {
			b.fire(fsm.TransitionBalanceLow)
			return
		}
		b.fire(fsm.TransitionPollIdle)
	case fsm.StatePollUpdate:
		if b.resumeSession() {
			return
		}
		if b.lowBalance(res) {
			b.fire(fsm.TransitionBalanceLow)
		}
	case fsm.StateStart, fsm.StateNetworkDown, fsm.StateWifiConnecting, fsm.StateMaintenance, fsm.StateUnpaired:
		if b.resumeSession() {
			return
		}
		if b.lowBalance(res) {
			if b.state != fsm.StateMaintenance {
				b.fire(fsm.TransitionBalanceLow)
			}
			return
		}
		if b.peers.Display.Clients() > 0 {
			b.fire(fsm.TransitionPollReady)
		} else {
			b.fire(fsm.TransitionPollWaitDisplay)
		}
	}
}

func (b *Brain) onNetworkDown(events.Event) {
	b.fire(fsm.TransitionNetworkDown)
}

func (b *Brain) onNetworkUp(events.Event) {
	b.fire(fsm.TransitionNetworkUp)
}

func (b *Brain) onDispenseUpdate(ev events.Event) {
	d, ok := payload[trader.Dispense](b, ev)
	if !ok {
		return
	}
	current := b.tx != nil && b.tx.id == d.SessionID

	switch d.Status {
	case trader.DispenseSent:
		b.journalStatus(d.SessionID, fsm.SessionEventConfirm, d.TxHash)
		if !current {
			b.logger.Warn("dispense for unknown session", "session", d.SessionID)
			return
		}
		b.tx.sent = true
		b.tx.txHash = d.TxHash
		b.logger.Info("coins sent", "session", d.SessionID, "tx_hash", d.TxHash)
		b.fire(fsm.TransitionSent)
	case trader.DispenseFailed:
		b.journalStatus(d.SessionID, fsm.SessionEventFail, "")
		if !current {
			return
		}
		b.logger.Warn("send failed", "session", d.SessionID, "reason", d.Error)
		b.sendFailed(d.Error)
	default:
		b.logger.Debug("dispense pending", "session", d.SessionID)
	}
}

func (b *Brain) onTraderError(ev events.Event) {
	err, _ := ev.Payload.(error)
	var sendErr *trader.SendError
	if !errors.As(err, &sendErr) {
		b.logger.Warn("trader error", "error", err)
		return
	}
	b.logger.Warn("send error", "session", sendErr.SessionID, "error", sendErr.Err)
	if b.tx == nil || b.tx.id != sendErr.SessionID || !b.tx.inFlight() {
		return
	}
	b.journalStatus(sendErr.SessionID, fsm.SessionEventFail, "")
	b.sendFailed("send failed, please try again")
}

// sendFailed reopens the session for another send. In a fault state the
// fault stays latched and standby resumes bill acceptance.
func (b *Brain) sendFailed(msg string) {
	b.tx.dispatched = false
	b.lastError = msg
	if b.state.Class() == fsm.ClassFault {
		b.render()
		return
	}
	b.fire(fsm.TransitionSendFailed)
}

func (b *Brain) onUnpair(events.Event) {
	if b.fire(fsm.TransitionUnpair) {
		return
	}
	if b.state.Class() == fsm.ClassActive {
		b.logger.Info("unpair deferred until the transaction ends")
		b.unpairPending = true
	}
}

// Browser.

func (b *Brain) onConnected(ev events.Event) {
	if b.state == fsm.StatePollUpdate {
		if b.fire(fsm.TransitionDisplayReady) {
			return
		}
	}
	b.render()
}

func (b *Brain) onMessage(ev events.Event) {
	msg, ok := payload[browser.Message](b, ev)
	if !ok {
		return
	}

	switch msg.Button {
	case ButtonStart:
		b.fire(fsm.TransitionStartTransaction)
	case ButtonAddress:
		if b.state != fsm.StateScanAddress {
			return
		}
		var address string
		if err := json.Unmarshal(msg.Data, &address); err != nil || strings.TrimSpace(address) == "" {
			b.fail("invalid address")
			return
		}
		b.beginSession(strings.TrimSpace(address))
	case ButtonSend:
		if !b.tx.sendable() {
			return
		}
		b.fire(fsm.TransitionSend)
	case ButtonCancel:
		if b.tx.cashAtRisk() {
			return
		}
		if b.fire(fsm.TransitionCancel) {
			b.cancelSession()
		}
	case ButtonDone:
		if !b.fire(fsm.TransitionFinish) {
			b.fire(fsm.TransitionGoodbyeDone)
		}
	case ButtonIdle:
		if b.state.IdleCompatible() {
			b.enterIdle()
		}
	case ButtonWifiSetup:
		b.fire(fsm.TransitionWifiSetup)
	case ButtonWifiConnect:
		var creds WifiCredentials
		if err := json.Unmarshal(msg.Data, &creds); err != nil || creds.SSID == "" {
			b.fail("invalid network")
			return
		}
		if b.fire(fsm.TransitionWifiConnect) {
			b.peers.Wifi.Connect(creds.SSID, creds.Password)
		}
	case ButtonWifiRescan:
		if b.state == fsm.StateWifiList {
			b.peers.Wifi.Scan()
		}
	default:
		b.logger.Debug("unknown button", "button", msg.Button)
	}
}

func (b *Brain) onClosed(ev events.Event) {
	closure, ok := payload[browser.Closure](b, ev)
	if !ok || closure.Clients > 0 {
		return
	}
	if b.state.Class() != fsm.ClassActive {
		return
	}
	if b.tx.cashAtRisk() {
		b.logger.Warn("display lost with credit in the machine", "state", b.state, "heartbeat_lost", closure.HeartbeatLost)
		return
	}
	b.logger.Info("display lost, abandoning transaction", "state", b.state, "heartbeat_lost", closure.HeartbeatLost)
	b.cancelSession()
	b.enterIdle()
}

func (b *Brain) onMessageError(ev events.Event) {
	b.logger.Warn("malformed display message", "error", ev.Payload)
}

func (b *Brain) onDisplayError(ev events.Event) {
	b.logger.Error("display error", "error", ev.Payload)
}

// Wifi.

func (b *Brain) onScan(ev events.Event) {
	nets, ok := payload[[]wifi.Network](b, ev)
	if !ok {
		return
	}
	b.networks = nets
	if b.state == fsm.StateWifiList {
		b.render()
	}
}

func (b *Brain) onAuthenticationError(ev events.Event) {
	if failure, ok := ev.Payload.(wifi.AuthFailure); ok {
		b.logger.Warn("wifi authentication failed", "ssid", failure.SSID, "error", failure.Err)
	}
	b.lastError = "could not join network"
	if !b.fire(fsm.TransitionWifiFailed) {
		b.lastError = ""
	}
}

// Bill validator.

func (b *Brain) onAcceptorFault(ev events.Event) {
	b.logger.Error("acceptor fault", "event", ev.String(), "error", ev.Payload)
	if b.state.Class() == fsm.ClassFault {
		return
	}
	b.peers.Acceptor.Disable()
	b.fire(fsm.TransitionAcceptorDown)
}

func (b *Brain) onBillAccepted(events.Event) {
	b.logger.Debug("bill inserted", "state", b.state)
}

func (b *Brain) onBillRead(ev events.Event) {
	bill, ok := payload[billvalidator.Bill](b, ev)
	if !ok {
		return
	}
	switch b.state {
	case fsm.StateAcceptingFirstBill, fsm.StateAcceptingBills, fsm.StateHighBill:
	default:
		b.logger.Warn("bill read outside a transaction, returning it", "state", b.state, "denomination", bill.Denomination)
		b.peers.Acceptor.Reject()
		return
	}

	if b.overLimit(bill.Denomination) {
		metrics.BillsTotal.WithLabelValues("over_limit").Inc()
		b.logger.Info("bill over transaction limit", "denomination", bill.Denomination, "credit", b.tx.credit, "limit", b.txLimit())
		b.peers.Acceptor.Reject()
		if b.state != fsm.StateHighBill {
			b.fire(fsm.TransitionHighBill)
		}
		return
	}
	b.tx.escrow = bill.Denomination
	b.peers.Acceptor.Stack()
	b.fire(fsm.TransitionBillRead)
}

func (b *Brain) onBillValid(ev events.Event) {
	bill, ok := payload[billvalidator.Bill](b, ev)
	if !ok {
		return
	}
	metrics.BillsTotal.WithLabelValues("stacked").Inc()
	if b.tx == nil {
		b.logger.Error("bill stacked without a session", "denomination", bill.Denomination)
		return
	}

	credit := b.tx.credit + bill.Denomination
	if b.journal != nil {
		var err error
		credit, err = b.journal.RecordBill(b.ctx, b.tx.id, bill.Denomination)
		if err != nil {
			b.logger.Error("recording bill", "session", b.tx.id, "denomination", bill.Denomination, "error", err)
			credit = b.tx.credit + bill.Denomination
		}
	}
	b.tx.credit = credit
	b.tx.escrow = 0
	b.logger.Info("bill stacked", "session", b.tx.id, "denomination", bill.Denomination, "credit", credit)
	if !b.fire(fsm.TransitionBillStacked) {
		b.render()
	}
}

func (b *Brain) onBillRejected(ev events.Event) {
	metrics.BillsTotal.WithLabelValues("rejected").Inc()
	if b.tx != nil {
		b.tx.escrow = 0
	}
	if b.state != fsm.StateBillRead {
		return
	}
	if b.tx != nil && b.tx.credit > 0 {
		b.fire(fsm.TransitionBillReturned)
	} else {
		b.fire(fsm.TransitionBillReturnedFirst)
	}
}

func (b *Brain) onBillTimeout(events.Event) {
	switch b.state {
	case fsm.StateAcceptingFirstBill:
		if b.fire(fsm.TransitionCancel) {
			b.cancelSession()
		}
	case fsm.StateAcceptingBills:
		if b.tx.sendable() {
			b.fire(fsm.TransitionSend)
		}
	}
}

// onStandby clears a latched fault once the acceptor reports idle again.
func (b *Brain) onStandby(events.Event) {
	if b.state.Class() != fsm.ClassFault {
		return
	}
	if b.tx.inFlight() {
		b.fire(fsm.TransitionSendResume)
		return
	}
	if b.tx.cashAtRisk() {
		b.fire(fsm.TransitionAcceptorResume)
		return
	}
	if b.fire(fsm.TransitionAcceptorRecovered) {
		b.cancelSession()
	}
}

func (b *Brain) onJam(events.Event) {
	b.peers.Acceptor.Disable()
	b.fire(fsm.TransitionJam)
}

func (b *Brain) onStackerOpen(events.Event) {
	b.peers.Acceptor.Disable()
	b.fire(fsm.TransitionStackerOpen)
}

func (b *Brain) onEnabled(events.Event) {
	b.logger.Debug("acceptor enabled", "state", b.state)
}

// Brain.

func (b *Brain) onNewState(ev events.Event) {
	change, ok := payload[StateChange](b, ev)
	if !ok {
		return
	}
	b.enter(change)
}
