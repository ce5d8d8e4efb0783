package billvalidator

import (
	"sync"
)

var _ Device = (*Simulator)(nil)

// Simulator is an in-memory acceptor driven by test code or the --mock-bv
// flag.
type Simulator struct {
	mu      sync.Mutex
	notes   chan Notification
	enabled bool
	escrow  int64
	fault   bool
	closed  bool
	log     []string
}

func NewSimulator() *Simulator {
	return &Simulator{notes: make(chan Notification, 64)}
}

func (s *Simulator) Notifications() <-chan Notification {
	return s.notes
}

func (s *Simulator) send(n Notification) {
	if s.closed {
		return
	}
	s.notes <- n
}

func (s *Simulator) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.log = append(s.log, "enable")
	s.enabled = true
	s.send(Notification{Kind: KindEnabled})
	return nil
}

func (s *Simulator) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.log = append(s.log, "disable")
	s.enabled = false
	if !s.fault {
		s.send(Notification{Kind: KindIdling})
	}
	return nil
}

func (s *Simulator) Stack() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.log = append(s.log, "stack")
	if s.escrow == 0 {
		return ErrNoEscrow
	}
	d := s.escrow
	s.escrow = 0
	s.send(Notification{Kind: KindStacked, Denomination: d})
	return nil
}

func (s *Simulator) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.log = append(s.log, "reject")
	if s.escrow == 0 {
		return ErrNoEscrow
	}
	d := s.escrow
	s.escrow = 0
	s.send(Notification{Kind: KindReturned, Denomination: d})
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	close(s.notes)
	return nil
}

// Insert feeds a bill and holds it in escrow.
func (s *Simulator) Insert(denomination int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.enabled {
		return ErrDisabled
	}
	s.escrow = denomination
	s.send(Notification{Kind: KindAccepting})
	s.send(Notification{Kind: KindEscrow, Denomination: denomination})
	return nil
}

// Jam latches a jam until Clear.
func (s *Simulator) Jam() {
	s.latch(Notification{Kind: KindJammed})
}

// RemoveCassette latches an open stacker until Clear.
func (s *Simulator) RemoveCassette() {
	s.latch(Notification{Kind: KindCassetteRemoved})
}

// Clear resolves a latched fault and reports the acceptor idle again.
func (s *Simulator) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = false
	s.enabled = false
	s.escrow = 0
	s.send(Notification{Kind: KindIdling})
}

func (s *Simulator) latch(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = true
	s.enabled = false
	s.send(n)
}

func (s *Simulator) Fail(err error) {
	s.report(Notification{Kind: KindFailure, Err: err})
}

func (s *Simulator) Disconnect() {
	s.report(Notification{Kind: KindLinkLost})
}

func (s *Simulator) InsertTimeout() {
	s.report(Notification{Kind: KindInsertTimeout})
}

func (s *Simulator) report(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send(n)
}

// Commands returns the driver commands received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}
