// Package events defines the normalized event vocabulary shared by the
// collaborator adapters and the Brain.
package events

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUndeclared = errors.New("events: undeclared event")

// Source identifies a collaborator.
type Source string

const (
	SourceTrader        Source = "trader"
	SourceBrowser       Source = "browser"
	SourceWifi          Source = "wifi"
	SourceBillValidator Source = "billValidator"
	SourceBrain         Source = "brain"
)

// Name is a normalized event name, unique within its Source.
type Name string

const (
	PollUpdate     Name = "pollUpdate"
	NetworkDown    Name = "networkDown"
	NetworkUp      Name = "networkUp"
	DispenseUpdate Name = "dispenseUpdate"
	Error          Name = "error"
	Unpair         Name = "unpair"

	Connected    Name = "connected"
	Message      Name = "message"
	Closed       Name = "closed"
	MessageError Name = "messageError"

	Scan                Name = "scan"
	AuthenticationError Name = "authenticationError"

	Disconnected Name = "disconnected"
	BillAccepted Name = "billAccepted"
	BillRead     Name = "billRead"
	BillValid    Name = "billValid"
	BillRejected Name = "billRejected"
	Timeout      Name = "timeout"
	Standby      Name = "standby"
	Jam          Name = "jam"
	StackerOpen  Name = "stackerOpen"
	Enabled      Name = "enabled"

	NewState Name = "newState"
)

var vocabularies = map[Source][]Name{
	SourceTrader:        {PollUpdate, NetworkDown, NetworkUp, DispenseUpdate, Error, Unpair},
	SourceBrowser:       {Connected, Message, Closed, MessageError, Error},
	SourceWifi:          {Scan, AuthenticationError},
	SourceBillValidator: {Error, Disconnected, BillAccepted, BillRead, BillValid, BillRejected, Timeout, Standby, Jam, StackerOpen, Enabled},
	SourceBrain:         {NewState},
}

var sources = []Source{SourceTrader, SourceBrowser, SourceWifi, SourceBillValidator, SourceBrain}

// Sources lists every collaborator source.
func Sources() []Source {
	out := make([]Source, len(sources))
	copy(out, sources)
	return out
}

// Vocabulary returns the event names a source may emit.
func Vocabulary(src Source) []Name {
	names := vocabularies[src]
	out := make([]Name, len(names))
	copy(out, names)
	return out
}

// Declared reports whether name belongs to src's vocabulary.
func Declared(src Source, name Name) bool {
	for _, n := range vocabularies[src] {
		if n == name {
			return true
		}
	}
	return false
}

// Event is a normalized notification.
type Event struct {
	Source  Source
	Name    Name
	Payload any
}

func (e Event) String() string {
	return fmt.Sprintf("%s.%s", e.Source, e.Name)
}

type Listener func(Event)

// Emitter fans a source's events out to its listeners. Listeners run on the
// emitting goroutine in registration order.
type Emitter struct {
	source Source

	mu        sync.RWMutex
	listeners map[Name][]Listener
}

func NewEmitter(src Source) *Emitter {
	return &Emitter{
		source:    src,
		listeners: make(map[Name][]Listener),
	}
}

func (e *Emitter) Source() Source {
	return e.source
}

// On attaches l to name.
func (e *Emitter) On(name Name, l Listener) error {
	if !Declared(e.source, name) {
		return fmt.Errorf("%w: %s.%s", ErrUndeclared, e.source, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], l)
	return nil
}

// Emit delivers an event to every listener of name. Undeclared names are
// dropped.
func (e *Emitter) Emit(name Name, payload any) {
	if !Declared(e.source, name) {
		return
	}
	e.mu.RLock()
	ls := make([]Listener, len(e.listeners[name]))
	copy(ls, e.listeners[name])
	e.mu.RUnlock()

	ev := Event{Source: e.source, Name: name, Payload: payload}
	for _, l := range ls {
		l(ev)
	}
}

// ListenerCount returns how many listeners are attached to name.
func (e *Emitter) ListenerCount(name Name) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}

// RemoveAll detaches every listener.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[Name][]Listener)
}
