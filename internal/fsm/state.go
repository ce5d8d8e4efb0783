package fsm

import "fmt"

// State is one of the machine's named lifecycle states.
type State string

// Class tells whether a state may be safely timed out.
type Class int

const (
	// ClassIdle states have no transaction in flight.
	ClassIdle Class = iota + 1
	// ClassActive states hold a customer transaction.
	ClassActive
	// ClassFault states wait for the cash acceptor to recover.
	ClassFault
)

func (c Class) String() string {
	switch c {
	case ClassIdle:
		return "idle"
	case ClassActive:
		return "active"
	case ClassFault:
		return "fault"
	default:
		return "unknown"
	}
}

// registry is the single declaration of every state and its class, in
// lifecycle order.
var registry = []struct {
	state State
	class Class
}{
	{StateStart, ClassIdle},
	{StatePollUpdate, ClassIdle},
	{StatePendingIdle, ClassIdle},
	{StateIdle, ClassIdle},
	{StateNetworkDown, ClassIdle},
	{StateUnpaired, ClassIdle},
	{StateMaintenance, ClassIdle},
	{StateWifiList, ClassIdle},
	{StateWifiConnecting, ClassIdle},

	{StateScanAddress, ClassActive},
	{StateAcceptingFirstBill, ClassActive},
	{StateBillRead, ClassActive},
	{StateAcceptingBills, ClassActive},
	{StateHighBill, ClassActive},
	{StateSendingCoins, ClassActive},
	{StateCompleted, ClassActive},
	{StateGoodbye, ClassActive},

	{StateJammed, ClassFault},
	{StateStackerOpen, ClassFault},
	{StateAcceptorDown, ClassFault},
}

var (
	classes = make(map[State]Class, len(registry))
	ordered = make([]State, 0, len(registry))
)

func init() {
	for _, entry := range registry {
		if entry.state == "" {
			panic("fsm: empty state in registry")
		}
		if entry.class < ClassIdle || entry.class > ClassFault {
			panic(fmt.Sprintf("fsm: state %q has no class", entry.state))
		}
		if _, dup := classes[entry.state]; dup {
			panic(fmt.Sprintf("fsm: state %q declared twice", entry.state))
		}
		classes[entry.state] = entry.class
		ordered = append(ordered, entry.state)
	}
}

// States returns every registered state in declaration order.
func States() []State {
	out := make([]State, len(ordered))
	copy(out, ordered)
	return out
}

// Valid reports whether s is a registered state.
func (s State) Valid() bool {
	_, ok := classes[s]
	return ok
}

// Class returns the state's classification, or 0 for an unknown state.
func (s State) Class() Class {
	return classes[s]
}

// IdleCompatible reports whether idle timers may run in this state.
func (s State) IdleCompatible() bool {
	return classes[s] == ClassIdle
}

func (s State) String() string {
	return string(s)
}

// ParseState converts a raw name into a registered State.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown machine state %q", raw)
	}
	return s, nil
}
