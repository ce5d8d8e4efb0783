package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// Graph holds the machine's transition rules. It is stateless from the
// caller's point of view: the current state is passed on every call and the
// Brain stays the only owner of the live value.
type Graph struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func names(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func statesOf(class Class, except ...State) []string {
	skip := make(map[State]bool, len(except))
	for _, s := range except {
		skip[s] = true
	}
	var out []string
	for _, s := range ordered {
		if classes[s] == class && !skip[s] {
			out = append(out, string(s))
		}
	}
	return out
}

func nonFault() []string {
	return append(statesOf(ClassIdle), statesOf(ClassActive)...)
}

func NewGraph() *Graph {
	bootstrap := []State{StateStart, StateWifiConnecting, StateNetworkDown, StateMaintenance, StateUnpaired}

	g := &Graph{}
	g.fsm = fsm.NewFSM(
		string(StateStart),
		fsm.Events{
			{Name: TransitionPollReady, Src: names(bootstrap...), Dst: string(StatePendingIdle)},
			{Name: TransitionPollWaitDisplay, Src: names(bootstrap...), Dst: string(StatePollUpdate)},
			{Name: TransitionDisplayReady, Src: names(StatePollUpdate), Dst: string(StatePendingIdle)},
			{Name: TransitionPollIdle, Src: names(StatePendingIdle), Dst: string(StateIdle)},
			{Name: TransitionBalanceLow, Src: names(StateStart, StatePollUpdate, StatePendingIdle, StateIdle, StateNetworkDown, StateWifiConnecting, StateUnpaired), Dst: string(StateMaintenance)},
			{Name: TransitionResumeSession, Src: names(StateStart, StatePollUpdate, StateNetworkDown, StateWifiConnecting, StatePendingIdle), Dst: string(StateAcceptingBills)},
			{Name: TransitionNetworkDown, Src: names(StateStart, StatePollUpdate, StatePendingIdle, StateIdle, StateMaintenance), Dst: string(StateNetworkDown)},
			{Name: TransitionNetworkUp, Src: names(StateNetworkDown), Dst: string(StatePendingIdle)},
			{Name: TransitionUnpair, Src: append(statesOf(ClassIdle, StateUnpaired), statesOf(ClassFault)...), Dst: string(StateUnpaired)},

			{Name: TransitionStartTransaction, Src: names(StateIdle), Dst: string(StateScanAddress)},
			{Name: TransitionAddressScanned, Src: names(StateScanAddress), Dst: string(StateAcceptingFirstBill)},
			{Name: TransitionCancel, Src: names(StateScanAddress, StateAcceptingFirstBill), Dst: string(StatePendingIdle)},
			{Name: TransitionBillRead, Src: names(StateAcceptingFirstBill, StateAcceptingBills, StateHighBill), Dst: string(StateBillRead)},
			{Name: TransitionHighBill, Src: names(StateAcceptingFirstBill, StateAcceptingBills), Dst: string(StateHighBill)},
			{Name: TransitionBillStacked, Src: names(StateBillRead), Dst: string(StateAcceptingBills)},
			{Name: TransitionBillReturnedFirst, Src: names(StateBillRead, StateHighBill), Dst: string(StateAcceptingFirstBill)},
			{Name: TransitionBillReturned, Src: names(StateBillRead, StateHighBill), Dst: string(StateAcceptingBills)},
			{Name: TransitionSend, Src: names(StateAcceptingBills, StateHighBill), Dst: string(StateSendingCoins)},
			{Name: TransitionSendFailed, Src: names(StateSendingCoins), Dst: string(StateAcceptingBills)},
			{Name: TransitionSent, Src: append(names(StateSendingCoins), statesOf(ClassFault)...), Dst: string(StateCompleted)},
			{Name: TransitionFinish, Src: names(StateCompleted), Dst: string(StateGoodbye)},
			{Name: TransitionGoodbyeDone, Src: names(StateGoodbye), Dst: string(StatePendingIdle)},

			{Name: TransitionJam, Src: nonFault(), Dst: string(StateJammed)},
			{Name: TransitionStackerOpen, Src: nonFault(), Dst: string(StateStackerOpen)},
			{Name: TransitionAcceptorDown, Src: nonFault(), Dst: string(StateAcceptorDown)},
			{Name: TransitionAcceptorRecovered, Src: statesOf(ClassFault), Dst: string(StatePendingIdle)},
			{Name: TransitionAcceptorResume, Src: statesOf(ClassFault), Dst: string(StateAcceptingBills)},
			{Name: TransitionSendResume, Src: statesOf(ClassFault), Dst: string(StateSendingCoins)},

			{Name: TransitionWifiSetup, Src: names(StateStart, StateNetworkDown), Dst: string(StateWifiList)},
			{Name: TransitionWifiConnect, Src: names(StateWifiList), Dst: string(StateWifiConnecting)},
			{Name: TransitionWifiFailed, Src: names(StateWifiConnecting), Dst: string(StateWifiList)},
		},
		fsm.Callbacks{},
	)
	return g
}

// Can reports whether transition t is defined from current.
func (g *Graph) Can(current State, t string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fsm.SetState(string(current))
	return g.fsm.Can(t)
}

// Next returns the state reached by firing t from current.
func (g *Graph) Next(ctx context.Context, current State, t string) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fsm.SetState(string(current))
	if err := g.fsm.Event(ctx, t); err != nil {
		return current, err
	}
	return State(g.fsm.Current()), nil
}

// Available lists the transitions defined from current.
func (g *Graph) Available(current State) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fsm.SetState(string(current))
	return g.fsm.AvailableTransitions()
}
