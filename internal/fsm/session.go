package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// SessionStateMachine guards the journal's session status column.
type SessionStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewSessionStateMachine() *SessionStateMachine {
	ssm := &SessionStateMachine{}
	ssm.fsm = fsm.NewFSM(
		SessionStatusOpen,
		fsm.Events{
			{Name: SessionEventSend, Src: []string{SessionStatusOpen}, Dst: SessionStatusSending},
			{Name: SessionEventFail, Src: []string{SessionStatusSending}, Dst: SessionStatusOpen},
			{Name: SessionEventConfirm, Src: []string{SessionStatusSending}, Dst: SessionStatusSent},
			{Name: SessionEventCancel, Src: []string{SessionStatusOpen}, Dst: SessionStatusCancelled},
		},
		fsm.Callbacks{},
	)
	return ssm
}

func (ssm *SessionStateMachine) CanTransition(currentStatus, event string) bool {
	ssm.mu.Lock()
	defer ssm.mu.Unlock()
	ssm.fsm.SetState(currentStatus)
	return ssm.fsm.Can(event)
}

func (ssm *SessionStateMachine) Transition(ctx context.Context, currentStatus, event string) (string, error) {
	ssm.mu.Lock()
	defer ssm.mu.Unlock()
	ssm.fsm.SetState(currentStatus)
	if err := ssm.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return ssm.fsm.Current(), nil
}
