package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/looplab/fsm"
)

func TestSessionStateMachine_ValidTransitions(t *testing.T) {
	tests := []struct {
		name      string
		current   string
		event     string
		wantState string
	}{
		{"open to sending", SessionStatusOpen, SessionEventSend, SessionStatusSending},
		{"open to cancelled", SessionStatusOpen, SessionEventCancel, SessionStatusCancelled},
		{"sending back to open on failure", SessionStatusSending, SessionEventFail, SessionStatusOpen},
		{"sending to sent", SessionStatusSending, SessionEventConfirm, SessionStatusSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ssm := NewSessionStateMachine()
			got, err := ssm.Transition(context.Background(), tt.current, tt.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantState {
				t.Errorf("got %q, want %q", got, tt.wantState)
			}
		})
	}
}

func TestSessionStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current string
		event   string
	}{
		{"open cannot confirm", SessionStatusOpen, SessionEventConfirm},
		{"sending cannot cancel", SessionStatusSending, SessionEventCancel},
		{"sent is terminal", SessionStatusSent, SessionEventSend},
		{"cancelled is terminal", SessionStatusCancelled, SessionEventSend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ssm := NewSessionStateMachine()
			_, err := ssm.Transition(context.Background(), tt.current, tt.event)
			var invalid fsm.InvalidEventError
			if !errors.As(err, &invalid) {
				t.Errorf("expected InvalidEventError, got %T: %v", err, err)
			}
			if ssm.CanTransition(tt.current, tt.event) {
				t.Errorf("CanTransition(%s, %s) = true", tt.current, tt.event)
			}
		})
	}
}
