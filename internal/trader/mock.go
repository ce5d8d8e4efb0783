package trader

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var _ API = (*Mock)(nil)

// Mock is an in-memory operator server for --mock-trader and tests.
type Mock struct {
	mu      sync.Mutex
	result  PollResult
	pollErr error
	sendErr error
	status  string
	sent    []SendRequest
}

func NewMock(result PollResult) *Mock {
	return &Mock{result: result, status: DispenseSent}
}

func (m *Mock) Poll(ctx context.Context) (*PollResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	res := m.result
	return &res, nil
}

func (m *Mock) Send(ctx context.Context, req SendRequest) (*Dispense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, req)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	d := &Dispense{SessionID: req.SessionID, Status: m.status}
	if m.status == DispenseSent {
		d.TxHash = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return d, nil
}

// SetResult replaces the poll answer.
func (m *Mock) SetResult(res PollResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = res
}

// SetPollError makes every poll fail with err until cleared with nil.
func (m *Mock) SetPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
}

// SetSendError makes every send fail with err until cleared with nil.
func (m *Mock) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetDispenseStatus sets the status reported for successful sends.
func (m *Mock) SetDispenseStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Sent returns every send request received.
func (m *Mock) Sent() []SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendRequest, len(m.sent))
	copy(out, m.sent)
	return out
}
