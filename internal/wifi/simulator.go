package wifi

import (
	"context"
	"fmt"
	"sync"
)

var _ Backend = (*Simulator)(nil)

// Simulator is an in-memory Backend for --mock-wifi and tests.
type Simulator struct {
	mu        sync.Mutex
	networks  []Network
	passwords map[string]string
	connected string
}

func NewSimulator(networks []Network, passwords map[string]string) *Simulator {
	return &Simulator{networks: networks, passwords: passwords}
}

func (s *Simulator) Scan(ctx context.Context) ([]Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Network, len(s.networks))
	copy(out, s.networks)
	return out, nil
}

func (s *Simulator) Connect(ctx context.Context, ssid, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, n := range s.networks {
		if n.SSID == ssid {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, ssid)
	}
	if want, ok := s.passwords[ssid]; ok && want != passphrase {
		return fmt.Errorf("%w: %s", ErrAuthentication, ssid)
	}
	s.connected = ssid
	return nil
}

// Connected returns the associated SSID.
func (s *Simulator) Connected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
