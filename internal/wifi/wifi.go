// Package wifi adapts the wireless network manager to the wifi event
// vocabulary.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	ErrAuthentication = errors.New("wifi: authentication failed")
	ErrUnknownNetwork = errors.New("wifi: network not found")
)

// Network is a scanned access point.
type Network struct {
	SSID    string `json:"ssid"`
	Signal  int    `json:"signal"`
	Secured bool   `json:"secured"`
}

// AuthFailure is the payload of authenticationError.
type AuthFailure struct {
	SSID string
	Err  error
}

func (a AuthFailure) Error() string {
	return fmt.Sprintf("authenticating to %q: %v", a.SSID, a.Err)
}

func (a AuthFailure) Unwrap() error {
	return a.Err
}

// Backend scans and associates. Connect returns an error wrapping
// ErrAuthentication when the passphrase is rejected.
type Backend interface {
	Scan(ctx context.Context) ([]Network, error)
	Connect(ctx context.Context, ssid, passphrase string) error
}

// SortBySignal orders networks strongest first and drops duplicate SSIDs.
func SortBySignal(nets []Network) []Network {
	best := make(map[string]Network, len(nets))
	for _, n := range nets {
		if n.SSID == "" {
			continue
		}
		if cur, ok := best[n.SSID]; !ok || n.Signal > cur.Signal {
			best[n.SSID] = n
		}
	}
	out := make([]Network, 0, len(best))
	for _, n := range best {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Signal != out[j].Signal {
			return out[i].Signal > out[j].Signal
		}
		return out[i].SSID < out[j].SSID
	})
	return out
}

type Option func(*Wifi)

func WithLogger(l *slog.Logger) Option {
	return func(w *Wifi) { w.logger = l }
}
