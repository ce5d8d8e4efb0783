package wifi

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lidio601/lamassu-machine/internal/events"
)

type request struct {
	scan       bool
	ssid       string
	passphrase string
}

// Wifi is the network manager event adapter. Commands run on Run's goroutine.
type Wifi struct {
	backend  Backend
	emitter  *events.Emitter
	requests chan request
	logger   *slog.Logger
}

func New(backend Backend, opts ...Option) *Wifi {
	w := &Wifi{
		backend:  backend,
		emitter:  events.NewEmitter(events.SourceWifi),
		requests: make(chan request, 4),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wifi) Events() *events.Emitter {
	return w.emitter
}

// Scan requests a scan; results arrive as a scan event.
func (w *Wifi) Scan() {
	w.enqueue(request{scan: true})
}

// Connect requests association with ssid. Rejected credentials arrive as an
// authenticationError event.
func (w *Wifi) Connect(ssid, passphrase string) {
	w.enqueue(request{ssid: ssid, passphrase: passphrase})
}

func (w *Wifi) enqueue(r request) {
	select {
	case w.requests <- r:
	default:
		w.logger.Warn("wifi request dropped", "scan", r.scan, "ssid", r.ssid)
	}
}

func (w *Wifi) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-w.requests:
			if r.scan {
				w.scan(ctx)
			} else {
				w.connect(ctx, r.ssid, r.passphrase)
			}
		}
	}
}

func (w *Wifi) scan(ctx context.Context) {
	nets, err := w.backend.Scan(ctx)
	if err != nil {
		w.logger.Error("wifi scan failed", "err", err)
		return
	}
	w.emitter.Emit(events.Scan, SortBySignal(nets))
}

func (w *Wifi) connect(ctx context.Context, ssid, passphrase string) {
	err := w.backend.Connect(ctx, ssid, passphrase)
	switch {
	case err == nil:
		w.logger.Info("wifi associated", "ssid", ssid)
	case errors.Is(err, ErrAuthentication):
		w.logger.Warn("wifi authentication failed", "ssid", ssid)
		w.emitter.Emit(events.AuthenticationError, AuthFailure{SSID: ssid, Err: err})
	default:
		w.logger.Error("wifi connect failed", "ssid", ssid, "err", err)
		w.emitter.Emit(events.AuthenticationError, AuthFailure{SSID: ssid, Err: err})
	}
}
