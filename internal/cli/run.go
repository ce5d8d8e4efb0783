package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lidio601/lamassu-machine/internal/billvalidator"
	"github.com/lidio601/lamassu-machine/internal/brain"
	"github.com/lidio601/lamassu-machine/internal/browser"
	"github.com/lidio601/lamassu-machine/internal/config"
	"github.com/lidio601/lamassu-machine/internal/db"
	"github.com/lidio601/lamassu-machine/internal/lightning"
	"github.com/lidio601/lamassu-machine/internal/logging"
	"github.com/lidio601/lamassu-machine/internal/remote"
	"github.com/lidio601/lamassu-machine/internal/server"
	"github.com/lidio601/lamassu-machine/internal/trader"
	"github.com/lidio601/lamassu-machine/internal/wifi"
)

var ErrNoDriver = errors.New("no bill validator driver for device")

const simulatorDevice = "simulator"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kiosk",
	Long: `Start the kiosk. Connects to the operator server, the bill validator and
the network manager, serves the kiosk UI and, when a secret key is set,
listens for operator DMs.`,
	RunE: runMachine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runMachine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := newMachine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer m.close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	return m.run(ctx, hup)
}

// machine is every component of a running kiosk.
type machine struct {
	cfg    *config.Config
	logger *slog.Logger

	journal  *db.DB
	brain    *brain.Brain
	trader   *trader.Trader
	acceptor *billvalidator.Acceptor
	wifi     *wifi.Wifi
	hub      *browser.Hub
	server   *server.Server
	remote   *remote.Service
	relays   *remote.RelayManager

	restart context.CancelFunc
}

// newMachine opens the journal and builds every component. Nothing runs
// until run is called.
func newMachine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*machine, error) {
	m := &machine{cfg: cfg, logger: logger}

	journal, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := journal.Migrate(); err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	m.journal = journal
	logger.Info("database ready", "path", cfg.Database.Path)

	dev, err := openBillValidator(cfg)
	if err != nil {
		m.close()
		return nil, err
	}
	m.acceptor = billvalidator.New(dev,
		billvalidator.WithLogger(logger.With("component", "billValidator")),
		billvalidator.WithDenominations(cfg.BillValidator.Denominations))

	m.trader = trader.New(traderAPI(cfg),
		trader.WithLogger(logger.With("component", "trader")),
		trader.WithPollInterval(cfg.Trader.PollInterval),
		trader.WithInvoicer(lightning.NewClient()))

	m.wifi = wifi.New(wifiBackend(cfg), wifi.WithLogger(logger.With("component", "wifi")))

	m.hub = browser.NewHub(
		browser.WithLogger(logger.With("component", "browser")),
		browser.WithHeartbeat(cfg.Display.Heartbeat))

	m.brain, err = brain.New(
		brain.Config{
			Timer:      cfg.Timer(),
			TxLimit:    cfg.Brain.TxLimit,
			MinBalance: cfg.Trader.MinBalance,
		},
		brain.Collaborators{
			Acceptor: m.acceptor,
			Trader:   m.trader,
			Wifi:     m.wifi,
			Display:  m.hub,
		},
		brain.WithLogger(logger.With("component", "brain")),
		brain.WithJournal(journal),
		brain.WithRestartAction(m.requestStop),
		brain.WithExitAction(func() {
			logger.Warn("machine idle past exit threshold, hardware reset")
		}),
	)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("building brain: %w", err)
	}

	m.server = server.New(cfg.Display.Listen, m.hub.Handler(), m.brain,
		server.WithLogger(logger.With("component", "http")),
		server.WithChecker("database", journal))

	if cfg.RemoteEnabled() {
		if err := m.buildRemote(ctx); err != nil {
			m.close()
			return nil, err
		}
	}
	return m, nil
}

func openBillValidator(cfg *config.Config) (billvalidator.Device, error) {
	if cfg.Mock.BillValidator || cfg.BillValidator.Device == simulatorDevice {
		return billvalidator.NewSimulator(), nil
	}
	return nil, fmt.Errorf("%w %q; use --mock-bv", ErrNoDriver, cfg.BillValidator.Device)
}

func traderAPI(cfg *config.Config) trader.API {
	if cfg.Mock.Trader {
		return trader.NewMock(trader.PollResult{
			Rate:       50000,
			FiatCode:   "EUR",
			CryptoCode: "BTC",
			Balance:    1,
			Locale:     "en-US",
		})
	}
	return trader.NewClient(cfg.Trader.URL, cfg.Trader.MachineID, cfg.Trader.Timeout)
}

func wifiBackend(cfg *config.Config) wifi.Backend {
	if cfg.Mock.Wifi {
		return wifi.NewSimulator([]wifi.Network{
			{SSID: "kiosk", Signal: -40, Secured: true},
			{SSID: "guest", Signal: -70},
		}, map[string]string{"kiosk": "lamassu"})
	}
	return wifi.NewWpaCLI(cfg.Wifi.Interface)
}

func (m *machine) buildRemote(ctx context.Context) error {
	secret, err := remote.SecretHex(m.cfg.Remote.SecretKey)
	if err != nil {
		return fmt.Errorf("remote.secret_key: %w", err)
	}
	kr, err := keyer.NewPlainKeySigner(secret)
	if err != nil {
		return fmt.Errorf("creating keyer: %w", err)
	}
	pubkey, err := kr.GetPublicKey(ctx)
	if err != nil {
		return fmt.Errorf("deriving machine pubkey: %w", err)
	}
	ops, err := remote.ParseOperators(m.cfg.Remote.Operators)
	if err != nil {
		return err
	}

	log := m.logger.With("component", "remote")
	log.Info("operator channel enabled", "machine", pubkeyNpub(pubkey), "operators", len(ops), "relays", m.cfg.Remote.Relays)

	m.relays = remote.NewRelayManager(m.cfg.Remote.Relays, pubkey, log)
	m.remote = remote.NewService(kr, pubkey, ops, m.relays, m.journal, m.brain, m.trader,
		remote.WithLogger(log))
	return nil
}

// pubkeyNpub renders a hex pubkey for logs.
func pubkeyNpub(hex string) string {
	npub, err := nip19.EncodePublicKey(hex)
	if err != nil {
		return hex
	}
	return npub
}

// requestStop ends run with a nil error. It runs on the Brain's loop.
func (m *machine) requestStop() {
	m.logger.Info("restart requested, stopping")
	if m.restart != nil {
		m.restart()
	}
}

// run starts every component and blocks until ctx is done, a restart fires
// or a component fails. SIGHUP on hup schedules a restart for the next idle
// period.
func (m *machine) run(ctx context.Context, hup <-chan os.Signal) error {
	ctx, m.restart = context.WithCancel(ctx)
	defer m.restart()

	if err := m.brain.Start(); err != nil {
		return fmt.Errorf("attaching brain listeners: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.brain.Run(ctx) })
	g.Go(func() error { return m.trader.Run(ctx) })
	g.Go(func() error { return m.acceptor.Run(ctx) })
	g.Go(func() error { return m.wifi.Run(ctx) })
	g.Go(func() error { return m.hub.Run(ctx) })
	g.Go(func() error { return m.server.Run(ctx) })

	if m.remote != nil {
		if err := m.startRemote(ctx, g); err != nil {
			m.logger.Warn("operator channel unavailable", "error", err)
		}
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				m.logger.Info("SIGHUP received, restarting when idle")
				if err := m.brain.RequestRestart(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("scheduling restart: %w", err)
				}
			}
		}
	})

	m.logger.Info("lamassu-machine running", "display", m.cfg.Display.Listen)
	err := g.Wait()
	m.logger.Info("lamassu-machine stopped", "state", m.brain.State())
	return err
}

func (m *machine) startRemote(ctx context.Context, g *errgroup.Group) error {
	hwm, err := m.journal.GetHighWaterMark(ctx)
	if err != nil {
		return fmt.Errorf("reading high water mark: %w", err)
	}
	var since time.Time
	if hwm > 0 {
		since = time.Unix(hwm, 0)
	}
	if err := m.relays.Connect(ctx, since); err != nil {
		return err
	}
	g.Go(func() error { return m.remote.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		m.relays.Close()
		return nil
	})
	return nil
}

func (m *machine) close() {
	if m.journal != nil {
		if err := m.journal.Close(); err != nil {
			m.logger.Warn("closing database", "error", err)
		}
	}
}
