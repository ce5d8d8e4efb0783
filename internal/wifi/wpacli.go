package wifi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var _ Backend = (*WpaCLI)(nil)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// WpaCLI drives wpa_supplicant through the wpa_cli tool.
type WpaCLI struct {
	iface        string
	run          Runner
	pollInterval time.Duration
	timeout      time.Duration
}

func NewWpaCLI(iface string) *WpaCLI {
	return &WpaCLI{iface: iface, run: execRunner, pollInterval: 500 * time.Millisecond, timeout: 15 * time.Second}
}

// NewWpaCLIWithRunner creates a backend with a custom command runner (for testing).
func NewWpaCLIWithRunner(iface string, run Runner, pollInterval, timeout time.Duration) *WpaCLI {
	return &WpaCLI{iface: iface, run: run, pollInterval: pollInterval, timeout: timeout}
}

func (w *WpaCLI) cli(ctx context.Context, args ...string) (string, error) {
	out, err := w.run(ctx, "wpa_cli", append([]string{"-i", w.iface}, args...)...)
	if err != nil {
		return "", fmt.Errorf("wpa_cli %s: %w", strings.Join(args, " "), err)
	}
	res := strings.TrimSpace(string(out))
	if res == "FAIL" {
		return "", fmt.Errorf("wpa_cli %s: FAIL", args[0])
	}
	return res, nil
}

func (w *WpaCLI) Scan(ctx context.Context) ([]Network, error) {
	if _, err := w.cli(ctx, "scan"); err != nil {
		return nil, err
	}
	out, err := w.cli(ctx, "scan_results")
	if err != nil {
		return nil, err
	}
	return parseScanResults(out), nil
}

// parseScanResults reads the tab separated table printed by scan_results:
// bssid, frequency, signal level, flags, ssid.
func parseScanResults(out string) []Network {
	var nets []Network
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 5 {
			continue
		}
		signal, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		flags := fields[3]
		nets = append(nets, Network{
			SSID:    fields[4],
			Signal:  signal,
			Secured: strings.Contains(flags, "WPA") || strings.Contains(flags, "WEP"),
		})
	}
	return nets
}

func quote(s string) string {
	return `"` + s + `"`
}

func (w *WpaCLI) Connect(ctx context.Context, ssid, passphrase string) error {
	id, err := w.cli(ctx, "add_network")
	if err != nil {
		return err
	}

	steps := [][]string{{"set_network", id, "ssid", quote(ssid)}}
	if passphrase == "" {
		steps = append(steps, []string{"set_network", id, "key_mgmt", "NONE"})
	} else {
		steps = append(steps, []string{"set_network", id, "psk", quote(passphrase)})
	}
	steps = append(steps, []string{"select_network", id})

	for _, step := range steps {
		if _, err := w.cli(ctx, step...); err != nil {
			w.forget(id)
			return err
		}
	}

	if err := w.waitAssociated(ctx); err != nil {
		w.forget(id)
		return err
	}
	_, _ = w.cli(ctx, "save_config")
	return nil
}

func (w *WpaCLI) forget(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = w.cli(ctx, "remove_network", id)
}

func (w *WpaCLI) waitAssociated(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	handshake := false
	for {
		out, err := w.cli(ctx, "status")
		if err == nil {
			state := statusField(out, "wpa_state")
			switch state {
			case "COMPLETED":
				return nil
			case "4WAY_HANDSHAKE", "GROUP_HANDSHAKE":
				handshake = true
			case "DISCONNECTED", "INACTIVE":
				if handshake {
					return ErrAuthentication
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: association timed out", ErrAuthentication)
		case <-ticker.C:
		}
	}
}

func statusField(out, key string) string {
	sc := bufio.NewScanner(bytes.NewBufferString(out))
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), "="); ok && k == key {
			return v
		}
	}
	return ""
}
