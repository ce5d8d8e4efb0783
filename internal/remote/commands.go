package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/lidio601/lamassu-machine/internal/brain"
	"github.com/lidio601/lamassu-machine/internal/trader"
)

var ErrNotOperator = errors.New("remote: sender is not an operator")

// Command is a parsed operator message.
type Command struct {
	Name string
	Args []string
}

const (
	CmdStatus  = "status"
	CmdPoll    = "poll"
	CmdUnpair  = "unpair"
	CmdRestart = "restart"
	CmdHelp    = "help"
)

// Parse extracts a command from message content. It returns nil for an
// empty message.
func Parse(content string) *Command {
	parts := strings.Fields(content)
	if len(parts) == 0 {
		return nil
	}
	return &Command{
		Name: strings.ToLower(parts[0]),
		Args: parts[1:],
	}
}

func (c *Command) IsValid() bool {
	switch c.Name {
	case CmdStatus, CmdPoll, CmdUnpair, CmdRestart, CmdHelp:
		return true
	default:
		return false
	}
}

// Operators is the set of hex pubkeys allowed to command the machine.
type Operators map[string]bool

// ParseOperators accepts npub or hex keys.
func ParseOperators(keys []string) (Operators, error) {
	ops := make(Operators, len(keys))
	for _, key := range keys {
		hex, err := PubkeyHex(key)
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", key, err)
		}
		ops[hex] = true
	}
	return ops, nil
}

// PubkeyHex normalizes an npub or hex public key.
func PubkeyHex(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "npub1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", fmt.Errorf("decoding npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return value.(string), nil
	}
	if !nostr.IsValidPublicKey(key) {
		return "", errors.New("not a valid public key")
	}
	return key, nil
}

// SecretHex normalizes an nsec or hex secret key.
func SecretHex(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", fmt.Errorf("decoding nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return value.(string), nil
	}
	if len(key) != 64 {
		return "", errors.New("secret key must be 64 hex characters or an nsec")
	}
	return key, nil
}

// CanExecute returns ErrNotOperator unless sender is an operator.
func (o Operators) CanExecute(sender string) error {
	if !o[sender] {
		return ErrNotOperator
	}
	return nil
}

// Controller is the part of the Brain reachable remotely.
type Controller interface {
	Status(ctx context.Context) (brain.Status, error)
	RequestRestart(ctx context.Context) error
}

// Link is the part of the trader reachable remotely.
type Link interface {
	PollNow()
	MarkUnpaired()
	Online() bool
	Latest() *trader.PollResult
}

// Result is a command's reply.
type Result struct {
	Message string
	Error   error
}

// Text renders the reply sent back to the operator.
func (r Result) Text() string {
	if r.Error != nil {
		return "error: " + r.Error.Error()
	}
	return r.Message
}

// Execute runs cmd against the machine.
func Execute(ctx context.Context, cmd *Command, ctrl Controller, link Link) Result {
	switch cmd.Name {
	case CmdStatus:
		return statusCmd(ctx, ctrl, link)
	case CmdPoll:
		link.PollNow()
		return Result{Message: "poll requested"}
	case CmdUnpair:
		link.MarkUnpaired()
		return Result{Message: "unpair requested; it takes effect once no transaction is in progress"}
	case CmdRestart:
		if err := ctrl.RequestRestart(ctx); err != nil {
			return Result{Error: fmt.Errorf("scheduling restart: %w", err)}
		}
		return Result{Message: "restart scheduled for the next idle period"}
	default:
		return helpCmd()
	}
}

func statusCmd(ctx context.Context, ctrl Controller, link Link) Result {
	st, err := ctrl.Status(ctx)
	if err != nil {
		return Result{Error: fmt.Errorf("reading status: %w", err)}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "state: %s (%s)\n", st.State, st.Class)
	if st.SessionID != "" {
		fmt.Fprintf(&sb, "session: %s\n", st.SessionID)
		fmt.Fprintf(&sb, "credit: %d %s\n", st.Credit, st.FiatCode)
	}
	if st.Rate > 0 {
		fmt.Fprintf(&sb, "rate: %.2f %s\n", st.Rate, st.FiatCode)
	}
	if link.Online() {
		sb.WriteString("trader: online\n")
	} else {
		sb.WriteString("trader: offline\n")
	}
	if poll := link.Latest(); poll != nil {
		fmt.Fprintf(&sb, "balance: %g %s\n", poll.Balance, poll.CryptoCode)
	}
	fmt.Fprintf(&sb, "display clients: %d\n", st.DisplayClients)
	if st.IdlePending {
		fmt.Fprintf(&sb, "idle callback pending, idle for %s", st.IdleFor)
	} else {
		sb.WriteString("no idle callback pending")
	}
	return Result{Message: sb.String()}
}

func helpCmd() Result {
	return Result{Message: strings.Join([]string{
		"commands:",
		"  status  - machine state and current session",
		"  poll    - poll the operator server now",
		"  unpair  - unpair the machine",
		"  restart - restart once the machine is idle",
		"  help    - this message",
	}, "\n")}
}
