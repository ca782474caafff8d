// Package health provides the rollback signal consulted after every
// remediation change: if the configured probe fails while a change is
// settling, the change is reverted.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/buffnerd/sg-sentinel/internal/config"
	"github.com/buffnerd/sg-sentinel/internal/providers"
)

// FromConfig builds the checker the config file asks for. An empty kind
// yields nil: callers treat that as "no rollback signal configured" and
// refuse to apply changes.
func FromConfig(cfg config.HealthConfig, log *zap.Logger) (providers.HealthChecker, error) {
	switch cfg.Kind {
	case "":
		return nil, nil
	case "tcp":
		return NewTCPProbe(cfg.Target, log), nil
	case "command":
		return NewCommandProbe(cfg.Target, log), nil
	case "static":
		return Static(cfg.Target != "unhealthy"), nil
	default:
		return nil, fmt.Errorf("unknown health checker kind %q", cfg.Kind)
	}
}

// Static always reports the same result. Used in tests and for forced
// runs where no live endpoint exists.
type Static bool

func (s Static) IsHealthy(context.Context) (bool, error) { return bool(s), nil }

// TCPProbe reports healthy when a TCP connection to the target address
// succeeds. This is deliberately the crudest possible liveness signal:
// it answers "did this change cut off the service" and nothing more.
type TCPProbe struct {
	addr string
	log  *zap.Logger

	// dial is swappable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTCPProbe builds a probe for addr ("host:port"). log may be nil.
func NewTCPProbe(addr string, log *zap.Logger) *TCPProbe {
	if log == nil {
		log = zap.NewNop()
	}
	var d net.Dialer
	return &TCPProbe{addr: addr, log: log, dial: d.DialContext}
}

func (p *TCPProbe) IsHealthy(ctx context.Context) (bool, error) {
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		p.log.Warn("tcp health probe failed", zap.String("addr", p.addr), zap.Error(err))
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

// CommandProbe runs an operator-supplied command; exit status zero means
// healthy. The command string is split on whitespace, not shell-parsed.
type CommandProbe struct {
	argv []string
	log  *zap.Logger
}

// NewCommandProbe builds a probe from a whitespace-separated command
// line. log may be nil.
func NewCommandProbe(command string, log *zap.Logger) *CommandProbe {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandProbe{argv: strings.Fields(command), log: log}
}

func (p *CommandProbe) IsHealthy(ctx context.Context) (bool, error) {
	if len(p.argv) == 0 {
		return false, fmt.Errorf("empty health command")
	}
	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.log.Warn("health command exited non-zero",
				zap.String("command", p.argv[0]),
				zap.Int("exit_code", exitErr.ExitCode()))
			return false, nil
		}
		// The command could not run at all; surface that as a probe
		// error rather than a quiet unhealthy.
		return false, fmt.Errorf("run health command %s: %w", p.argv[0], err)
	}
	return true, nil
}
