// Package tunnel launches an optional child process that exposes the local
// gateway on a public URL.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hydragw/hydra/internal/config"
)

var urlPattern = regexp.MustCompile(`https://[^\s]+\.(trycloudflare\.com|lhr\.life|localhost\.run)`)

// Runner supervises one tunnel child process.
type Runner struct {
	cfg    config.TunnelConfig
	port   int
	logger *zap.Logger

	url chan string
}

// New builds a runner for the configured provider. Returns nil when no
// provider is configured.
func New(cfg config.TunnelConfig, port int, logger *zap.Logger) *Runner {
	if strings.TrimSpace(cfg.Provider) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, port: port, logger: logger, url: make(chan string, 1)}
}

// Start launches the tunnel process and blocks until it exits or the context
// is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if r == nil {
		return nil
	}

	name, args, err := r.command()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tunnel stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("tunnel stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tunnel %s: %w", name, err)
	}
	r.logger.Info("tunnel started",
		zap.String("provider", r.cfg.Provider),
		zap.Int("pid", cmd.Process.Pid))

	go r.scan(stdout)
	go r.scan(stderr)

	err = cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("tunnel %s exited: %w", name, err)
	}
	return nil
}

// URL returns a channel that yields the public URL once the provider prints
// it.
func (r *Runner) URL() <-chan string {
	if r == nil {
		return nil
	}
	return r.url
}

func (r *Runner) command() (string, []string, error) {
	binary := strings.TrimSpace(r.cfg.Binary)
	local := fmt.Sprintf("http://127.0.0.1:%d", r.port)

	switch strings.ToLower(strings.TrimSpace(r.cfg.Provider)) {
	case "cloudflared":
		if binary == "" {
			binary = "cloudflared"
		}
		args := []string{"tunnel", "--no-autoupdate", "--url", local}
		return binary, append(args, r.cfg.Args...), nil
	case "ssh":
		if binary == "" {
			binary = "ssh"
		}
		args := []string{
			"-o", "StrictHostKeyChecking=accept-new",
			"-o", "ServerAliveInterval=30",
			"-R", fmt.Sprintf("80:127.0.0.1:%d", r.port),
			"localhost.run",
		}
		return binary, append(args, r.cfg.Args...), nil
	default:
		return "", nil, fmt.Errorf("unsupported tunnel provider: %s", r.cfg.Provider)
	}
}

// scan watches process output for the public URL and mirrors lines into the
// log at debug level.
func (r *Runner) scan(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		r.logger.Debug("tunnel output", zap.String("line", line))
		if match := urlPattern.FindString(line); match != "" {
			r.logger.Info("tunnel ready", zap.String("url", match))
			select {
			case r.url <- match:
			default:
			}
		}
	}
}
