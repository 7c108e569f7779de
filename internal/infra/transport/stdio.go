package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpgate/internal/domain"
)

// StdioDialer spawns a subordinate server as a subprocess and speaks the MCP
// stdio framing over its pipes.
type StdioDialer struct {
	logger *zap.Logger
}

func NewStdioDialer(logger *zap.Logger) *StdioDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioDialer{logger: logger.Named("stdio")}
}

func (d *StdioDialer) Dial(ctx context.Context, spec domain.UpstreamSpec) (domain.Wire, domain.StopFn, error) {
	if spec.Command == "" {
		return nil, nil, errors.New("command is required for stdio upstream")
	}

	// Deliberately not exec.CommandContext: the connect timeout must not
	// kill a process that finished starting; teardown goes through StopFn.
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(spec.Env)...)

	transport := &mcp.CommandTransport{
		Command: cmd,
	}

	mcpConn, err := transport.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	logger := d.logger.With(zap.String("upstream", spec.Name))
	conn := NewConn(mcpConn, ConnOptions{
		Logger:         logger,
		OnNotification: logNotification(logger),
	})
	stop := func(context.Context) error {
		return conn.Close()
	}

	return conn, stop, nil
}

func logNotification(logger *zap.Logger) domain.NotificationHandler {
	return func(method string, params json.RawMessage) {
		if method == "notifications/tools/list_changed" {
			logger.Info("upstream announced tool list change; catalog refreshes on reconnect or explicit refresh")
			return
		}
		logger.Debug("upstream notification", zap.String("method", method))
	}
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

var _ domain.Dialer = (*StdioDialer)(nil)
