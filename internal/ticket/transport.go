package ticket

import (
	"context"
	"errors"
	"net/http"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"review-pipeline/internal/config"
)

// tokenRoundTripper injects the bearer token on every request to an HTTP
// ticket server.
type tokenRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (t *tokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	if t.base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

// newTransport builds the MCP transport: a child process over stdio when a
// command is configured, otherwise an SSE HTTP endpoint.
func newTransport(ctx context.Context, cfg config.TicketConfig) (mcp.Transport, error) {
	if cfg.Command != "" {
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if cfg.Token != "" {
			cmd.Env = append(cmd.Environ(), "MCP_TOKEN="+cfg.Token)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	}

	if cfg.Endpoint == "" {
		return nil, errors.New("ticket adapter needs a command or an endpoint")
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.Token != "" {
		httpClient.Transport = &tokenRoundTripper{base: http.DefaultTransport, token: cfg.Token}
	}
	return &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: httpClient}, nil
}
