package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/metrics"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultConfigTimeout = 30 * time.Second

	maxErrorBody = 512
)

var (
	ErrNoAgentID   = errors.New("no agent id")
	ErrNoAccountID = errors.New("control plane returned no account id")
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Config configures the control-plane client
type Config struct {
	BaseURL string
	APIKey  string
	Mode    types.Mode

	// ReportRateLimit caps outgoing event reports per second. Zero or
	// negative disables the limit.
	ReportRateLimit float64

	Timeout       time.Duration
	ConfigTimeout time.Duration
	HTTPClient    *http.Client
}

// Client talks to the control plane over HTTPS with bearer authentication
type Client struct {
	baseURL       string
	apiKey        string
	mode          types.Mode
	timeout       time.Duration
	configTimeout time.Duration
	http          *http.Client
	limiter       *rate.Limiter
	logger        zerolog.Logger
}

// NodeInfo identifies the swarm node an agent runs on
type NodeInfo struct {
	NodeID   string `json:"node_id"`
	NodeRole string `json:"node_role"`
}

// RegisterRequest is the registration payload
type RegisterRequest struct {
	DisplayName string     `json:"display_name"`
	Version     string     `json:"version"`
	Mode        types.Mode `json:"mode"`
	NodeInfo    *NodeInfo  `json:"node_info"`
	AgentID     string     `json:"agent_id,omitempty"`
}

// EventReport is one event sent to the control plane. Timestamp, mode and
// event id are filled in by ReportEvent when left empty.
type EventReport struct {
	Type      string     `json:"type"`
	Timestamp string     `json:"timestamp"`
	Mode      types.Mode `json:"mode"`
	EventID   string     `json:"event_id"`
	Container any        `json:"container,omitempty"`
}

// NewClient creates a control-plane client
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	configTimeout := cfg.ConfigTimeout
	if configTimeout <= 0 {
		configTimeout = DefaultConfigTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ReportRateLimit > 0 {
		burst := int(cfg.ReportRateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ReportRateLimit), burst)
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		mode:          cfg.Mode,
		timeout:       timeout,
		configTimeout: configTimeout,
		http:          httpClient,
		limiter:       limiter,
		logger:        log.WithComponent("client"),
	}
}

// Register announces the agent and returns the id the control plane assigned
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if req.Mode == "" {
		req.Mode = c.mode
	}

	var resp struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.do(ctx, c.timeout, "register", http.MethodPost, "/api/v2/agents/register", req, &resp); err != nil {
		return "", fmt.Errorf("failed to register: %w", err)
	}
	if resp.AgentID == "" {
		return "", fmt.Errorf("failed to register: %w", ErrNoAgentID)
	}
	return resp.AgentID, nil
}

// ReportEvent posts one event for agentID. Reports are rate limited; the
// call blocks until the limiter admits it or ctx is done.
func (c *Client) ReportEvent(ctx context.Context, agentID string, report EventReport) error {
	if agentID == "" {
		return ErrNoAgentID
	}
	if report.Timestamp == "" {
		report.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if report.Mode == "" {
		report.Mode = c.mode
	}
	if report.EventID == "" {
		report.EventID = uuid.New().String()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("report %s: %w", report.Type, err)
	}

	path := "/api/v2/agents/" + url.PathEscape(agentID) + "/events"
	if err := c.do(ctx, c.timeout, "events", http.MethodPost, path, report, nil); err != nil {
		return fmt.Errorf("failed to report %s: %w", report.Type, err)
	}

	c.logger.Debug().
		Str("type", report.Type).
		Str("event_id", report.EventID).
		Msg("Reported event to control plane")
	return nil
}

// PollCommands fetches the pending commands for agentID in the order the
// control plane queued them
func (c *Client) PollCommands(ctx context.Context, agentID string) ([]types.Command, error) {
	if agentID == "" {
		return nil, ErrNoAgentID
	}

	var resp struct {
		Commands []types.Command `json:"commands"`
	}
	path := "/api/v2/agents/" + url.PathEscape(agentID) + "/commands"
	if err := c.do(ctx, c.timeout, "commands", http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to poll commands: %w", err)
	}
	return resp.Commands, nil
}

// PushIngressConfig replaces the ingress configuration of tunnelID. The
// account id is looked up first.
func (c *Client) PushIngressConfig(ctx context.Context, tunnelID string, ingress []types.IngressRule) error {
	if tunnelID == "" {
		return errors.New("tunnel id is required")
	}

	accountID, err := c.accountID(ctx)
	if err != nil {
		return err
	}

	body := map[string]any{
		"config": map[string]any{"ingress": ingress},
	}
	path := "/accounts/" + url.PathEscape(accountID) + "/cfd_tunnel/" + url.PathEscape(tunnelID) + "/configurations"
	if err := c.do(ctx, c.configTimeout, "configurations", http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("failed to update tunnel config for %s: %w", tunnelID, err)
	}

	c.logger.Info().Str("tunnel_id", tunnelID).Int("rules", len(ingress)).Msg("Updated tunnel configuration")
	return nil
}

func (c *Client) accountID(ctx context.Context) (string, error) {
	var resp struct {
		Success bool `json:"success"`
		Result  []struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := c.do(ctx, c.timeout, "accounts", http.MethodGet, "/accounts", nil, &resp); err != nil {
		return "", fmt.Errorf("failed to get account id: %w", err)
	}
	if !resp.Success || len(resp.Result) == 0 || resp.Result[0].ID == "" {
		return "", ErrNoAccountID
	}
	return resp.Result[0].ID, nil
}

// do sends one JSON request and decodes the response into out when non-nil
func (c *Client) do(ctx context.Context, timeout time.Duration, endpoint, method, path string, in, out any) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ControlPlaneRequestDuration, endpoint)
		metrics.ControlPlaneRequestsTotal.WithLabelValues(endpoint, metrics.Outcome(err)).Inc()
		healthy := err == nil
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		metrics.UpdateComponent(metrics.ComponentControlPlane, healthy, msg)
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
