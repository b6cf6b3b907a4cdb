package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "meshpulse/pkg/logx"
)

// Client is the controller surface the scheduler consumes: read the current
// topology and start/stop traffic sessions and scans on it.
type Client interface {
	GetTopology(ctx context.Context, network string) (*Topology, error)
	StartSession(ctx context.Context, network, srcMac, dstMac string, opts SessionOptions) (sessionID string, err error)
	StopSession(ctx context.Context, network, sessionID string) error
	StopAllSessions(ctx context.Context, network string) error
	DefaultRoutes(ctx context.Context, network string, nodes []string) (map[string][]string, error)
	StartScan(ctx context.Context, network string, req ScanRequest) (token string, err error)
}

// Config configures the HTTP controller client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// RatePerSec caps outbound calls. Zero disables the limiter.
	RatePerSec int
}

type httpClient struct {
	base    string
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// NewHTTP builds a controller client over plain request/response HTTP.
func NewHTTP(cfg Config, log logx.Logger) (Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("controller base_url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Dedicated transport so controller traffic keeps a small, predictable
	// connection footprint.
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         d.DialContext,
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	return &httpClient{
		base:    base,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
		limiter: lim,
		log:     log,
	}, nil
}

func (c *httpClient) GetTopology(ctx context.Context, network string) (*Topology, error) {
	var out Topology
	err := c.call(ctx, "getTopology", map[string]any{"network": network}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) StartSession(ctx context.Context, network, srcMac, dstMac string, opts SessionOptions) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.call(ctx, "startSession", map[string]any{
		"network": network,
		"src_mac": srcMac,
		"dst_mac": dstMac,
		"options": opts,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("controller returned empty session id")
	}
	return out.SessionID, nil
}

func (c *httpClient) StopSession(ctx context.Context, network, sessionID string) error {
	return c.call(ctx, "stopSession", map[string]any{
		"network":    network,
		"session_id": sessionID,
	}, nil)
}

func (c *httpClient) StopAllSessions(ctx context.Context, network string) error {
	return c.call(ctx, "stopAllSessions", map[string]any{"network": network}, nil)
}

func (c *httpClient) DefaultRoutes(ctx context.Context, network string, nodes []string) (map[string][]string, error) {
	var out struct {
		Routes map[string][]string `json:"routes"`
	}
	err := c.call(ctx, "getDefaultRoutes", map[string]any{
		"network": network,
		"nodes":   nodes,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Routes, nil
}

func (c *httpClient) StartScan(ctx context.Context, network string, req ScanRequest) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, "startScan", map[string]any{
		"network": network,
		"scan":    req,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *httpClient) call(ctx context.Context, method string, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/"+method, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Keep a short slice of the body for diagnostics.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: controller returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	return nil
}
