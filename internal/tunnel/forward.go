package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/netutil"
	"github.com/hookline/hookline/internal/tunnelproto"
)

// ForwardResult is the outcome of executing one tunneled request against the
// local server. It is consumed immediately to build the response frame and
// the OnRequest notification; nothing is retained.
type ForwardResult struct {
	Status   int
	Headers  map[string]string
	Body     *string
	Duration time.Duration
}

type forwarder struct {
	host   string
	port   int
	client *http.Client
	log    *slog.Logger
}

func newForwarder(cfg config.ClientConfig, logger *slog.Logger) *forwarder {
	return &forwarder{
		host: cfg.LocalHost,
		port: cfg.LocalPort,
		client: &http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: newForwardTransport(),
		},
		log: logger,
	}
}

func newForwardTransport() *http.Transport {
	base, _ := http.DefaultTransport.(*http.Transport)
	tr := base.Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 100
	tr.IdleConnTimeout = 90 * time.Second
	return tr
}

// forward issues the tunneled request against the local server. It never
// returns an error: any transport failure is converted into a synthesized 502
// result so the relay always gets exactly one response per request.
func (f *forwarder) forward(ctx context.Context, req tunnelproto.Frame) ForwardResult {
	started := time.Now()

	target, err := f.targetURL(req.URL)
	if err != nil {
		return f.badGateway(err, started)
	}

	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(*req.Body)
	}
	localReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return f.badGateway(err, started)
	}

	headers := netutil.CloneHeaders(req.Headers)
	netutil.StripTunnelHeaders(headers)
	for k, v := range headers {
		localReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(localReq)
	if err != nil {
		return f.badGateway(err, started)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.badGateway(err, started)
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return ForwardResult{
		Status:   status,
		Headers:  netutil.FlattenHeader(resp.Header),
		Body:     tunnelproto.NewBody(string(data)),
		Duration: time.Since(started),
	}
}

// targetURL rebuilds the edge request's path and query against the configured
// local host and port.
func (f *forwarder) targetURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request url: %w", err)
	}
	target := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(f.host, strconv.Itoa(f.port)),
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}
	if target.Path == "" {
		target.Path = "/"
	}
	return target.String(), nil
}

func (f *forwarder) badGateway(cause error, started time.Time) ForwardResult {
	payload, _ := json.Marshal(map[string]string{
		"error":   "Bad Gateway",
		"message": fmt.Sprintf("local server on port %d is not responding", f.port),
		"details": cause.Error(),
	})
	return ForwardResult{
		Status:   http.StatusBadGateway,
		Headers:  map[string]string{"content-type": "application/json"},
		Body:     tunnelproto.NewBody(string(payload)),
		Duration: time.Since(started),
	}
}

// requestPath extracts path+query from a tunneled request URL for logging and
// OnRequest notifications.
func requestPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path = path + "?" + u.RawQuery
	}
	return path
}
