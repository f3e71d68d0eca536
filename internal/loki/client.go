// Package loki ships structured log lines to a Grafana Loki push endpoint.
//
// Remote shipping is optional: Connect probes the endpoint once at startup and
// hands back a no-op Sink when Loki cannot be reached, so callers never branch
// on whether shipping is enabled.
package loki

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	bufferSize           = 4096
)

// Entry is one log line bound for Loki.
type Entry struct {
	Time time.Time
	Line string
}

// Sink accepts log lines. Implementations must not block the caller.
type Sink interface {
	Push(Entry)
	Close(ctx context.Context) error
}

// Nop discards everything. It stands in when Loki is disabled or unreachable.
type Nop struct{}

// Push implements Sink.
func (Nop) Push(Entry) {}

// Close implements Sink.
func (Nop) Close(context.Context) error { return nil }

// Config controls the batching client.
type Config struct {
	URL           string
	BasicAuth     string // "user:password" or "tenant:apiKey"
	Tenant        string // sent as X-Scope-OrgID
	Labels        map[string]string
	BatchSize     int
	FlushInterval time.Duration
	HTTPClient    *http.Client
}

// Client batches entries in the background and pushes them gzip-compressed.
type Client struct {
	cfg     Config
	httpc   *http.Client
	ch      chan Entry
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Int64
	errs    atomic.Int64
}

// ErrDisabled is returned by Connect when no push URL is configured.
var ErrDisabled = errors.New("loki push url is empty")

// Connect validates the config, probes the Loki readiness endpoint, and
// starts a Client. On any failure it returns Nop alongside the error.
func Connect(ctx context.Context, cfg Config) (Sink, error) {
	if cfg.URL == "" {
		return Nop{}, ErrDisabled
	}
	client, err := NewClient(cfg)
	if err != nil {
		return Nop{}, err
	}
	if err := client.probe(ctx); err != nil {
		_ = client.Close(ctx)
		return Nop{}, err
	}
	return client, nil
}

// NewClient starts a background batching client without probing the endpoint.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid loki push url %q", cfg.URL)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		cfg:   cfg,
		httpc: httpClient,
		ch:    make(chan Entry, bufferSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

// Push enqueues an entry, dropping it if the buffer is full or the client is closed.
func (c *Client) Push(e Entry) {
	if c.closed.Load() {
		return
	}
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded due to back-pressure.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// PushErrors reports how many batches failed to ship.
func (c *Client) PushErrors() int64 { return c.errs.Load() }

// Close flushes buffered entries and stops the background loop.
func (c *Client) Close(ctx context.Context) error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.quit)
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("loki close: %w", ctx.Err())
	}
}

func (c *Client) loop() {
	defer close(c.done)
	batch := make([]Entry, 0, c.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.push(context.Background(), batch); err != nil {
			c.errs.Add(1)
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-c.ch:
			batch = append(batch, e)
			if len(batch) >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.quit:
			for {
				select {
				case e := <-c.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func (c *Client) push(ctx context.Context, batch []Entry) error {
	values := make([][2]string, 0, len(batch))
	for _, e := range batch {
		values = append(values, [2]string{strconv.FormatInt(e.Time.UnixNano(), 10), e.Line})
	}
	labels := c.cfg.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	body, err := json.Marshal(pushRequest{Streams: []stream{{Stream: labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal loki payload: %w", err)
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(body); err != nil {
		return fmt.Errorf("gzip loki payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("gzip loki payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, &gz)
	if err != nil {
		return fmt.Errorf("build loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	c.decorate(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("loki push: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("loki push: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// probe hits /ready on the push endpoint's host.
func (c *Client) probe(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse loki url: %w", err)
	}
	u.Path = "/ready"
	u.RawQuery = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build loki probe: %w", err)
	}
	c.decorate(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("loki probe: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("loki probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	if c.cfg.Tenant != "" {
		req.Header.Set("X-Scope-OrgID", c.cfg.Tenant)
	}
	if user, pass, ok := strings.Cut(c.cfg.BasicAuth, ":"); ok {
		req.SetBasicAuth(user, pass)
	}
}
