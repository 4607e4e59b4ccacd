// Package httpsync implements transport.Transport over HTTP against the
// relay API.
package httpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport"
)

// Config configures the client.
type Config struct {
	// ServerURL is the base url of the coordination service.
	ServerURL string
	// Timeout bounds each request. Expiry surfaces as ErrNetworkUnreachable.
	Timeout time.Duration
	// RequestsPerSecond paces requests (0 = unlimited).
	RequestsPerSecond float64
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// Logger for request diagnostics (defaults to stderr)
	Logger *log.Logger
}

// DefaultConfig returns a Config for serverURL with sensible defaults.
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:         serverURL,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 5,
	}
}

// Client talks to the relay API.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

var _ transport.Transport = (*Client)(nil)

// New creates a client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.ServerURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.ServerURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout > 0 {
		clone := *hc
		clone.Timeout = cfg.Timeout
		hc = &clone
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[httpsync] ", log.LstdFlags)
	}

	return &Client{
		base:    base,
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// CreateChain starts a chain on the service and generates its secret locally.
func (c *Client) CreateChain(ctx context.Context, deviceName string) (transport.Session, error) {
	const op = "create chain"

	secret, err := transport.GenerateSecretKey()
	if err != nil {
		return transport.Session{}, err
	}

	var resp transport.JoinResponse
	if err := c.do(ctx, op, http.MethodPost, transport.PathCreate, nil, transport.DeviceRequest{DeviceName: deviceName}, &resp); err != nil {
		return transport.Session{}, err
	}
	if resp.SyncCode == "" || resp.DeviceID <= 0 {
		return transport.Session{}, transport.Protocol(op, errors.New("missing sync code or device id"))
	}

	return transport.Session{
		SyncCode:   resp.SyncCode,
		SecretKey:  secret,
		DeviceID:   resp.DeviceID,
		DeviceName: deviceName,
	}, nil
}

// JoinChain registers this device in an existing chain.
func (c *Client) JoinChain(ctx context.Context, syncCode, secretKey, deviceName string) (transport.Session, error) {
	const op = "join chain"

	if _, err := transport.NewSealer(secretKey); err != nil {
		return transport.Session{}, err
	}

	s := transport.Session{SyncCode: syncCode}
	var resp transport.JoinResponse
	if err := c.do(ctx, op, http.MethodPost, transport.PathJoin, &s, transport.DeviceRequest{DeviceName: deviceName}, &resp); err != nil {
		return transport.Session{}, err
	}
	if resp.DeviceID <= 0 {
		return transport.Session{}, transport.Protocol(op, errors.New("missing device id"))
	}

	return transport.Session{
		SyncCode:   syncCode,
		SecretKey:  secretKey,
		DeviceID:   resp.DeviceID,
		DeviceName: deviceName,
	}, nil
}

// LeaveChain removes this device.
func (c *Client) LeaveChain(ctx context.Context, s transport.Session) error {
	return c.RemoveDevice(ctx, s, s.DeviceID)
}

// ListDevices returns the chain's devices.
func (c *Client) ListDevices(ctx context.Context, s transport.Session) ([]schema.Device, error) {
	var resp transport.DevicesResponse
	if err := c.do(ctx, "list devices", http.MethodGet, transport.PathDevices, &s, nil, &resp); err != nil {
		return nil, err
	}

	devices := make([]schema.Device, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		devices = append(devices, schema.Device{DeviceID: d.DeviceID, DeviceName: d.DeviceName})
	}
	return devices, nil
}

// RemoveDevice removes deviceID from the chain.
func (c *Client) RemoveDevice(ctx context.Context, s transport.Session, deviceID int64) error {
	path := transport.PathDevices + "/" + strconv.FormatInt(deviceID, 10)
	return c.do(ctx, "remove device", http.MethodDelete, path, &s, nil, nil)
}

// PushReadMarks seals and sends a batch of marks.
func (c *Client) PushReadMarks(ctx context.Context, s transport.Session, marks []schema.ReadMarkKey) (transport.Confirmation, error) {
	const op = "push read marks"
	if len(marks) == 0 {
		return transport.Confirmation{}, nil
	}

	sealer, err := transport.NewSealer(s.SecretKey)
	if err != nil {
		return transport.Confirmation{}, err
	}

	req := transport.PushReadMarksRequest{Items: make([]transport.WireReadMark, 0, len(marks))}
	for _, m := range marks {
		feed, err := sealer.Seal(m.FeedURL)
		if err != nil {
			return transport.Confirmation{}, err
		}
		guid, err := sealer.Seal(m.ArticleGUID)
		if err != nil {
			return transport.Confirmation{}, err
		}
		req.Items = append(req.Items, transport.WireReadMark{FeedURL: feed, ArticleGUID: guid})
	}

	var resp transport.PushReadMarksResponse
	if err := c.do(ctx, op, http.MethodPost, transport.PathReadMarks, &s, req, &resp); err != nil {
		return transport.Confirmation{}, err
	}

	accepted := make([]bool, len(marks))
	for _, idx := range resp.Accepted {
		if idx < 0 || idx >= len(marks) {
			return transport.Confirmation{}, transport.Protocol(op, fmt.Errorf("accepted index %d out of range", idx))
		}
		accepted[idx] = true
	}

	var conf transport.Confirmation
	for i, m := range marks {
		if accepted[i] {
			conf.Accepted = append(conf.Accepted, m)
		} else {
			conf.Rejected = append(conf.Rejected, m)
		}
	}
	return conf, nil
}

// PullReadMarks fetches and opens marks newer than since.
func (c *Client) PullReadMarks(ctx context.Context, s transport.Session, since time.Time) (transport.PullResult, error) {
	const op = "pull read marks"

	sealer, err := transport.NewSealer(s.SecretKey)
	if err != nil {
		return transport.PullResult{}, err
	}

	var sinceMillis int64
	if !since.IsZero() {
		sinceMillis = since.UnixMilli()
	}
	path := transport.PathReadMarks + "?since=" + strconv.FormatInt(sinceMillis, 10)

	var resp transport.PullReadMarksResponse
	if err := c.do(ctx, op, http.MethodGet, path, &s, nil, &resp); err != nil {
		return transport.PullResult{}, err
	}

	var result transport.PullResult
	for _, w := range resp.Items {
		if w.Timestamp <= 0 {
			return transport.PullResult{}, transport.Protocol(op, errors.New("read mark without timestamp"))
		}
		feed, ferr := sealer.Open(w.FeedURL)
		guid, gerr := sealer.Open(w.ArticleGUID)
		if ferr != nil || gerr != nil {
			result.Undecryptable++
			continue
		}
		result.Marks = append(result.Marks, schema.RemoteReadMark{
			ReadMarkKey: schema.ReadMarkKey{FeedURL: feed, ArticleGUID: guid},
			Timestamp:   time.UnixMilli(w.Timestamp).UTC(),
		})
	}
	if resp.HighWaterMark > 0 {
		result.HighWater = time.UnixMilli(resp.HighWaterMark).UTC()
	}
	if result.Undecryptable > 0 {
		c.logger.Printf("Warning: skipped %d read marks sealed under another key", result.Undecryptable)
	}
	return result, nil
}

// PullFeedList fetches and opens the chain's feed list.
func (c *Client) PullFeedList(ctx context.Context, s transport.Session) ([]string, error) {
	sealer, err := transport.NewSealer(s.SecretKey)
	if err != nil {
		return nil, err
	}

	var resp transport.FeedsPayload
	if err := c.do(ctx, "pull feed list", http.MethodGet, transport.PathFeeds, &s, nil, &resp); err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(resp.Feeds))
	for _, f := range resp.Feeds {
		u, err := sealer.Open(f)
		if err != nil {
			continue
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// PushFeedList replaces the chain's feed list.
func (c *Client) PushFeedList(ctx context.Context, s transport.Session, urls []string, hash int64) error {
	sealer, err := transport.NewSealer(s.SecretKey)
	if err != nil {
		return err
	}

	payload := transport.FeedsPayload{Feeds: make([]string, 0, len(urls)), Hash: hash}
	for _, u := range urls {
		sealed, err := sealer.Seal(u)
		if err != nil {
			return err
		}
		payload.Feeds = append(payload.Feeds, sealed)
	}
	return c.do(ctx, "push feed list", http.MethodPut, transport.PathFeeds, &s, payload, nil)
}

// do sends one request and classifies its failure.
func (c *Client) do(ctx context.Context, op, method, path string, s *transport.Session, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transport.NetworkUnreachable(op, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(transport.HeaderRequestID, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s != nil {
		if s.SyncCode != "" {
			req.Header.Set(transport.HeaderSyncCode, s.SyncCode)
		}
		if s.DeviceID > 0 {
			req.Header.Set(transport.HeaderDeviceID, strconv.FormatInt(s.DeviceID, 10))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transport.NetworkUnreachable(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return transport.NetworkUnreachable(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return transport.Unauthorized(op, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return transport.NotFound(op, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return transport.ServerError(op, resp.StatusCode, errorMessage(data))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		if out != nil {
			return transport.Protocol(op, errors.New("empty response body"))
		}
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return transport.Protocol(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func errorMessage(body []byte) error {
	var er transport.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return errors.New(er.Error)
	}
	return nil
}
