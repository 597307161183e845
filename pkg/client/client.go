package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/internal/doctor"
	"github.com/jvs-project/replvol/internal/httpapi"
	"github.com/jvs-project/replvol/internal/registry"
)

// Defaults for a new Client.
const (
	DefaultAttempts = 3
	DefaultDelay    = 200 * time.Millisecond
	DefaultTimeout  = 60 * time.Second
)

// Client issues requests to one daemon.
type Client struct {
	baseURL  string
	http     *http.Client
	attempts uint
	delay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the number of attempts and the base delay between them.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		if attempts == 0 {
			attempts = 1
		}
		c.attempts, c.delay = attempts, delay
	}
}

// New creates a client for the daemon listening at baseURL. A bare
// host:port is taken as an http URL.
func New(baseURL string, opts ...Option) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: DefaultTimeout},
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HTTPError is returned when the daemon answers with a non-success status.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// permanentError marks a failure that another attempt cannot fix.
type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }

// retryable reports whether err means the daemon was not reached.
func retryable(err error) bool {
	var perr permanentError
	if errors.As(err, &perr) {
		return false
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode == http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var nerr net.Error
	var uerr *url.Error
	return errors.As(err, &nerr) || errors.As(err, &uerr)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	return retry.Do(
		func() error {
			var rd io.Reader
			if body != nil {
				rd = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
			if err != nil {
				return permanentError{err}
			}
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				var msg struct {
					Error string `json:"error"`
				}
				data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				if json.Unmarshal(data, &msg) != nil || msg.Error == "" {
					msg.Error = strings.TrimSpace(string(data))
				}
				return &HTTPError{StatusCode: resp.StatusCode, Message: msg.Error}
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return permanentError{fmt.Errorf("decode response: %w", err)}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
}

// Do sends one admin request. A nil error means the daemon answered; the
// reply carries the outcome.
func (c *Client) Do(ctx context.Context, req *admin.Request) (*admin.Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var reply admin.Reply
	if err := c.roundTrip(ctx, http.MethodPost, httpapi.RequestsPath, body, &reply); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}
	return &reply, nil
}

// StatusPage fetches one page of the status dump.
func (c *Client) StatusPage(ctx context.Context, cursor registry.Cursor, limit int, conn string) (*httpapi.StatusPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if conn != "" {
		q.Set("conn", conn)
	}
	if cursor.Conn != "" {
		q.Set("cursor_conn", cursor.Conn)
		q.Set("cursor_volume", strconv.Itoa(cursor.Volume))
	}
	var page httpapi.StatusPage
	if err := c.roundTrip(ctx, http.MethodGet, httpapi.StatusPath+"?"+q.Encode(), nil, &page); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &page, nil
}

// Status returns every status entry, or those of conn when it is not
// empty, following the cursor until the dump is complete.
func (c *Client) Status(ctx context.Context, conn string) ([]admin.Status, error) {
	var (
		all []admin.Status
		cur registry.Cursor
	)
	for {
		page, err := c.StatusPage(ctx, cur, httpapi.DefaultPageSize, conn)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Entries...)
		if page.Done {
			return all, nil
		}
		cur = page.Next
	}
}

// Doctor runs the daemon's health checks.
func (c *Client) Doctor(ctx context.Context, conn string, strict bool) (*doctor.Result, error) {
	q := url.Values{}
	if conn != "" {
		q.Set("conn", conn)
	}
	if strict {
		q.Set("strict", "true")
	}
	var res doctor.Result
	if err := c.roundTrip(ctx, http.MethodGet, httpapi.DoctorPath+"?"+q.Encode(), nil, &res); err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}
	return &res, nil
}
