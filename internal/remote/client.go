// Package remote talks to the activity collector over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/tabtrack/internal/metrics"
	"github.com/goodtune/tabtrack/internal/telemetry"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized is returned when the collector rejects the credentials.
	ErrUnauthorized = errors.New("remote: credentials rejected")

	// ErrNoCredentials is returned when a call is made without credentials.
	ErrNoCredentials = errors.New("remote: no credentials")
)

// StatusError is a non-success response other than 401.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.Code, e.Body)
}

const (
	handshakePath       = "/api/extension/handshake"
	telemetryPath       = "/api/extension/telemetry"
	screenshotPath      = "/api/extension/screenshot"
	cookiesInjectedPath = "/api/extension/cookies-injected"

	maxErrorBody = 512
)

// Client is the collector API client.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a client for the collector at base.
func NewClient(base string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "remote").Logger(),
	}
}

type handshakeRequest struct {
	Email            string `json:"email"`
	AuthToken        string `json:"auth_token"`
	ExtensionVersion string `json:"extension_version"`
}

// Handshake fetches the operating configuration.
func (c *Client) Handshake(ctx context.Context, creds Credentials, version string) (*Config, error) {
	if !creds.Valid() {
		metrics.HandshakesTotal.WithLabelValues("no_credentials").Inc()
		return nil, ErrNoCredentials
	}

	var cfg Config
	err := c.postJSON(ctx, handshakePath, handshakeRequest{
		Email:            creds.Email,
		AuthToken:        creds.Token,
		ExtensionVersion: version,
	}, &cfg)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	cfg.Normalize()
	metrics.HandshakesTotal.WithLabelValues(cfg.Status).Inc()
	c.logger.Debug().
		Str("status", cfg.Status).
		Int("rules", len(cfg.BlockingRules)).
		Int("cookies", len(cfg.Cookies)).
		Msg("Handshake complete")
	return &cfg, nil
}

type telemetryRequest struct {
	Email     string            `json:"email"`
	AuthToken string            `json:"auth_token"`
	Events    []telemetry.Event `json:"events"`
}

// SendTelemetry delivers a batch of events.
func (c *Client) SendTelemetry(ctx context.Context, creds Credentials, events []telemetry.Event) error {
	if !creds.Valid() {
		return ErrNoCredentials
	}

	start := time.Now()
	err := c.postJSON(ctx, telemetryPath, telemetryRequest{
		Email:     creds.Email,
		AuthToken: creds.Token,
		Events:    events,
	}, nil)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	return err
}

// UploadScreenshot uploads one captured image as multipart form data.
func (c *Client) UploadScreenshot(ctx context.Context, creds Credentials, image []byte, contentType string, takenAt time.Time) error {
	if !creds.Valid() {
		return ErrNoCredentials
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := map[string]string{
		"email":         creds.Email,
		"auth_token":    creds.Token,
		"created_at_ts": strconv.FormatFloat(float64(takenAt.UnixMilli())/1000, 'f', 3, 64),
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return fmt.Errorf("write form field %s: %w", name, err)
		}
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="screenshot`+extensionFor(contentType)+`"`)
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+screenshotPath, &body)
	if err != nil {
		return fmt.Errorf("build screenshot request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return c.do(req, screenshotPath, nil)
}

type cookiesInjectedRequest struct {
	CookieIDs []int64 `json:"cookie_ids"`
}

// AckCookies tells the collector which cookies the extension installed.
func (c *Client) AckCookies(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return c.postJSON(ctx, cookiesInjectedPath, cookiesInjectedRequest{CookieIDs: ids}, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: %w", path, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Endpoint: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func resultLabel(err error) string {
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &statusErr):
		return "http_" + strconv.Itoa(statusErr.Code)
	default:
		return "network"
	}
}

// FailureReason classifies a delivery error for metrics and logs.
func FailureReason(err error) string {
	if errors.Is(err, ErrNoCredentials) {
		return "no_credentials"
	}
	return resultLabel(err)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
