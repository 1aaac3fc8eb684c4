// Package delivery pushes resolved content to devices through the Dot open API.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "dotpush/pkg/logx"
)

const DefaultBaseURL = "https://dot.mindreset.tech"

var (
	ErrInvalidImage = errors.New("Invalid image data format")
	ErrEmptyKey     = errors.New("api key is empty")
)

// Config controls the outbound client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // per request; 0 means 15s
	RatePerSec int           // outbound requests per second; 0 means 2
}

// TextMessage is a resolved text push.
type TextMessage struct {
	DeviceID  string
	Title     string
	Message   string
	Signature string
	Icon      *string
	Link      *string
}

// ImageMessage is a resolved image push. Image may carry a data URL prefix.
type ImageMessage struct {
	DeviceID string
	Image    string
	Link     *string
}

// APIError is a non-2xx answer from the device API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device api: status %d: %s", e.Status, e.Body)
}

type textRequest struct {
	DeviceID   string  `json:"deviceId"`
	Title      string  `json:"title"`
	Message    string  `json:"message"`
	Signature  string  `json:"signature"`
	Icon       *string `json:"icon,omitempty"`
	Link       *string `json:"link,omitempty"`
	RefreshNow bool    `json:"refreshNow"`
}

type imageRequest struct {
	DeviceID     string  `json:"deviceId"`
	Image        string  `json:"image"`
	Link         *string `json:"link,omitempty"`
	RefreshNow   bool    `json:"refreshNow"`
	Border       int     `json:"border"`
	DitherType   string  `json:"ditherType"`
	DitherKernel string  `json:"ditherKernel"`
}

// Client is safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{log: log.With(logx.String("comp", "delivery"))}
	c.applyLocked(cfg)
	c.http = newHTTPClient()
	return c
}

func newHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: tr}
}

// Apply swaps the base URL, timeout and rate at runtime.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.applyLocked(cfg)
	c.mu.Unlock()
}

func (c *Client) applyLocked(cfg Config) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	c.cfg = cfg
	c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (c *Client) SendText(ctx context.Context, apiKey string, msg TextMessage) error {
	return c.post(ctx, "/api/open/text", apiKey, textRequest{
		DeviceID:   msg.DeviceID,
		Title:      msg.Title,
		Message:    msg.Message,
		Signature:  msg.Signature,
		Icon:       msg.Icon,
		Link:       msg.Link,
		RefreshNow: true,
	})
}

func (c *Client) SendImage(ctx context.Context, apiKey string, msg ImageMessage) error {
	img, err := StripDataURL(msg.Image)
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/open/image", apiKey, imageRequest{
		DeviceID:     msg.DeviceID,
		Image:        img,
		Link:         msg.Link,
		RefreshNow:   true,
		Border:       0,
		DitherType:   "NONE",
		DitherKernel: "FLOYD_STEINBERG",
	})
}

// StripDataURL returns the base64 part of a data:image/... URL. Other input
// is returned unchanged.
func StripDataURL(s string) (string, error) {
	if !strings.HasPrefix(s, "data:image/") {
		return s, nil
	}
	_, data, ok := strings.Cut(s, ",")
	if !ok {
		return "", ErrInvalidImage
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, path, apiKey string, body any) error {
	if strings.TrimSpace(apiKey) == "" {
		return ErrEmptyKey
	}
	c.mu.Lock()
	cfg := c.cfg
	lim := c.limiter
	c.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device api request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	c.log.Debug("device api call",
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}
