package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBarkGroup = "cronkeeper"
	// barkLevelTimeSensitive breaks through focus modes on iOS.
	barkLevelTimeSensitive = "timeSensitive"
)

// BarkNotifier pushes notifications to one device through a Bark server.
type BarkNotifier struct {
	endpoint string
	group    string
	level    string
	client   *http.Client
}

// BarkOption customizes a BarkNotifier.
type BarkOption func(*BarkNotifier)

// WithBarkGroup sets the notification group shown on the device.
func WithBarkGroup(group string) BarkOption {
	return func(b *BarkNotifier) {
		if group != "" {
			b.group = group
		}
	}
}

// WithBarkLevel sets the interruption level (active, timeSensitive, passive).
func WithBarkLevel(level string) BarkOption {
	return func(b *BarkNotifier) { b.level = level }
}

// NewBarkNotifier creates a notifier for a device URL such as
// https://api.day.app/<key>.
func NewBarkNotifier(deviceURL string, opts ...BarkOption) (*BarkNotifier, error) {
	deviceURL = strings.TrimRight(strings.TrimSpace(deviceURL), "/")
	if deviceURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	u, err := url.ParseRequestURI(deviceURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("bark url %q is not absolute", deviceURL)
	}
	b := &BarkNotifier{
		endpoint: deviceURL,
		group:    defaultBarkGroup,
		level:    barkLevelTimeSensitive,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type barkPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Group string `json:"group,omitempty"`
	Level string `json:"level,omitempty"`
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(barkPayload{Title: title, Body: body, Group: b.group, Level: b.level})
	if err != nil {
		return fmt.Errorf("encode bark payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}
