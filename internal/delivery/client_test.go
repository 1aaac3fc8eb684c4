package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	logx "dotpush/pkg/logx"
)

type captured struct {
	path string
	auth string
	body map[string]any
}

func newServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, captured{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"x"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, http.StatusOK)
	c := New(Config{BaseURL: srv.URL + "/", RatePerSec: 100}, logx.Nop())

	link := "https://example.com"
	err := c.SendText(context.Background(), "k1", TextMessage{DeviceID: "dev", Title: "t", Message: "m", Signature: "s", Link: &link})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	got := calls()
	if len(got) != 1 {
		t.Fatalf("calls = %d", len(got))
	}
	if got[0].path != "/api/open/text" || got[0].auth != "Bearer k1" {
		t.Fatalf("path=%q auth=%q", got[0].path, got[0].auth)
	}
	b := got[0].body
	if b["deviceId"] != "dev" || b["title"] != "t" || b["link"] != link || b["refreshNow"] != true {
		t.Fatalf("body = %v", b)
	}
	if _, ok := b["icon"]; ok {
		t.Fatalf("icon should be omitted: %v", b)
	}
}

func TestSendImageStripsPrefix(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, http.StatusOK)
	c := New(Config{BaseURL: srv.URL, RatePerSec: 100}, logx.Nop())

	if err := c.SendImage(context.Background(), "k", ImageMessage{DeviceID: "d", Image: "data:image/png;base64,QUJD"}); err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	b := calls()[0].body
	if b["image"] != "QUJD" || b["ditherType"] != "NONE" || b["ditherKernel"] != "FLOYD_STEINBERG" || b["border"] != float64(0) {
		t.Fatalf("body = %v", b)
	}
}

func TestSendImageBadDataURL(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, http.StatusOK)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	err := c.SendImage(context.Background(), "k", ImageMessage{DeviceID: "d", Image: "data:image/png;base64QUJD"})
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}
	if len(calls()) != 0 {
		t.Fatal("request sent for invalid image")
	}
}

func TestNon2xxIsError(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, http.StatusUnauthorized)
	c := New(Config{BaseURL: srv.URL}, logx.Nop())

	err := c.SendText(context.Background(), "bad", TextMessage{DeviceID: "d"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want APIError 401", err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	t.Parallel()
	c := New(Config{}, logx.Nop())
	if err := c.SendText(context.Background(), " ", TextMessage{}); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("err = %v", err)
	}
}

func TestStripDataURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
		err      bool
	}{
		{in: "QUJD", want: "QUJD"},
		{in: "data:image/jpeg;base64,/9j/", want: "/9j/"},
		{in: "data:image/png", err: true},
	}
	for _, tt := range tests {
		got, err := StripDataURL(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Fatalf("StripDataURL(%q) = %q, %v", tt.in, got, err)
		}
	}
}
