package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/enrich"
	"go.uber.org/zap"
)

func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	original := sleep
	sleep = func(d time.Duration) { waits = append(waits, d) }
	t.Cleanup(func() { sleep = original })
	return &waits
}

func newTestClient(t *testing.T, url string, maxRetries int) *Client {
	t.Helper()
	client, err := New("test-token", "test-model", maxRetries, zap.NewNop())
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	client.SetAPIURL(url)
	return client
}

func chatBody(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":"` + content + `"}}]}`
}

func TestCompleteSuccess(t *testing.T) {
	stubSleep(t)

	var gotAuth, gotContentType string
	var gotRequest map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatBody("hello there")))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)

	content, err := client.Complete(context.Background(), []enrich.Message{
		{Role: enrich.RoleSystem, Content: "sys"},
		{Role: enrich.RoleUser, Content: "user"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if content != "hello there" {
		t.Fatalf("unexpected content: %q", content)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("unexpected authorization header: %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type: %q", gotContentType)
	}
	if gotRequest["model"] != "test-model" {
		t.Fatalf("unexpected model: %v", gotRequest["model"])
	}
	messages, ok := gotRequest["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("unexpected messages payload: %v", gotRequest["messages"])
	}
}

func TestCompleteRetriesOnRateLimit(t *testing.T) {
	waits := stubSleep(t)

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		w.Write([]byte(chatBody("eventually fine")))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)

	content, err := client.Complete(context.Background(), []enrich.Message{{Role: enrich.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "eventually fine" {
		t.Fatalf("unexpected content: %q", content)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}

	// Scheduled waits grow with the attempt index: 2s then 4s.
	if len(*waits) != 2 {
		t.Fatalf("expected 2 waits, got %v", *waits)
	}
	if (*waits)[0] != 2*time.Second || (*waits)[1] != 4*time.Second {
		t.Fatalf("unexpected backoff schedule: %v", *waits)
	}
}

func TestCompleteRetriesOnServerError(t *testing.T) {
	waits := stubSleep(t)

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2)

	_, err := client.Complete(context.Background(), []enrich.Message{{Role: enrich.RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status in error, got: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	// No wait is scheduled after the final attempt.
	if len(*waits) != 1 || (*waits)[0] != time.Second {
		t.Fatalf("unexpected backoff schedule: %v", *waits)
	}
}

func TestCompleteRetriesOnEmptyChoices(t *testing.T) {
	stubSleep(t)

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"choices":[]}`))
			return
		}
		w.Write([]byte(chatBody("second try")))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)

	content, err := client.Complete(context.Background(), []enrich.Message{{Role: enrich.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "second try" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestCompleteTransportError(t *testing.T) {
	stubSleep(t)

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused from here on

	client := newTestClient(t, server.URL, 2)

	_, err := client.Complete(context.Background(), []enrich.Message{{Role: enrich.RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("  ", "model", 3, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing token")
	}

	client, err := New("token", "", 0, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Model() != defaultModel {
		t.Fatalf("expected default model, got %q", client.Model())
	}
}
