package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestHTTPClientChat(t *testing.T) {
	var gotReq chatRequest
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if c, err := r.Cookie("session"); err == nil {
			gotSession = c.Value
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{Response: "the answer", Model: "companion-13b"})
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(srv.URL, nil, WithSession("sess-42"))
	resp, err := client.Chat(context.Background(), "the question", []Message{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "reply"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Response != "the answer" || resp.Model != "companion-13b" {
		t.Errorf("response = %+v", resp)
	}
	if gotReq.Message != "the question" || len(gotReq.History) != 2 {
		t.Errorf("server saw %+v", gotReq)
	}
	if gotSession != "sess-42" {
		t.Errorf("session cookie = %q", gotSession)
	}
}

// SetSession swaps the cookie for subsequent requests and is safe to
// call while other goroutines are mid-request.
func TestHTTPClientSetSession(t *testing.T) {
	var mu sync.Mutex
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			mu.Lock()
			sessions = append(sessions, c.Value)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(srv.URL, nil, WithSession("first"))
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	client.SetSession("second")
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping after reauth: %v", err)
	}

	mu.Lock()
	got := append([]string(nil), sessions...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("sessions = %v", got)
	}

	// Concurrent reauth while requests are in flight.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				client.SetSession("rotated")
				return
			}
			if err := client.Ping(context.Background()); err != nil {
				t.Errorf("concurrent ping: %v", err)
			}
		}(i)
	}
	wg.Wait()
}

func TestHTTPClientChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(srv.URL, nil)
	_, err := client.Chat(context.Background(), "q", nil)
	if err == nil {
		t.Fatal("non-2xx should be an error")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("err = %v", err)
	}
}

func TestHTTPClientChatUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	if _, err := client.Chat(context.Background(), "q", nil); err == nil {
		t.Fatal("unreachable endpoint should be an error")
	}
}

func TestHTTPClientPing(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("ping hit %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(healthy.Close)

	if err := NewHTTPClient(healthy.URL, nil).Ping(context.Background()); err != nil {
		t.Errorf("ping healthy endpoint: %v", err)
	}

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(sick.Close)

	if err := NewHTTPClient(sick.URL, nil).Ping(context.Background()); err == nil {
		t.Error("ping unhealthy endpoint should fail")
	}
}
