package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewClientProviderSelection(t *testing.T) {
	c, err := NewClient("anth-key", "", "")
	if err != nil {
		t.Fatalf("anthropic key rejected: %v", err)
	}
	if _, ok := c.(*AnthropicClient); !ok {
		t.Fatalf("expected AnthropicClient, got %T", c)
	}

	c, err = NewClient("", "oai-key", "")
	if err != nil {
		t.Fatalf("openai key rejected: %v", err)
	}
	if _, ok := c.(*OpenAIClient); !ok {
		t.Fatalf("expected OpenAIClient, got %T", c)
	}

	// Anthropic takes precedence when both keys are configured.
	c, _ = NewClient("anth-key", "oai-key", "")
	if _, ok := c.(*AnthropicClient); !ok {
		t.Fatalf("expected AnthropicClient when both keys set, got %T", c)
	}

	if _, err := NewClient("", "", ""); err == nil {
		t.Fatal("expected an error with no keys configured")
	}
}

func TestPostJSONSetsHeadersAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type: %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("api key header: %q", r.Header.Get("x-api-key"))
		}
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	var out struct {
		Value string `json:"value"`
	}
	headers := map[string]string{"x-api-key": "secret"}
	if err := postJSON(context.Background(), srv.Client(), srv.URL, headers, map[string]string{"q": "x"}, &out); err != nil {
		t.Fatalf("postJSON: %v", err)
	}
	if out.Value != "ok" {
		t.Fatalf("response not decoded: %+v", out)
	}
}

func TestPostJSONSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var out map[string]any
	err := postJSON(context.Background(), srv.Client(), srv.URL, nil, map[string]string{}, &out)
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("API error not surfaced: %v", err)
	}
}
