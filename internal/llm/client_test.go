package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/stancelab/internal/domain"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func TestGenerateOpenAI(t *testing.T) {
	t.Parallel()
	var gotPath, gotAuth string
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello from the model"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{
		OpenAI: Endpoint{BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini"},
	}, WithRetryConfig(fastRetry()))

	turns := []Turn{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}
	text, err := c.Generate(context.Background(), domain.BackendOpenAI, turns)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "hello from the model" {
		t.Errorf("text = %q", text)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" || len(gotReq.Messages) != 2 {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestGenerateGoogle(t *testing.T) {
	t.Parallel()
	var gotPath, gotKey string
	var gotReq geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hello from gemini"}]}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{
		Google: Endpoint{BaseURL: srv.URL, APIKey: "g-key", Model: "gemini-2.0-flash"},
	}, WithRetryConfig(fastRetry()))

	turns := []Turn{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleAssistant, Content: "example opener"},
		{Role: RoleUser, Content: "hi"},
	}
	text, err := c.Generate(context.Background(), domain.BackendGoogle, turns)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "hello from gemini" {
		t.Errorf("text = %q", text)
	}
	if !strings.HasSuffix(gotPath, "/models/gemini-2.0-flash:generateContent") {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "g-key" {
		t.Errorf("api key header = %q", gotKey)
	}

	// The system turn maps to systemInstruction, the rest to contents with
	// model/user roles.
	if gotReq.SystemInstruction == nil || gotReq.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("systemInstruction = %+v", gotReq.SystemInstruction)
	}
	if len(gotReq.Contents) != 2 {
		t.Fatalf("contents = %+v", gotReq.Contents)
	}
	if gotReq.Contents[0].Role != "model" || gotReq.Contents[1].Role != "user" {
		t.Errorf("content roles = %q, %q", gotReq.Contents[0].Role, gotReq.Contents[1].Role)
	}
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"third time lucky"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{OpenAI: Endpoint{BaseURL: srv.URL, Model: "m"}},
		WithRetryConfig(fastRetry()))

	text, err := c.Generate(context.Background(), domain.BackendOpenAI,
		[]Turn{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "third time lucky" {
		t.Errorf("text = %q", text)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{OpenAI: Endpoint{BaseURL: srv.URL, Model: "m"}},
		WithRetryConfig(fastRetry()))

	if _, err := c.Generate(context.Background(), domain.BackendOpenAI,
		[]Turn{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected error for 401 response")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestGenerateMalformedResponses(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{OpenAI: Endpoint{BaseURL: srv.URL, Model: "m"}},
		WithRetryConfig(fastRetry()))

	if _, err := c.Generate(context.Background(), domain.BackendOpenAI,
		[]Turn{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestGenerateRejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{})
	if _, err := c.Generate(context.Background(), "llama-at-home",
		[]Turn{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := c.Generate(context.Background(), domain.BackendOpenAI, nil); err == nil {
		t.Fatal("expected error for empty turns")
	}
}
