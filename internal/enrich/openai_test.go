package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// chatServer fakes the chat completions endpoint, replying with content and
// capturing the last request body.
func chatServer(t *testing.T, content string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestExtractMemories(t *testing.T) {
	t.Parallel()

	srv, captured := chatServer(t, `{"memories": [
		{"content": "Alice's dentist appointment is on Friday", "category": "appointment"},
		{"content": "Bob prefers tea over coffee", "category": "preference"}
	]}`)

	o := NewOpenAI("test-key", srv.URL)
	memories, err := o.ExtractMemories(context.Background(), "some transcript", []string{"Alice", "Bob"})
	if err != nil {
		t.Fatalf("ExtractMemories: %v", err)
	}
	if len(memories) != 2 {
		t.Fatalf("memories = %+v", memories)
	}
	if memories[0].Category != "appointment" || memories[1].Content != "Bob prefers tea over coffee" {
		t.Errorf("memories = %+v", memories)
	}

	// The known speakers are prepended to the user message.
	msgs := (*captured)["messages"].([]any)
	user := msgs[1].(map[string]any)["content"].(string)
	if !strings.Contains(user, "Known speakers: Alice, Bob") {
		t.Errorf("user message = %q", user)
	}
}

func TestExtractMemoriesEmptyList(t *testing.T) {
	t.Parallel()

	srv, _ := chatServer(t, `{"memories": []}`)
	o := NewOpenAI("test-key", srv.URL)

	memories, err := o.ExtractMemories(context.Background(), "small talk", nil)
	if err != nil {
		t.Fatalf("ExtractMemories: %v", err)
	}
	if len(memories) != 0 {
		t.Errorf("memories = %+v", memories)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	srv, captured := chatServer(t, `{
		"title": "Planning the trip",
		"summary": "Two friends planned a weekend trip.",
		"detailed_summary": "The conversation covered destinations, dates, and budget."
	}`)

	o := NewOpenAI("test-key", srv.URL, WithModel("gpt-4o"))
	ts, err := o.Summarize(context.Background(), "transcript text")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if ts.Title != "Planning the trip" || ts.Summary == "" || ts.DetailedSummary == "" {
		t.Errorf("summary = %+v", ts)
	}
	if model := (*captured)["model"]; model != "gpt-4o" {
		t.Errorf("model = %v", model)
	}
}

func TestSummarizeMalformedContent(t *testing.T) {
	t.Parallel()

	srv, _ := chatServer(t, `not json at all`)
	o := NewOpenAI("test-key", srv.URL)

	if _, err := o.Summarize(context.Background(), "x"); err == nil {
		t.Error("malformed completion did not fail")
	}
}
