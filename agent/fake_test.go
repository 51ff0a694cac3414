package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
)

// fakeBackend serves one thread/run pair. Each poll of the run consumes the
// next entry of statuses; the last entry repeats. The thread transcript is
// the submitted messages followed by the run's reply, paged the way the
// messages endpoint pages.
type fakeBackend struct {
	t        *testing.T
	statuses []string
	lastErr  string
	reply    string

	// camelError reports the failure under lastError instead of last_error.
	camelError bool
	// untagged omits run_id from the reply message.
	untagged bool

	mu        sync.Mutex
	polls     int
	submitted map[string]any
	thread    []map[string]any
	pages     int
	auth      []string
}

func (f *fakeBackend) serve() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/runs", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var body struct {
			AssistantID string `json:"assistant_id"`
			Thread      struct {
				Messages []threadMessage `json:"messages"`
			} `json:"thread"`
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			f.t.Errorf("decode submission: %v", err)
		}
		var submitted map[string]any
		_ = json.Unmarshal(raw, &submitted)
		f.mu.Lock()
		f.submitted = submitted
		f.thread = nil
		for _, m := range body.Thread.Messages {
			f.thread = append(f.thread, textMessage(len(f.thread), m.Role, m.Content, ""))
		}
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": "run_1", "thread_id": "th_1", "status": "queued"})
	})
	mux.HandleFunc("GET /threads/th_1/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		i := f.polls
		f.polls++
		f.mu.Unlock()
		if i >= len(f.statuses) {
			i = len(f.statuses) - 1
		}
		run := map[string]any{
			"id": "run_1", "thread_id": "th_1", "status": f.statuses[i],
			"usage": map[string]any{"prompt_tokens": 11, "completion_tokens": 4, "total_tokens": 15},
		}
		if f.lastErr != "" {
			key := "last_error"
			if f.camelError {
				key = "lastError"
			}
			run[key] = map[string]any{"code": "server_error", "message": f.lastErr}
		}
		writeJSON(w, run)
	})
	mux.HandleFunc("GET /threads/th_1/messages", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		q := r.URL.Query()
		f.mu.Lock()
		f.pages++
		msgs := slices.Clone(f.thread)
		f.mu.Unlock()
		if f.reply != "" {
			runID := "run_1"
			if f.untagged {
				runID = ""
			}
			msgs = append(msgs, textMessage(len(msgs), "assistant", f.reply, runID))
		}
		if q.Get("order") == "desc" {
			slices.Reverse(msgs)
		}
		start := 0
		if after := q.Get("after"); after != "" {
			for i, m := range msgs {
				if m["id"] == after {
					start = i + 1
				}
			}
		}
		limit := 20
		if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= 100 {
			limit = n
		}
		end := min(start+limit, len(msgs))
		page := msgs[start:end]
		resp := map[string]any{"object": "list", "data": page, "has_more": end < len(msgs)}
		if len(page) > 0 {
			resp["first_id"] = page[0]["id"]
			resp["last_id"] = page[len(page)-1]["id"]
		}
		writeJSON(w, resp)
	})
	return httptest.NewServer(mux)
}

func textMessage(i int, role, text, runID string) map[string]any {
	m := map[string]any{
		"id":      fmt.Sprintf("msg_%d", i),
		"role":    role,
		"content": []any{map[string]any{"type": "text", "text": map[string]any{"value": text}}},
	}
	if runID != "" {
		m["run_id"] = runID
	}
	return m
}

func (f *fakeBackend) record(r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()
}

func (f *fakeBackend) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeBackend) pageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	b, _ := json.Marshal(v)
	_, _ = io.WriteString(w, string(b))
}
