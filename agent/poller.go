package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bitop-dev/modelexec/auth"
	"github.com/bitop-dev/modelexec/internal/httpx"
	"github.com/bitop-dev/modelexec/plugin"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether polling stops at s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// RunState tracks one submitted run. Only the Poller mutates it.
type RunState struct {
	RunID    string
	ThreadID string
	Status   Status
	Attempts int
	// LastError is the backend's reason for a failed or cancelled run.
	LastError string
	Usage     plugin.Usage
	// Submitted is the number of messages the thread was created with. The
	// run's reply comes after them.
	Submitted int
}

// Poller waits for runs to reach a terminal status. Each attempt obtains its
// own credential; a failed refresh makes that attempt unauthenticated.
type Poller struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials auth.Provider
	Headers     map[string]string
	Interval    time.Duration
	MaxAttempts int
	Logger      *slog.Logger

	// Degraded collects auth_degraded warnings raised while polling.
	Degraded []plugin.Warning
}

// Wait polls st until it is terminal or the attempt budget is spent, in
// which case st ends as timed_out. Cancelling ctx aborts the wait early and
// returns ctx.Err().
func (p *Poller) Wait(ctx context.Context, st *RunState) error {
	logger := p.logger()
	for !st.Status.Terminal() {
		if st.Attempts >= p.MaxAttempts {
			p.transition(st, StatusTimedOut)
			logger.WarnContext(ctx, "run poll timed out",
				slog.String("run_id", st.RunID),
				slog.Int("attempts", st.Attempts),
				slog.Duration("timeout", time.Duration(p.MaxAttempts)*p.Interval),
			)
			return nil
		}

		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		st.Attempts++
		run, err := p.get(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed attempt still counts against the budget.
			logger.DebugContext(ctx, "run poll attempt failed",
				slog.String("run_id", st.RunID),
				slog.Int("attempt", st.Attempts),
				slog.String("error", err.Error()),
			)
			continue
		}
		if run.Usage != nil {
			st.Usage = *run.Usage
		}
		if run.LastError != "" {
			st.LastError = run.LastError
		}
		if run.Status == "requires_action" && st.LastError == "" {
			st.LastError = "run requires tool outputs"
		}
		p.transition(st, normalizeStatus(run.Status))
	}

	if st.Status == StatusFailed || st.Status == StatusCancelled {
		logger.WarnContext(ctx, "run ended without completing",
			slog.String("run_id", st.RunID),
			slog.String("status", string(st.Status)),
			slog.String("cause", st.LastError),
		)
	}
	return nil
}

func (p *Poller) transition(st *RunState, next Status) {
	if st.Status == next {
		return
	}
	p.logger().Debug("run status",
		slog.String("run_id", st.RunID),
		slog.String("from", string(st.Status)),
		slog.String("to", string(next)),
		slog.Int("attempt", st.Attempts),
	)
	st.Status = next
}

// pollResult is the part of a run poll the lifecycle depends on.
type pollResult struct {
	Status    string
	LastError string
	Usage     *plugin.Usage
}

func (p *Poller) get(ctx context.Context, st *RunState) (*pollResult, error) {
	u := p.url("threads", st.ThreadID, "runs", st.RunID)
	body, err := p.fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	return decodePoll(body)
}

// decodePoll accepts both last_error and lastError, as an object with
// code and message or as a bare string.
func decodePoll(body []byte) (*pollResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("decode run: malformed JSON")
	}
	doc := gjson.ParseBytes(body)
	run := &pollResult{Status: doc.Get("status").String()}
	le := doc.Get("last_error")
	if !le.Exists() || le.Type == gjson.Null {
		le = doc.Get("lastError")
	}
	switch {
	case le.IsObject():
		run.LastError = strings.Trim(strings.TrimSpace(le.Get("code").String()+": "+le.Get("message").String()), ": ")
	case le.Type == gjson.String:
		run.LastError = le.String()
	}
	if u := doc.Get("usage"); u.IsObject() {
		run.Usage = &plugin.Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return run, nil
}

// maxTranscriptPages bounds the walk over a thread's messages.
const maxTranscriptPages = 50

// Reply walks the thread transcript oldest first and returns the text of the
// last assistant message produced by st's run. A message tagged with a run id
// belongs to that run only; an untagged one counts when it follows the
// messages the thread was created with.
func (p *Poller) Reply(ctx context.Context, st *RunState) (string, error) {
	base := p.url("threads", st.ThreadID, "messages")
	var (
		reply string
		found bool
		index int
		after string
	)
	for page := 0; page < maxTranscriptPages; page++ {
		q := url.Values{"order": {"asc"}, "limit": {"100"}}
		if after != "" {
			q.Set("after", after)
		}
		body, err := p.fetch(ctx, base+"?"+q.Encode())
		if err != nil {
			return "", err
		}
		var list messageList
		if err := json.Unmarshal(body, &list); err != nil {
			return "", fmt.Errorf("decode messages: %w", err)
		}
		for _, m := range list.Data {
			index++
			if m.Role != string(plugin.RoleAssistant) {
				continue
			}
			if m.RunID != "" && m.RunID != st.RunID {
				continue
			}
			if m.RunID == "" && index <= st.Submitted {
				continue
			}
			var b strings.Builder
			for _, c := range m.Content {
				if c.Type == "text" {
					b.WriteString(c.Text.Value)
				}
			}
			reply, found = b.String(), true
		}
		if !list.HasMore || len(list.Data) == 0 {
			break
		}
		after = list.LastID
		if after == "" {
			after = list.Data[len(list.Data)-1].ID
		}
		if after == "" {
			break
		}
	}
	if !found {
		return "", errNoAssistantMessage
	}
	return reply, nil
}

var errNoAssistantMessage = errors.New("run produced no assistant message")

func (p *Poller) fetch(ctx context.Context, u string) ([]byte, error) {
	h := make(http.Header)
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	if w := httpx.Authorize(ctx, Name, h, p.Credentials); w != nil {
		p.Degraded = append(p.Degraded, *w)
	}
	resp, err := httpx.Send(ctx, p.HTTPClient, httpx.Request{Method: http.MethodGet, URL: u, Header: h}, httpx.RetryPolicy{})
	if err != nil {
		return nil, plugin.NetworkError(Name, err)
	}
	raw, err := httpx.ReadAll(Name, resp)
	if err != nil {
		return nil, err
	}
	return raw.Body, nil
}

func (p *Poller) url(segments ...string) string {
	esc := make([]string, len(segments))
	for i, s := range segments {
		esc[i] = url.PathEscape(s)
	}
	return strings.TrimRight(p.BaseURL, "/") + "/" + strings.Join(esc, "/")
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// normalizeStatus folds backend statuses outside the run lifecycle into it.
func normalizeStatus(s string) Status {
	switch s {
	case "queued":
		return StatusQueued
	case "in_progress", "cancelling":
		return StatusInProgress
	case "completed", "incomplete":
		return StatusCompleted
	case "failed", "requires_action":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	case "expired":
		return StatusTimedOut
	default:
		return StatusInProgress
	}
}
