package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bitop-dev/modelexec/internal/assemble"
	"github.com/bitop-dev/modelexec/internal/httpx"
	"github.com/bitop-dev/modelexec/internal/tokens"
	"github.com/bitop-dev/modelexec/plugin"
)

// Plugin drives agent-style backends: a run is submitted on a new thread,
// polled until terminal, and the last assistant message the run added is the
// result. The model's upstream name is the assistant id.
//
// Runs do not stream. Stream requests are executed as a single call and the
// caller synthesizes deltas from the result.
type Plugin struct {
	cfg Config
}

func New(cfg Config) *Plugin {
	return &Plugin{cfg: normalizeConfig(cfg)}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Config() Config { return p.cfg }

type envelope = plugin.Envelope[runRequest]

func (p *Plugin) BuildRequest(ctx context.Context, req *plugin.ConversationRequest) (plugin.ProviderRequest, error) {
	opts := assemble.Options{
		ExtractSystem:   true,
		FoldToolCalls:   true,
		Coalesce:        true,
		SynthesizeTools: true,
	}
	if p.cfg.Tokenizer != nil {
		opts.Tokenizer = tokens.Tokenizer(p.cfg.Tokenizer)
	}
	prep, err := assemble.Prepare(req, opts)
	if err != nil {
		return nil, err
	}

	body := runRequest{
		AssistantID:  req.Model.Model,
		Instructions: prep.System,
	}
	for _, m := range prep.Messages {
		text := render(m)
		if text == "" {
			continue
		}
		role := string(plugin.RoleUser)
		if m.Role == plugin.RoleAssistant {
			role = string(plugin.RoleAssistant)
		}
		body.Thread.Messages = append(body.Thread.Messages, threadMessage{Role: role, Content: text})
	}
	for _, t := range prep.Tools {
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, plugin.Configf("request", "marshal: %v", err)
	}
	return &envelope{
		Body:     body,
		JSON:     b,
		Warns:    append([]plugin.Warning(nil), prep.Warnings...),
		Endpoint: strings.TrimRight(p.cfg.BaseURL, "/") + "/threads/runs",
	}, nil
}

// render flattens a message into thread text. Threads carry only user and
// assistant text, so tool traffic is written out inline.
func render(m plugin.Message) string {
	var parts []string
	for _, pt := range m.Content {
		switch v := pt.(type) {
		case plugin.TextPart:
			if strings.TrimSpace(v.Text) != "" {
				parts = append(parts, v.Text)
			}
		case plugin.ToolUsePart:
			parts = append(parts, fmt.Sprintf("[called %s with %s]", v.Call.Name, plugin.EncodeArguments(v.Call.Arguments)))
		case plugin.ToolResultPart:
			parts = append(parts, fmt.Sprintf("[result of %s]: %s", v.CallID, v.Content))
		}
	}
	return strings.Join(parts, "\n")
}

// Execute submits the run and blocks until it is terminal. The outcome is
// returned as a synthesized JSON document for ParseResponse.
func (p *Plugin) Execute(ctx context.Context, preq plugin.ProviderRequest) (plugin.Execution, error) {
	env, err := plugin.Unwrap[runRequest](Name, preq)
	if err != nil {
		return plugin.Execution{}, err
	}

	h := make(http.Header)
	for k, v := range p.cfg.Headers {
		h.Set(k, v)
	}
	var exec plugin.Execution
	if w := httpx.Authorize(ctx, Name, h, p.cfg.Credentials); w != nil {
		exec.Warnings = append(exec.Warnings, *w)
	}
	resp, err := httpx.Send(ctx, p.cfg.HTTPClient, httpx.Request{
		Method: http.MethodPost,
		URL:    env.Endpoint,
		Body:   env.JSON,
		Header: h,
	}, httpx.RetryPolicy{
		MaxRetries: p.cfg.MaxRetries,
		MinBackoff: p.cfg.MinBackoff,
		MaxBackoff: p.cfg.MaxBackoff,
	})
	if err != nil {
		return exec, plugin.NetworkError(Name, err)
	}
	raw, err := httpx.ReadAll(Name, resp)
	if err != nil {
		return exec, err
	}
	var run runObject
	if err := json.Unmarshal(raw.Body, &run); err != nil {
		return exec, &plugin.Error{Provider: Name, Code: "decode_error", Message: err.Error(), Cause: err}
	}
	if run.ID == "" || run.ThreadID == "" {
		return exec, &plugin.Error{Provider: Name, Code: "invalid_response", Message: "run submission returned no run or thread id"}
	}

	st := &RunState{RunID: run.ID, ThreadID: run.ThreadID, Status: StatusCreated, Submitted: len(env.Body.Thread.Messages)}
	if run.Status != "" {
		st.Status = normalizeStatus(run.Status)
	}
	poller := p.poller()
	if err := poller.Wait(ctx, st); err != nil {
		exec.Warnings = append(exec.Warnings, poller.Degraded...)
		return exec, plugin.NetworkError(Name, err)
	}

	text := ""
	if st.Status == StatusCompleted {
		text, err = poller.Reply(ctx, st)
		if errors.Is(err, errNoAssistantMessage) {
			st.LastError, err = err.Error(), nil
		}
		if err != nil {
			exec.Warnings = append(exec.Warnings, poller.Degraded...)
			return exec, plugin.AsError(Name, err)
		}
	}
	exec.Warnings = append(exec.Warnings, poller.Degraded...)

	out, err := outcome(st, text)
	if err != nil {
		return exec, &plugin.Error{Provider: Name, Code: "encode_error", Message: err.Error(), Cause: err}
	}
	exec.Response = &plugin.RawResponse{Status: http.StatusOK, Header: raw.Header, Body: out}
	return exec, nil
}

func (p *Plugin) poller() *Poller {
	return &Poller{
		BaseURL:     p.cfg.BaseURL,
		HTTPClient:  p.cfg.HTTPClient,
		Credentials: p.cfg.Credentials,
		Headers:     p.cfg.Headers,
		Interval:    p.cfg.PollInterval,
		MaxAttempts: p.cfg.MaxAttempts,
		Logger:      p.cfg.Logger,
	}
}

func outcome(st *RunState, text string) ([]byte, error) {
	doc := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, v)
		}
	}
	set("run_id", st.RunID)
	set("thread_id", st.ThreadID)
	set("status", string(st.Status))
	set("attempts", st.Attempts)
	set("text", text)
	set("cause", st.LastError)
	set("usage.prompt_tokens", st.Usage.PromptTokens)
	set("usage.completion_tokens", st.Usage.CompletionTokens)
	set("usage.total_tokens", st.Usage.TotalTokens)
	return doc, err
}

// ParseResponse reads the outcome written by Execute. Runs that did not
// complete yield an empty result with a warning rather than a failure.
func (p *Plugin) ParseResponse(raw *plugin.RawResponse) (*plugin.Result, error) {
	if !gjson.ValidBytes(raw.Body) {
		return nil, &plugin.Error{Provider: Name, Code: "decode_error", Message: "malformed run outcome"}
	}
	doc := gjson.ParseBytes(raw.Body)
	res := &plugin.Result{
		FinishReason: plugin.FinishStop,
		Usage: plugin.Usage{
			PromptTokens:     int(doc.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(doc.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(doc.Get("usage.total_tokens").Int()),
		},
	}
	runID := doc.Get("run_id").String()
	switch Status(doc.Get("status").String()) {
	case StatusCompleted:
		res.Text = doc.Get("text").String()
		if cause := doc.Get("cause").String(); res.Text == "" && cause != "" {
			res.Warn(plugin.WarnRunFailed, "run %s completed: %s", runID, cause)
		}
	case StatusTimedOut:
		res.Warn(plugin.WarnPollTimeout, "run %s still pending after %d attempts", runID, doc.Get("attempts").Int())
	default:
		cause := doc.Get("cause").String()
		if cause == "" {
			cause = "no cause reported"
		}
		res.Warn(plugin.WarnRunFailed, "run %s %s: %s", runID, doc.Get("status").String(), cause)
	}
	return res, nil
}

// ProcessStreamEvent is never reached for runs; Execute does not return a
// stream.
func (p *Plugin) ProcessStreamEvent(ev plugin.RawEvent, st *plugin.StreamState) ([]plugin.StreamDelta, error) {
	return nil, &plugin.Error{Provider: Name, Code: "unsupported", Message: "runs do not stream"}
}

var _ plugin.Plugin = (*Plugin)(nil)
