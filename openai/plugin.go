package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitop-dev/modelexec/internal/assemble"
	"github.com/bitop-dev/modelexec/internal/httpx"
	"github.com/bitop-dev/modelexec/internal/media"
	"github.com/bitop-dev/modelexec/internal/sse"
	"github.com/bitop-dev/modelexec/internal/tokens"
	"github.com/bitop-dev/modelexec/plugin"
)

// Plugin speaks the OpenAI chat completion protocol. Any backend sharing
// that wire format can be reached by changing BaseURL.
type Plugin struct {
	cfg    Config
	images *media.Fetcher
}

func New(cfg Config) *Plugin {
	cfg = normalizeConfig(cfg)
	return &Plugin{cfg: cfg, images: media.NewFetcher(cfg.ImageClient)}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Config() Config { return p.cfg }

type envelope = plugin.Envelope[chatCompletionRequest]

func (p *Plugin) BuildRequest(ctx context.Context, req *plugin.ConversationRequest) (plugin.ProviderRequest, error) {
	opts := assemble.Options{
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

	warns := append([]plugin.Warning(nil), prep.Warnings...)
	msgs := make([]chatMessage, 0, len(prep.Messages))
	for _, m := range prep.Messages {
		cms, w := p.toChatMessages(ctx, m)
		warns = append(warns, w...)
		msgs = append(msgs, cms...)
	}

	body := chatCompletionRequest{
		Model:       req.Model.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxOutputTokens(0),
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stop:        append([]string(nil), req.Params.Stop...),
		Stream:      req.Params.Stream,
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
	if len(body.Tools) > 0 {
		body.ToolChoice = toolChoice(req.Params.ToolChoice)
	}
	if body.Stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, plugin.Configf("request", "marshal: %v", err)
	}
	u, err := p.endpointURL()
	if err != nil {
		return nil, plugin.Configf("base_url", "%v", err)
	}
	return &envelope{Body: body, Stream: body.Stream, JSON: b, Warns: warns, Endpoint: u}, nil
}

func toolChoice(tc plugin.ToolChoice) any {
	switch tc.Mode {
	case plugin.ToolChoiceNone:
		return "none"
	case plugin.ToolChoiceRequired:
		return "required"
	case plugin.ToolChoiceTool:
		return map[string]any{"type": "function", "function": map[string]any{"name": tc.Name}}
	default:
		return nil
	}
}

func (p *Plugin) endpointURL() (string, error) {
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	prefix := strings.TrimRight(p.cfg.APIPrefix, "/")
	u, err := url.Parse(base + prefix + "/chat/completions")
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// toChatMessages converts one canonical message. Tool results carried as
// content parts become separate role=tool messages.
func (p *Plugin) toChatMessages(ctx context.Context, m plugin.Message) ([]chatMessage, []plugin.Warning) {
	var warns []plugin.Warning
	cm := chatMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
	if m.Role == plugin.RoleTool {
		cm.Content = m.TextContent()
		return []chatMessage{cm}, nil
	}

	var parts []contentPart
	var results []chatMessage
	hasImage := false
	for _, part := range m.Content {
		switch v := part.(type) {
		case plugin.TextPart:
			parts = append(parts, contentPart{Type: "text", Text: v.Text})
		case plugin.ImagePart:
			img, err := p.images.Resolve(ctx, v)
			if err != nil {
				warns = append(warns, plugin.Warning{Kind: plugin.WarnImageDropped, Message: err.Error()})
				continue
			}
			hasImage = true
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.DataURL()}})
		case plugin.ToolUsePart:
			cm.ToolCalls = append(cm.ToolCalls, wireToolCall(v.Call))
		case plugin.ToolResultPart:
			results = append(results, chatMessage{Role: string(plugin.RoleTool), ToolCallID: v.CallID, Content: v.Content})
		}
	}
	for _, tc := range m.ToolCalls {
		cm.ToolCalls = append(cm.ToolCalls, wireToolCall(tc))
	}

	switch {
	case hasImage:
		cm.Content = parts
	case len(parts) > 0:
		var b strings.Builder
		for _, cp := range parts {
			b.WriteString(cp.Text)
		}
		cm.Content = b.String()
	case len(cm.ToolCalls) == 0 && len(results) == 0:
		cm.Content = ""
	}

	if len(parts) == 0 && len(cm.ToolCalls) == 0 && len(results) > 0 {
		return results, warns
	}
	return append([]chatMessage{cm}, results...), warns
}

func wireToolCall(tc plugin.ToolCall) toolCall {
	return toolCall{
		ID:   tc.ID,
		Type: "function",
		Function: toolCallFn{
			Name:      tc.Name,
			Arguments: plugin.EncodeArguments(tc.Arguments),
		},
	}
}

func (p *Plugin) Execute(ctx context.Context, preq plugin.ProviderRequest) (plugin.Execution, error) {
	env, err := plugin.Unwrap[chatCompletionRequest](Name, preq)
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
	if env.Stream {
		h.Set("Accept", "text/event-stream")
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

	if env.Stream {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			defer resp.Body.Close()
			return exec, httpx.StatusError(Name, resp)
		}
		exec.Stream = sse.NewStream(resp.Body)
		return exec, nil
	}

	raw, err := httpx.ReadAll(Name, resp)
	if err != nil {
		return exec, err
	}
	exec.Response = raw
	return exec, nil
}

func (p *Plugin) ParseResponse(raw *plugin.RawResponse) (*plugin.Result, error) {
	var out chatCompletionResponse
	if err := json.Unmarshal(raw.Body, &out); err != nil {
		return nil, &plugin.Error{Provider: Name, Code: "decode_error", Message: err.Error(), Cause: err}
	}
	if out.Error != nil && out.Error.Message != "" {
		return plugin.FailedResult(apiErr(out.Error, raw.Status)), nil
	}
	if len(out.Choices) == 0 {
		return nil, &plugin.Error{Provider: Name, Code: "invalid_response", Message: "response has no choices"}
	}
	c := out.Choices[0]

	res := &plugin.Result{
		FinishReason: mapFinish(c.FinishReason),
		Usage: plugin.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	if c.Message.Content != nil {
		res.Text = *c.Message.Content
	}
	for _, tc := range c.Message.ToolCalls {
		if tc.Function.Name == "" {
			return nil, &plugin.Error{Provider: Name, Code: "invalid_response", Message: "tool call missing name"}
		}
		res.ToolCalls = append(res.ToolCalls, plugin.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: plugin.DecodeArguments(tc.Function.Arguments),
		})
	}
	if len(res.ToolCalls) > 0 && res.FinishReason == plugin.FinishStop {
		res.FinishReason = plugin.FinishToolCalls
	}

	refused := c.Message.Refusal != nil && *c.Message.Refusal != ""
	if res.FinishReason == plugin.FinishContentFilter || refused {
		detail := ""
		if refused {
			detail = *c.Message.Refusal
		}
		blocked := plugin.BlockedResult(detail)
		blocked.Usage = res.Usage
		return blocked, nil
	}
	return res, nil
}

func (p *Plugin) ProcessStreamEvent(ev plugin.RawEvent, st *plugin.StreamState) ([]plugin.StreamDelta, error) {
	if st.Done() {
		return nil, nil
	}
	if string(ev.Data) == "[DONE]" {
		return st.Finish(""), nil
	}

	var chunk chatCompletionChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return st.Fail(&plugin.Error{Provider: Name, Code: "decode_error", Message: err.Error(), Cause: err}), nil
	}
	if chunk.Error != nil && chunk.Error.Message != "" {
		return st.Fail(apiErr(chunk.Error, 0)), nil
	}
	if chunk.Usage != nil {
		st.MergeUsage(plugin.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		})
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	c := chunk.Choices[0]

	var out []plugin.StreamDelta
	if c.Delta.Role != "" {
		out = append(out, st.Role(plugin.Role(c.Delta.Role))...)
	}
	if c.Delta.Content != nil {
		out = append(out, st.Text(*c.Delta.Content)...)
	}
	for _, tc := range c.Delta.ToolCalls {
		out = append(out, st.ToolCall(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)...)
	}
	if c.FinishReason != nil && *c.FinishReason != "" {
		st.SetFinishReason(mapFinish(*c.FinishReason))
	}
	if c.Delta.Refusal != nil && *c.Delta.Refusal != "" {
		st.SetFinishReason(plugin.FinishContentFilter)
	}
	return out, nil
}

func mapFinish(r string) plugin.FinishReason {
	switch r {
	case "stop", "":
		return plugin.FinishStop
	case "length":
		return plugin.FinishLength
	case "tool_calls", "function_call":
		return plugin.FinishToolCalls
	case "content_filter":
		return plugin.FinishContentFilter
	default:
		return plugin.FinishStop
	}
}

func apiErr(e *apiError, status int) *plugin.Error {
	return &plugin.Error{
		Provider:  Name,
		Code:      stringifyCode(e.Code, e.Type),
		Status:    status,
		Message:   e.Message,
		Retryable: plugin.RetryableStatus(status),
	}
}

func stringifyCode(code any, fallback string) string {
	switch v := code.(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return fmt.Sprintf("%d", int(v))
	}
	if fallback != "" {
		return fallback
	}
	return "unknown"
}

var _ plugin.Plugin = (*Plugin)(nil)
