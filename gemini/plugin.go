package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/bitop-dev/modelexec/internal/assemble"
	"github.com/bitop-dev/modelexec/internal/httpx"
	"github.com/bitop-dev/modelexec/internal/media"
	"github.com/bitop-dev/modelexec/internal/sse"
	"github.com/bitop-dev/modelexec/internal/tokens"
	"github.com/bitop-dev/modelexec/plugin"
)

// Plugin speaks the Gemini generateContent protocol.
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

type envelope = plugin.Envelope[generateRequest]

func (p *Plugin) BuildRequest(ctx context.Context, req *plugin.ConversationRequest) (plugin.ProviderRequest, error) {
	opts := assemble.Options{
		ExtractSystem:    true,
		FoldToolCalls:    true,
		Coalesce:         true,
		RequireUserFirst: true,
		SynthesizeTools:  true,
	}
	if p.cfg.Tokenizer != nil {
		opts.Tokenizer = tokens.Tokenizer(p.cfg.Tokenizer)
	}
	prep, err := assemble.Prepare(req, opts)
	if err != nil {
		return nil, err
	}

	names := callNames(prep.Messages)
	warns := append([]plugin.Warning(nil), prep.Warnings...)
	body := generateRequest{}
	if prep.System != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: prep.System}}}
	}
	for _, m := range prep.Messages {
		parts, w := p.toParts(ctx, m, names)
		warns = append(warns, w...)
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == plugin.RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, content{Role: role, Parts: parts})
	}

	gc := generationConfig{
		Temperature:     req.Params.Temperature,
		TopP:            req.Params.TopP,
		MaxOutputTokens: req.MaxOutputTokens(0),
		StopSequences:   append([]string(nil), req.Params.Stop...),
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.MaxOutputTokens > 0 || len(gc.StopSequences) > 0 {
		body.GenerationConfig = &gc
	}

	if len(prep.Tools) > 0 {
		var decls []functionDeclaration
		for _, t := range prep.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			})
		}
		body.Tools = []toolSet{{FunctionDeclarations: decls}}
		body.ToolConfig = callingConfig(req.Params.ToolChoice)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, plugin.Configf("request", "marshal: %v", err)
	}
	u, err := p.endpointURL(req.Model.Model, req.Params.Stream)
	if err != nil {
		return nil, plugin.Configf("base_url", "%v", err)
	}
	return &envelope{Body: body, Stream: req.Params.Stream, JSON: b, Warns: warns, Endpoint: u}, nil
}

func callingConfig(tc plugin.ToolChoice) *toolConfig {
	switch tc.Mode {
	case plugin.ToolChoiceNone:
		return &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "NONE"}}
	case plugin.ToolChoiceRequired:
		return &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "ANY"}}
	case plugin.ToolChoiceTool:
		return &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{tc.Name}}}
	default:
		return nil
	}
}

func (p *Plugin) endpointURL(model string, stream bool) (string, error) {
	method := ":generateContent"
	if stream {
		method = ":streamGenerateContent"
	}
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	u, err := url.Parse(base + "/" + p.cfg.APIVersion + "/models/" + url.PathEscape(model) + method)
	if err != nil {
		return "", err
	}
	if stream {
		q := u.Query()
		q.Set("alt", "sse")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// callNames maps every call id in the history to its function name.
// functionResponse parts must name the function they answer.
func callNames(msgs []plugin.Message) map[string]string {
	out := map[string]string{}
	for _, m := range msgs {
		for _, p := range m.Content {
			if tu, ok := p.(plugin.ToolUsePart); ok && tu.Call.ID != "" {
				out[tu.Call.ID] = tu.Call.Name
			}
		}
		for _, tc := range m.ToolCalls {
			if tc.ID != "" {
				out[tc.ID] = tc.Name
			}
		}
	}
	return out
}

func (p *Plugin) toParts(ctx context.Context, m plugin.Message, names map[string]string) ([]part, []plugin.Warning) {
	var warns []plugin.Warning
	var out []part
	for _, pt := range m.Content {
		switch v := pt.(type) {
		case plugin.TextPart:
			if strings.TrimSpace(v.Text) == "" {
				continue
			}
			out = append(out, part{Text: v.Text})
		case plugin.ImagePart:
			img, err := p.images.Resolve(ctx, v)
			if err != nil {
				warns = append(warns, plugin.Warning{Kind: plugin.WarnImageDropped, Message: err.Error()})
				continue
			}
			out = append(out, part{InlineData: &blob{MimeType: img.MediaType, Data: img.Base64}})
		case plugin.ToolUsePart:
			out = append(out, part{FunctionCall: &functionCall{ID: v.Call.ID, Name: v.Call.Name, Args: v.Call.Arguments}})
		case plugin.ToolResultPart:
			name := names[v.CallID]
			if name == "" {
				name = v.Name
			}
			out = append(out, part{FunctionResponse: &functionResponse{ID: v.CallID, Name: name, Response: responseObject(v.Content)}})
		}
	}
	return out, warns
}

// responseObject wraps tool output as the JSON object functionResponse
// requires. Object output is passed through as is.
func responseObject(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"content": s}
}

func (p *Plugin) Execute(ctx context.Context, preq plugin.ProviderRequest) (plugin.Execution, error) {
	env, err := plugin.Unwrap[generateRequest](Name, preq)
	if err != nil {
		return plugin.Execution{}, err
	}

	h := make(http.Header)
	for k, v := range p.cfg.Headers {
		h.Set(k, v)
	}
	var exec plugin.Execution
	if p.cfg.APIKey != "" {
		h.Set("x-goog-api-key", p.cfg.APIKey)
	} else if w := httpx.Authorize(ctx, Name, h, p.cfg.Credentials); w != nil {
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
	var out generateResponse
	if err := json.Unmarshal(raw.Body, &out); err != nil {
		return nil, &plugin.Error{Provider: Name, Code: "decode_error", Message: err.Error(), Cause: err}
	}
	if out.Error != nil {
		return plugin.FailedResult(httpx.DecodeError(Name, raw.Status, raw.Body)), nil
	}
	usage := usageOf(&out)
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		blocked := plugin.BlockedResult(out.PromptFeedback.BlockReason)
		blocked.Usage = usage
		return blocked, nil
	}
	if len(out.Candidates) == 0 {
		return nil, &plugin.Error{Provider: Name, Code: "invalid_response", Message: "response has no candidates"}
	}
	c := out.Candidates[0]
	res := &plugin.Result{FinishReason: mapFinish(c.FinishReason), Usage: usage}
	if res.FinishReason == plugin.FinishContentFilter {
		blocked := plugin.BlockedResult(c.FinishReason)
		blocked.Usage = usage
		return blocked, nil
	}

	var text strings.Builder
	for _, pt := range c.Content.Parts {
		switch {
		case pt.FunctionCall != nil:
			if pt.FunctionCall.Name == "" {
				return nil, &plugin.Error{Provider: Name, Code: "invalid_response", Message: "function call missing name"}
			}
			res.ToolCalls = append(res.ToolCalls, plugin.ToolCall{
				ID:        callID(pt.FunctionCall.ID),
				Name:      pt.FunctionCall.Name,
				Arguments: args(pt.FunctionCall.Args),
			})
		default:
			text.WriteString(pt.Text)
		}
	}
	res.Text = text.String()
	if len(res.ToolCalls) > 0 && res.FinishReason == plugin.FinishStop {
		res.FinishReason = plugin.FinishToolCalls
	}
	return res, nil
}

// ProcessStreamEvent handles one streamed chunk. Every chunk is a complete
// response object; function calls arrive whole rather than in fragments.
func (p *Plugin) ProcessStreamEvent(ev plugin.RawEvent, st *plugin.StreamState) ([]plugin.StreamDelta, error) {
	if st.Done() {
		return nil, nil
	}
	var chunk generateResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return st.Fail(&plugin.Error{Provider: Name, Code: "decode_error", Message: err.Error(), Cause: err}), nil
	}
	if chunk.Error != nil {
		return st.Fail(httpx.DecodeError(Name, chunk.Error.Code, ev.Data)), nil
	}
	if chunk.UsageMetadata != nil {
		st.MergeUsage(usageOf(&chunk))
	}
	if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
		return st.Block(chunk.PromptFeedback.BlockReason), nil
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}
	c := chunk.Candidates[0]

	out := st.Role(plugin.RoleAssistant)
	for _, pt := range c.Content.Parts {
		if fc := pt.FunctionCall; fc != nil {
			b, _ := json.Marshal(args(fc.Args))
			out = append(out, st.ToolCall(st.ToolCallCount(), callID(fc.ID), fc.Name, string(b))...)
			continue
		}
		out = append(out, st.Text(pt.Text)...)
	}
	if c.FinishReason != "" {
		reason := mapFinish(c.FinishReason)
		if reason == plugin.FinishContentFilter {
			return append(out, st.Block(c.FinishReason)...), nil
		}
		out = append(out, st.Finish(reason)...)
	}
	return out, nil
}

// callID keeps a backend-supplied id and otherwise mints one, since older
// model versions return function calls without ids.
func callID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.NewString()
}

func args(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func usageOf(r *generateResponse) plugin.Usage {
	if r.UsageMetadata == nil {
		return plugin.Usage{}
	}
	return plugin.Usage{
		PromptTokens:     r.UsageMetadata.PromptTokenCount,
		CompletionTokens: r.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      r.UsageMetadata.TotalTokenCount,
	}
}

func mapFinish(r string) plugin.FinishReason {
	switch r {
	case "MAX_TOKENS":
		return plugin.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return plugin.FinishContentFilter
	default:
		return plugin.FinishStop
	}
}

var _ plugin.Plugin = (*Plugin)(nil)
