package vertex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bitop-dev/modelexec/internal/assemble"
	"github.com/bitop-dev/modelexec/internal/httpx"
	"github.com/bitop-dev/modelexec/internal/media"
	"github.com/bitop-dev/modelexec/internal/sse"
	"github.com/bitop-dev/modelexec/internal/tokens"
	"github.com/bitop-dev/modelexec/plugin"
)

// Plugin reaches Anthropic models published on Vertex AI. The backend
// requires strictly alternating turns beginning with a user turn, so tool
// traffic is folded into content blocks before coalescing.
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

type envelope = plugin.Envelope[messagesRequest]

func (p *Plugin) BuildRequest(ctx context.Context, req *plugin.ConversationRequest) (plugin.ProviderRequest, error) {
	if p.cfg.Project == "" {
		return nil, plugin.Configf("project", "vertex: project is required")
	}
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

	warns := append([]plugin.Warning(nil), prep.Warnings...)
	body := messagesRequest{
		Model:         req.Model.Model,
		System:        prep.System,
		MaxTokens:     req.MaxOutputTokens(defaultMaxTokens),
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		StopSequences: append([]string(nil), req.Params.Stop...),
		Stream:        req.Params.Stream,
	}
	for _, m := range prep.Messages {
		blocks, w := p.toBlocks(ctx, m)
		warns = append(warns, w...)
		// Every turn must carry a block; only dropped images leave one empty.
		if len(blocks) == 0 {
			blocks = []contentBlock{{Type: "text", Text: "[image omitted]"}}
		}
		body.Messages = append(body.Messages, messageParam{Role: string(m.Role), Content: blocks})
	}
	for _, t := range prep.Tools {
		body.Tools = append(body.Tools, toolParam{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: json.RawMessage(t.Parameters),
		})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = choice(req.Params.ToolChoice)
	}

	b, err := p.encode(body)
	if err != nil {
		return nil, plugin.Configf("request", "marshal: %v", err)
	}
	u, err := p.endpointURL(req.Model.Model, body.Stream)
	if err != nil {
		return nil, plugin.Configf("base_url", "%v", err)
	}
	return &envelope{Body: body, Stream: body.Stream, JSON: b, Warns: warns, Endpoint: u}, nil
}

// encode marshals body and rewrites it into the Vertex dialect: the model
// travels in the URL and the API version in the payload.
func (p *Plugin) encode(body messagesRequest) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	b, err = sjson.DeleteBytes(b, "model")
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(b, "anthropic_version", p.cfg.AnthropicVersion)
}

func choice(tc plugin.ToolChoice) *toolChoice {
	switch tc.Mode {
	case plugin.ToolChoiceNone:
		return &toolChoice{Type: "none"}
	case plugin.ToolChoiceRequired:
		return &toolChoice{Type: "any"}
	case plugin.ToolChoiceTool:
		return &toolChoice{Type: "tool", Name: tc.Name}
	default:
		return nil
	}
}

func (p *Plugin) endpointURL(model string, stream bool) (string, error) {
	method := "rawPredict"
	if stream {
		method = "streamRawPredict"
	}
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	path := "/v1/projects/" + url.PathEscape(p.cfg.Project) +
		"/locations/" + url.PathEscape(p.cfg.Region) +
		"/publishers/anthropic/models/" + url.PathEscape(model) + ":" + method
	u, err := url.Parse(base + path)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (p *Plugin) toBlocks(ctx context.Context, m plugin.Message) ([]contentBlock, []plugin.Warning) {
	var warns []plugin.Warning
	var out []contentBlock
	for _, part := range m.Content {
		switch v := part.(type) {
		case plugin.TextPart:
			if strings.TrimSpace(v.Text) == "" {
				continue
			}
			out = append(out, contentBlock{Type: "text", Text: v.Text})
		case plugin.ImagePart:
			img, err := p.images.Resolve(ctx, v)
			if err != nil {
				warns = append(warns, plugin.Warning{Kind: plugin.WarnImageDropped, Message: err.Error()})
				continue
			}
			out = append(out, contentBlock{
				Type:   "image",
				Source: &imageSource{Type: "base64", MediaType: img.MediaType, Data: img.Base64},
			})
		case plugin.ToolUsePart:
			input, _ := json.Marshal(nonNil(v.Call.Arguments))
			out = append(out, contentBlock{Type: "tool_use", ID: v.Call.ID, Name: v.Call.Name, Input: input})
		case plugin.ToolResultPart:
			out = append(out, contentBlock{Type: "tool_result", ToolUseID: v.CallID, Content: v.Content, IsError: v.IsError})
		}
	}
	return out, warns
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (p *Plugin) Execute(ctx context.Context, preq plugin.ProviderRequest) (plugin.Execution, error) {
	env, err := plugin.Unwrap[messagesRequest](Name, preq)
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
	var out messagesResponse
	if err := json.Unmarshal(raw.Body, &out); err != nil {
		return nil, &plugin.Error{Provider: Name, Code: "decode_error", Message: err.Error(), Cause: err}
	}
	if out.Type == "error" || out.Error != nil {
		e := httpx.DecodeError(Name, raw.Status, raw.Body)
		return plugin.FailedResult(e), nil
	}

	res := &plugin.Result{
		FinishReason: mapStop(out.StopReason),
		Usage: plugin.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, blk := range out.Content {
		switch blk.Type {
		case "text":
			text.WriteString(blk.Text)
		case "tool_use":
			if blk.Name == "" {
				return nil, &plugin.Error{Provider: Name, Code: "invalid_response", Message: "tool_use block missing name"}
			}
			res.ToolCalls = append(res.ToolCalls, plugin.ToolCall{
				ID:        blk.ID,
				Name:      blk.Name,
				Arguments: plugin.DecodeArguments(string(blk.Input)),
			})
		}
	}
	res.Text = text.String()
	if len(res.ToolCalls) > 0 && res.FinishReason == plugin.FinishStop {
		res.FinishReason = plugin.FinishToolCalls
	}
	if res.FinishReason == plugin.FinishContentFilter {
		blocked := plugin.BlockedResult(res.Text)
		blocked.Usage = res.Usage
		return blocked, nil
	}
	return res, nil
}

// ProcessStreamEvent dispatches on the event's "type" field. The SSE event
// name duplicates it and is only used when the payload omits it.
func (p *Plugin) ProcessStreamEvent(ev plugin.RawEvent, st *plugin.StreamState) ([]plugin.StreamDelta, error) {
	if st.Done() {
		return nil, nil
	}
	if !gjson.ValidBytes(ev.Data) {
		return st.Fail(&plugin.Error{Provider: Name, Code: "decode_error", Message: "malformed stream event"}), nil
	}
	doc := gjson.ParseBytes(ev.Data)
	typ := doc.Get("type").String()
	if typ == "" {
		typ = ev.Name
	}

	switch typ {
	case "message_start":
		msg := doc.Get("message")
		st.MergeUsage(plugin.Usage{
			PromptTokens:     int(msg.Get("usage.input_tokens").Int()),
			CompletionTokens: int(msg.Get("usage.output_tokens").Int()),
		})
		return st.Role(plugin.Role(msg.Get("role").String())), nil

	case "content_block_start":
		idx := int(doc.Get("index").Int())
		blk := doc.Get("content_block")
		switch blk.Get("type").String() {
		case "tool_use":
			return st.ToolCall(idx, blk.Get("id").String(), blk.Get("name").String(), ""), nil
		case "text":
			return st.Text(blk.Get("text").String()), nil
		}
		return nil, nil

	case "content_block_delta":
		idx := int(doc.Get("index").Int())
		d := doc.Get("delta")
		switch d.Get("type").String() {
		case "text_delta":
			return st.Text(d.Get("text").String()), nil
		case "input_json_delta":
			return st.ToolCall(idx, "", "", d.Get("partial_json").String()), nil
		}
		return nil, nil

	case "message_delta":
		if r := doc.Get("delta.stop_reason"); r.Exists() && r.String() != "" {
			st.SetFinishReason(mapStop(r.String()))
		}
		st.MergeUsage(plugin.Usage{CompletionTokens: int(doc.Get("usage.output_tokens").Int())})
		return nil, nil

	case "message_stop":
		return st.Finish(""), nil

	case "error":
		e := &plugin.Error{
			Provider: Name,
			Code:     doc.Get("error.type").String(),
			Message:  doc.Get("error.message").String(),
		}
		if e.Code == "" {
			e.Code = "stream_error"
		}
		if e.Code == "overloaded_error" || e.Code == "rate_limit_error" {
			e.Retryable = true
		}
		return st.Fail(e), nil
	}
	// ping, content_block_stop and unknown events carry nothing to emit.
	return nil, nil
}

func mapStop(r string) plugin.FinishReason {
	switch r {
	case "max_tokens":
		return plugin.FinishLength
	case "tool_use":
		return plugin.FinishToolCalls
	case "refusal":
		return plugin.FinishContentFilter
	default:
		return plugin.FinishStop
	}
}

var _ plugin.Plugin = (*Plugin)(nil)
