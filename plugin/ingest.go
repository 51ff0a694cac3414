package plugin

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Ingest decodes a JSON conversation request and tags its format. This is
// the only place message shapes are inspected: a document whose messages are
// keyed by "author", or that carries "context"/"examples", is tagged
// FormatLegacyAuthor.
func Ingest(data []byte) (*ConversationRequest, error) {
	if !gjson.ValidBytes(data) {
		return nil, Configf("request", "invalid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, Configf("request", "expected a JSON object")
	}

	req := &ConversationRequest{
		Params: ingestParams(doc),
		Model:  ingestCapabilities(doc.Get("model")),
	}
	if !req.Params.Truncation.Valid() {
		return nil, Configf("truncation", "unknown truncation policy %q", req.Params.Truncation)
	}

	if isLegacy(doc) {
		req.Format = FormatLegacyAuthor
		req.Legacy = ingestLegacy(doc)
	} else {
		msgs, err := ingestMessages(doc.Get("messages"))
		if err != nil {
			return nil, err
		}
		req.Messages = msgs
	}

	for _, t := range doc.Get("tools").Array() {
		def := ToolDefinition{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
		}
		if p := t.Get("parameters"); p.Exists() {
			def.Parameters = []byte(p.Raw)
		} else if p := t.Get("input_schema"); p.Exists() {
			def.Parameters = []byte(p.Raw)
		}
		if def.Name == "" {
			return nil, Configf("tools", "tool definition without a name")
		}
		req.Tools = append(req.Tools, def)
	}
	return req, nil
}

func isLegacy(doc gjson.Result) bool {
	if doc.Get("context").Exists() || doc.Get("examples").Exists() {
		return true
	}
	legacy := false
	doc.Get("messages").ForEach(func(_, m gjson.Result) bool {
		if m.Get("author").Exists() && !m.Get("role").Exists() {
			legacy = true
			return false
		}
		return true
	})
	return legacy
}

func ingestLegacy(doc gjson.Result) *LegacyPrompt {
	lp := &LegacyPrompt{Context: doc.Get("context").String()}
	for _, ex := range doc.Get("examples").Array() {
		lp.Examples = append(lp.Examples, LegacyExample{
			Input:  legacyText(ex.Get("input")),
			Output: legacyText(ex.Get("output")),
		})
	}
	for _, m := range doc.Get("messages").Array() {
		// Role-keyed messages may sit alongside a legacy context.
		lp.Messages = append(lp.Messages, LegacyMessage{
			Author:  firstString(m, "author", "role"),
			Content: legacyText(m.Get("content")),
		})
	}
	return lp
}

func legacyText(v gjson.Result) string {
	switch {
	case v.IsObject():
		return v.Get("content").String()
	case v.IsArray():
		var b strings.Builder
		for _, item := range v.Array() {
			if item.Get("type").String() == "text" {
				b.WriteString(item.Get("text").String())
			}
		}
		return b.String()
	}
	return v.String()
}

func ingestParams(doc gjson.Result) Params {
	p := Params{
		MaxOutputTokens: int(doc.Get("max_tokens").Int()),
		Stream:          doc.Get("stream").Bool(),
		Truncation:      TruncationPolicy(doc.Get("truncation").String()),
	}
	if v := doc.Get("temperature"); v.Exists() {
		f := v.Float()
		p.Temperature = &f
	}
	if v := doc.Get("top_p"); v.Exists() {
		f := v.Float()
		p.TopP = &f
	}
	for _, s := range doc.Get("stop").Array() {
		p.Stop = append(p.Stop, s.String())
	}
	tc := doc.Get("tool_choice")
	switch {
	case tc.IsObject():
		name := tc.Get("name").String()
		if name == "" {
			name = tc.Get("function.name").String()
		}
		p.ToolChoice = ToolChoice{Mode: ToolChoiceTool, Name: name}
	case tc.String() == "auto" || tc.String() == "":
		p.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
	default:
		p.ToolChoice = ToolChoice{Mode: ToolChoiceMode(tc.String())}
	}
	return p
}

func ingestCapabilities(v gjson.Result) Capabilities {
	if !v.Exists() {
		return Capabilities{}
	}
	if v.Type == gjson.String {
		return Capabilities{Model: v.String()}
	}
	return Capabilities{
		Type:              v.Get("type").String(),
		Model:             v.Get("model").String(),
		MaxPromptTokens:   int(v.Get("max_prompt_tokens").Int()),
		MaxOutputTokens:   int(v.Get("max_output_tokens").Int()),
		SupportsStreaming: v.Get("supports_streaming").Bool(),
	}
}

func ingestMessages(v gjson.Result) ([]Message, error) {
	var out []Message
	for i, m := range v.Array() {
		role := Role(strings.ToLower(m.Get("role").String()))
		switch role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return nil, Configf("messages", "message %d has unknown role %q", i, role)
		}
		msg := Message{
			Role:       role,
			ToolCallID: m.Get("tool_call_id").String(),
			Name:       m.Get("name").String(),
			Pinned:     m.Get("pinned").Bool(),
		}
		parts, err := ingestContent(m.Get("content"))
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msg.Content = parts
		for _, tc := range m.Get("tool_calls").Array() {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tc.Get("id").String(),
				Name:      firstString(tc, "name", "function.name"),
				Arguments: ingestArguments(tc),
			})
		}
		out = append(out, msg)
	}
	return out, nil
}

func ingestArguments(tc gjson.Result) map[string]any {
	a := tc.Get("arguments")
	if !a.Exists() {
		a = tc.Get("function.arguments")
	}
	if a.Type == gjson.String {
		return DecodeArguments(a.String())
	}
	return DecodeArguments(a.Raw)
}

func ingestContent(v gjson.Result) ([]Part, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsArray() {
		return []Part{TextPart{Text: v.String()}}, nil
	}
	var parts []Part
	for _, item := range v.Array() {
		switch item.Get("type").String() {
		case "text":
			parts = append(parts, TextPart{Text: item.Get("text").String()})
		case "image", "image_url":
			img := ImagePart{
				URL:       firstString(item, "url", "image_url.url", "image_url"),
				MediaType: item.Get("media_type").String(),
			}
			if d := item.Get("data"); d.Exists() {
				b, err := base64.StdEncoding.DecodeString(d.String())
				if err != nil {
					return nil, Configf("content", "image data is not base64: %v", err)
				}
				img.Data = b
			}
			parts = append(parts, img)
		case "tool_use":
			parts = append(parts, ToolUsePart{Call: ToolCall{
				ID:        item.Get("id").String(),
				Name:      item.Get("name").String(),
				Arguments: DecodeArguments(item.Get("input").Raw),
			}})
		case "tool_result":
			parts = append(parts, ToolResultPart{
				CallID:  item.Get("tool_use_id").String(),
				Content: item.Get("content").String(),
				IsError: item.Get("is_error").Bool(),
			})
		default:
			return nil, Configf("content", "unsupported content item type %q", item.Get("type").String())
		}
	}
	return parts, nil
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	return ""
}
