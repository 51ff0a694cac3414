package plugin

import "strings"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one canonical conversation turn.
//
// Content is an ordered list of parts; plain-text messages carry a single
// TextPart. Assistant turns may list ToolCalls, and tool turns reference the
// call they answer through ToolCallID.
type Message struct {
	Role    Role
	Content []Part

	ToolCalls []ToolCall

	// ToolCallID is set on role=tool messages.
	ToolCallID string
	// Name optionally records the tool name on role=tool messages.
	Name string

	// Pinned messages are never removed by token-budget truncation.
	Pinned bool
}

type Part interface {
	isPart()
}

type TextPart struct{ Text string }

func (TextPart) isPart() {}

// ImagePart references an image either by URL or by inline bytes.
type ImagePart struct {
	URL       string
	MediaType string
	Data      []byte
}

func (ImagePart) isPart() {}

// ToolUsePart is the content-item form of an assistant tool invocation.
type ToolUsePart struct {
	Call ToolCall
}

func (ToolUsePart) isPart() {}

// ToolResultPart is the content-item form of a tool outcome.
type ToolResultPart struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

func (ToolResultPart) isPart() {}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters []byte
}

func Text(role Role, text string) Message {
	return Message{Role: role, Content: []Part{TextPart{Text: text}}}
}

func SystemMessage(text string) Message    { return Text(RoleSystem, text) }
func UserMessage(text string) Message      { return Text(RoleUser, text) }
func AssistantMessage(text string) Message { return Text(RoleAssistant, text) }

func ToolResultMessage(callID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    []Part{TextPart{Text: content}},
		ToolCallID: callID,
		Name:       name,
	}
}

// TextContent joins every text part of the message in order.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Content {
		switch v := p.(type) {
		case TextPart:
			b.WriteString(v.Text)
		case ToolResultPart:
			b.WriteString(v.Content)
		}
	}
	return b.String()
}

// IsEmpty reports whether the message carries nothing worth sending.
func (m Message) IsEmpty() bool {
	if len(m.ToolCalls) > 0 {
		return false
	}
	for _, p := range m.Content {
		switch v := p.(type) {
		case TextPart:
			if strings.TrimSpace(v.Text) != "" {
				return false
			}
		case ImagePart:
			if v.URL != "" || len(v.Data) > 0 {
				return false
			}
		case ToolUsePart:
			return false
		case ToolResultPart:
			return false
		}
	}
	return m.ToolCallID == ""
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	out := m
	out.Content = append([]Part(nil), m.Content...)
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc.Clone()
		}
	}
	return out
}

func (tc ToolCall) Clone() ToolCall {
	out := tc
	if tc.Arguments != nil {
		out.Arguments = make(map[string]any, len(tc.Arguments))
		for k, v := range tc.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}
