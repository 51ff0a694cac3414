package assemble

import (
	"fmt"
	"strings"

	"github.com/bitop-dev/modelexec/internal/tokens"
	"github.com/bitop-dev/modelexec/plugin"
)

// Options selects the backend-specific steps of the pipeline.
type Options struct {
	// ExtractSystem moves system messages into Prepared.System.
	ExtractSystem bool
	// FoldToolCalls turns assistant ToolCalls into ToolUseParts and tool
	// messages into user turns carrying ToolResultParts.
	FoldToolCalls bool
	// Coalesce merges runs of same-role messages. Tool messages are never
	// merged.
	Coalesce bool
	// RequireUserFirst drops leading turns until the list starts on a user
	// turn.
	RequireUserFirst bool
	// SynthesizeTools adds minimal definitions for tools invoked in history
	// but not defined in the request.
	SynthesizeTools bool

	// Tokenizer counts prompt tokens. Nil uses the shared heuristic.
	Tokenizer tokens.Tokenizer
}

type Prepared struct {
	System   string
	Messages []plugin.Message
	Tools    []plugin.ToolDefinition
	Warnings []plugin.Warning
	Budget   tokens.Report
}

// Prepare runs the shared request assembly steps in order: legacy
// conversion, system extraction, empty filtering, coalescing, parity
// correction, tool definition merge and token budget enforcement.
func Prepare(req *plugin.ConversationRequest, opts Options) (*Prepared, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	msgs := cloneAll(req.Messages)
	if req.Format == plugin.FormatLegacyAuthor && req.Legacy != nil {
		msgs = append(FromLegacy(req.Legacy), msgs...)
	}

	out := &Prepared{}
	if opts.ExtractSystem {
		out.System, msgs = ExtractSystem(msgs)
	}
	msgs = DropEmpty(msgs)
	if opts.FoldToolCalls {
		msgs = FoldToolCalls(msgs)
	}
	if opts.Coalesce {
		msgs = Coalesce(msgs)
	}
	if opts.RequireUserFirst {
		msgs = CorrectParity(msgs)
	}

	tools, err := MergeTools(req.Tools, msgs, opts.SynthesizeTools)
	if err != nil {
		return nil, err
	}
	out.Tools = tools

	tk := opts.Tokenizer
	if tk == nil {
		tk = tokens.Shared().Load(req.Model.Type)
	}
	budget := tokens.Budget{
		Tokenizer:       tk,
		MaxPromptTokens: req.Model.MaxPromptTokens,
		Policy:          req.Params.Truncation,
		Overhead:        tk.Count(out.System) + ToolsTokens(tk, tools),
	}
	msgs, out.Budget = budget.Fit(msgs)
	msgs = SweepOrphans(msgs)
	// Removal can leave same-role neighbours or an assistant opener.
	if opts.Coalesce {
		msgs = Coalesce(msgs)
	}
	if opts.RequireUserFirst {
		msgs = CorrectParity(msgs)
		if len(msgs) == 0 {
			return nil, plugin.Configf("messages", "no user turn left after assembly")
		}
	}
	if out.Budget.Truncated() {
		out.Warnings = append(out.Warnings, truncationWarning(out.Budget, req.Model.MaxPromptTokens))
	}

	out.Messages = msgs
	return out, nil
}

func truncationWarning(r tokens.Report, max int) plugin.Warning {
	msg := fmt.Sprintf("prompt of %d tokens exceeded budget of %d", r.Before, max)
	if r.Removed > 0 {
		msg += fmt.Sprintf("; removed %d messages", r.Removed)
	}
	if r.Clipped {
		msg += "; clipped final message"
	}
	if r.Overflow {
		msg += fmt.Sprintf("; %d tokens still over budget, sent as-is", r.After-max)
	}
	return plugin.Warning{Kind: plugin.WarnTruncation, Message: msg}
}

func cloneAll(msgs []plugin.Message) []plugin.Message {
	out := make([]plugin.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// FromLegacy converts the author-keyed shape: context becomes a system
// message, examples alternate user/assistant, then messages follow in order.
func FromLegacy(lp *plugin.LegacyPrompt) []plugin.Message {
	var out []plugin.Message
	if strings.TrimSpace(lp.Context) != "" {
		out = append(out, plugin.SystemMessage(lp.Context))
	}
	for _, ex := range lp.Examples {
		out = append(out, plugin.UserMessage(ex.Input), plugin.AssistantMessage(ex.Output))
	}
	for _, m := range lp.Messages {
		out = append(out, plugin.Text(legacyRole(m.Author), m.Content))
	}
	return out
}

func legacyRole(author string) plugin.Role {
	switch strings.ToLower(strings.TrimSpace(author)) {
	case "system", "context":
		return plugin.RoleSystem
	case "assistant", "bot", "model", "ai", "1":
		return plugin.RoleAssistant
	default:
		return plugin.RoleUser
	}
}

// ExtractSystem removes system messages and joins their text with newlines
// in original order.
func ExtractSystem(msgs []plugin.Message) (string, []plugin.Message) {
	var parts []string
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Role != plugin.RoleSystem {
			out = append(out, m)
			continue
		}
		if t := m.TextContent(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), out
}

func DropEmpty(msgs []plugin.Message) []plugin.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.IsEmpty() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// FoldToolCalls rewrites tool traffic into content parts so that turns can
// be coalesced for backends that carry tool results inside user turns.
func FoldToolCalls(msgs []plugin.Message) []plugin.Message {
	out := make([]plugin.Message, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == plugin.RoleAssistant && len(m.ToolCalls) > 0:
			m = m.Clone()
			for _, tc := range m.ToolCalls {
				m.Content = append(m.Content, plugin.ToolUsePart{Call: tc})
			}
			m.ToolCalls = nil
		case m.Role == plugin.RoleTool:
			m = plugin.Message{
				Role: plugin.RoleUser,
				Content: []plugin.Part{plugin.ToolResultPart{
					CallID:  m.ToolCallID,
					Name:    m.Name,
					Content: m.TextContent(),
				}},
				Pinned: m.Pinned,
			}
		}
		out = append(out, m)
	}
	return out
}

// Coalesce merges consecutive messages that share a role. Adjacent text is
// joined with a newline.
func Coalesce(msgs []plugin.Message) []plugin.Message {
	out := make([]plugin.Message, 0, len(msgs))
	for _, m := range msgs {
		n := len(out)
		if n == 0 || m.Role == plugin.RoleTool || out[n-1].Role != m.Role {
			out = append(out, m.Clone())
			continue
		}
		prev := &out[n-1]
		prev.Content = mergeParts(prev.Content, m.Content)
		prev.ToolCalls = append(prev.ToolCalls, m.ToolCalls...)
		prev.Pinned = prev.Pinned || m.Pinned
	}
	return out
}

func mergeParts(a, b []plugin.Part) []plugin.Part {
	out := append([]plugin.Part(nil), a...)
	for _, p := range b {
		t, ok := p.(plugin.TextPart)
		if ok && len(out) > 0 {
			if last, ok := out[len(out)-1].(plugin.TextPart); ok {
				out[len(out)-1] = plugin.TextPart{Text: last.Text + "\n" + t.Text}
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// CorrectParity drops the oldest turns until the list begins with a user
// turn, leaving it empty when there is none. After coalescing the list
// alternates, so a conversation that ends on the user turn is left with odd
// length.
func CorrectParity(msgs []plugin.Message) []plugin.Message {
	for len(msgs) > 0 && msgs[0].Role != plugin.RoleUser {
		msgs = msgs[1:]
	}
	return SweepOrphans(msgs)
}

// SweepOrphans removes tool results whose invocation is no longer present
// earlier in the conversation.
func SweepOrphans(msgs []plugin.Message) []plugin.Message {
	seen := map[string]bool{}
	out := make([]plugin.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == plugin.RoleTool && !seen[m.ToolCallID] {
			continue
		}
		var kept []plugin.Part
		dropped := false
		for _, p := range m.Content {
			switch v := p.(type) {
			case plugin.ToolUsePart:
				seen[v.Call.ID] = true
			case plugin.ToolResultPart:
				if !seen[v.CallID] {
					dropped = true
					continue
				}
			}
			kept = append(kept, p)
		}
		for _, tc := range m.ToolCalls {
			seen[tc.ID] = true
		}
		if dropped {
			m = m.Clone()
			m.Content = kept
			if m.IsEmpty() {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}
