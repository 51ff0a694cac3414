package tokens

import (
	"github.com/bitop-dev/modelexec/plugin"
)

const (
	messageOverhead  = 4 // role and delimiter tokens
	toolCallOverhead = 4
	imageTokens      = 85
)

// MessageTokens estimates the serialized size of one message.
func MessageTokens(tk Tokenizer, m plugin.Message) int {
	n := messageOverhead + tk.Count(string(m.Role))
	for _, p := range m.Content {
		switch v := p.(type) {
		case plugin.TextPart:
			n += tk.Count(v.Text)
		case plugin.ImagePart:
			n += imageTokens
		case plugin.ToolUsePart:
			n += toolCallOverhead + tk.Count(v.Call.Name) + tk.Count(plugin.EncodeArguments(v.Call.Arguments))
		case plugin.ToolResultPart:
			n += toolCallOverhead + tk.Count(v.CallID) + tk.Count(v.Content)
		}
	}
	for _, tc := range m.ToolCalls {
		n += toolCallOverhead + tk.Count(tc.Name) + tk.Count(plugin.EncodeArguments(tc.Arguments))
	}
	if m.ToolCallID != "" {
		n += tk.Count(m.ToolCallID) + 2
	}
	return n
}

func Count(tk Tokenizer, msgs []plugin.Message) int {
	total := 0
	for _, m := range msgs {
		total += MessageTokens(tk, m)
	}
	return total
}

// Budget enforces a model's maximum prompt size.
type Budget struct {
	Tokenizer       Tokenizer
	MaxPromptTokens int
	Policy          plugin.TruncationPolicy
	// Overhead is charged against the budget before any message, e.g. an
	// extracted system prompt or tool definitions.
	Overhead int
}

type Report struct {
	Before  int
	After   int
	Removed int
	Clipped bool
	// Overflow is set when the kept messages still exceed the budget.
	Overflow bool
}

// Truncated reports whether the budget altered the conversation or could
// not be met.
func (r Report) Truncated() bool { return r.Removed > 0 || r.Clipped || r.Overflow }

// Fit shortens msgs to the budget. The final user message is never
// removed, pinned messages and the leading system preamble are kept, and the
// relative order of what remains is unchanged. Removing an assistant tool
// invocation also removes the results that answer it.
func (b Budget) Fit(msgs []plugin.Message) ([]plugin.Message, Report) {
	tk := b.Tokenizer
	if tk == nil {
		tk = Heuristic
	}
	out := append([]plugin.Message(nil), msgs...)
	total := b.Overhead + Count(tk, out)
	rep := Report{Before: total, After: total}
	if b.Policy == plugin.TruncateNone || b.MaxPromptTokens <= 0 || total <= b.MaxPromptTokens {
		return out, rep
	}

	for total > b.MaxPromptTokens {
		i := oldestRemovable(out)
		if i < 0 {
			break
		}
		var n int
		out, n = removeUnit(out, i)
		rep.Removed += n
		total = b.Overhead + Count(tk, out)
	}

	if total > b.MaxPromptTokens && b.Policy == plugin.TruncateClip {
		if f := finalIndex(out); f >= 0 {
			rest := total - MessageTokens(tk, out[f])
			allowed := b.MaxPromptTokens - rest
			if clipped, ok := clip(tk, out[f], allowed); ok {
				out[f] = clipped
				rep.Clipped = true
				total = b.Overhead + Count(tk, out)
			}
		}
	}

	rep.After = total
	rep.Overflow = total > b.MaxPromptTokens
	return out, rep
}

func finalIndex(msgs []plugin.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == plugin.RoleUser {
			return i
		}
	}
	return len(msgs) - 1
}

func oldestRemovable(msgs []plugin.Message) int {
	final := finalIndex(msgs)
	preamble := true
	for i, m := range msgs {
		if preamble && m.Role == plugin.RoleSystem {
			continue
		}
		preamble = false
		if i == final || m.Pinned {
			continue
		}
		return i
	}
	return -1
}

func callIDs(m plugin.Message) map[string]bool {
	ids := map[string]bool{}
	for _, tc := range m.ToolCalls {
		ids[tc.ID] = true
	}
	for _, p := range m.Content {
		if u, ok := p.(plugin.ToolUsePart); ok {
			ids[u.Call.ID] = true
		}
	}
	return ids
}

// removeUnit removes msgs[i] along with the tool results that answer its
// calls, returning the new slice and how many messages were dropped.
func removeUnit(msgs []plugin.Message, i int) ([]plugin.Message, int) {
	ids := callIDs(msgs[i])
	out := make([]plugin.Message, 0, len(msgs)-1)
	out = append(out, msgs[:i]...)
	removed := 1
	final := finalIndex(msgs)
	for j := i + 1; j < len(msgs); j++ {
		m := msgs[j]
		if len(ids) > 0 {
			if m.Role == plugin.RoleTool && ids[m.ToolCallID] && j != final {
				removed++
				continue
			}
			m = stripResults(m, ids)
			if m.IsEmpty() && j != final {
				removed++
				continue
			}
		}
		out = append(out, m)
	}
	return out, removed
}

func stripResults(m plugin.Message, ids map[string]bool) plugin.Message {
	var kept []plugin.Part
	changed := false
	for _, p := range m.Content {
		if r, ok := p.(plugin.ToolResultPart); ok && ids[r.CallID] {
			changed = true
			continue
		}
		kept = append(kept, p)
	}
	if !changed {
		return m
	}
	m = m.Clone()
	m.Content = kept
	return m
}

// clip shortens the text of m so that it fits allowed tokens. Non-text parts
// are kept.
func clip(tk Tokenizer, m plugin.Message, allowed int) (plugin.Message, bool) {
	var text []rune
	var other []plugin.Part
	for _, p := range m.Content {
		if t, ok := p.(plugin.TextPart); ok {
			text = append(text, []rune(t.Text)...)
			continue
		}
		other = append(other, p)
	}
	if len(text) == 0 {
		return m, false
	}

	build := func(n int) plugin.Message {
		c := m.Clone()
		c.Content = append([]plugin.Part{plugin.TextPart{Text: string(text[:n])}}, other...)
		return c
	}

	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if MessageTokens(tk, build(mid)) <= allowed {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == len(text) {
		return m, false
	}
	return build(lo), true
}
