package plugin

import (
	"encoding/json"
	"sort"
	"strings"
)

// StreamState is the per-call state machine behind ProcessStreamEvent.
//
// Adapters translate backend events into calls on the state; the state emits
// canonical deltas and enforces ordering: the role announcement comes first
// and at most once, and nothing is emitted after the terminal delta.
// A StreamState must not be shared between calls.
type StreamState struct {
	roleSent bool
	done     bool

	text  strings.Builder
	calls map[int]*toolCallAgg

	pendingFinish FinishReason
	blockDetail   string
	usage         Usage
	failure       *Error
	finish        FinishReason
}

type toolCallAgg struct {
	id   string
	name strings.Builder
	args strings.Builder
}

func NewStreamState() *StreamState {
	return &StreamState{calls: map[int]*toolCallAgg{}}
}

// Done reports whether the terminal delta has been emitted.
func (s *StreamState) Done() bool { return s.done }

// Role announces the responding role. Later calls are no-ops.
func (s *StreamState) Role(role Role) []StreamDelta {
	if s.done || s.roleSent {
		return nil
	}
	if role == "" {
		role = RoleAssistant
	}
	s.roleSent = true
	return []StreamDelta{{Kind: DeltaRole, Role: role}}
}

func (s *StreamState) Text(text string) []StreamDelta {
	if s.done || text == "" {
		return nil
	}
	out := s.Role(RoleAssistant)
	s.text.WriteString(text)
	return append(out, StreamDelta{Kind: DeltaContent, Text: text})
}

// ToolCall records a fragment of the tool call at index. Empty id or name
// reuse what earlier fragments for the same index supplied.
func (s *StreamState) ToolCall(index int, id, nameFragment, argsFragment string) []StreamDelta {
	if s.done {
		return nil
	}
	agg, ok := s.calls[index]
	if !ok {
		agg = &toolCallAgg{}
		s.calls[index] = agg
	}
	if id != "" {
		agg.id = id
	}
	agg.name.WriteString(nameFragment)
	agg.args.WriteString(argsFragment)
	if id == "" && nameFragment == "" && argsFragment == "" {
		return nil
	}

	out := s.Role(RoleAssistant)
	return append(out, StreamDelta{
		Kind: DeltaToolCall,
		ToolCall: ToolCallDelta{
			Index:             index,
			ID:                agg.id,
			NameFragment:      nameFragment,
			ArgumentsFragment: argsFragment,
		},
	})
}

// ToolCallCount returns how many distinct tool calls have been seen.
func (s *StreamState) ToolCallCount() int { return len(s.calls) }

// SetFinishReason stores a reason reported before the terminal event.
func (s *StreamState) SetFinishReason(r FinishReason) {
	if r != "" {
		s.pendingFinish = r
	}
}

// MergeUsage overwrites the non-zero fields of u.
func (s *StreamState) MergeUsage(u Usage) {
	if u.PromptTokens > 0 {
		s.usage.PromptTokens = u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		s.usage.CompletionTokens = u.CompletionTokens
	}
	if u.TotalTokens > 0 {
		s.usage.TotalTokens = u.TotalTokens
	}
}

// Pending returns the finish reason stored by SetFinishReason.
func (s *StreamState) Pending() FinishReason { return s.pendingFinish }

// Finish emits the terminal delta. An empty reason falls back to the pending
// reason, then to tool_calls or stop depending on what was streamed. A
// content_filter finish is preceded by the in-band notice.
func (s *StreamState) Finish(reason FinishReason) []StreamDelta {
	if s.done {
		return nil
	}
	if reason == "" {
		reason = s.pendingFinish
	}
	if reason == "" {
		reason = FinishStop
		if len(s.calls) > 0 {
			reason = FinishToolCalls
		}
	}
	if reason == FinishStop && len(s.calls) > 0 {
		reason = FinishToolCalls
	}
	out := s.Role(RoleAssistant)
	if reason == FinishContentFilter {
		out = append(out, s.Text(ContentFilterNotice(s.blockDetail))...)
	}
	s.done = true
	s.finish = reason
	s.usage = s.usage.withTotal()
	return append(out, StreamDelta{
		Kind:         DeltaTerminal,
		FinishReason: reason,
		Usage:        s.usage,
		Failure:      s.failure,
	})
}

// Block ends the stream with an in-band content policy notice.
func (s *StreamState) Block(detail string) []StreamDelta {
	if s.done {
		return nil
	}
	s.blockDetail = detail
	return s.Finish(FinishContentFilter)
}

// Fail ends the stream with an in-band error notice.
func (s *StreamState) Fail(err *Error) []StreamDelta {
	if s.done {
		return nil
	}
	s.failure = err
	notice := ErrorNotice(nil)
	if err != nil {
		notice = ErrorNotice(err)
	}
	out := s.Text(notice)
	return append(out, s.Finish(FinishError)...)
}

// Result aggregates everything streamed so far.
func (s *StreamState) Result() *Result {
	r := &Result{
		Text:         s.text.String(),
		FinishReason: s.finish,
		Usage:        s.usage.withTotal(),
		Failure:      s.failure,
	}
	indices := make([]int, 0, len(s.calls))
	for i := range s.calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		agg := s.calls[i]
		if agg.name.Len() == 0 {
			continue
		}
		r.ToolCalls = append(r.ToolCalls, ToolCall{
			ID:        agg.id,
			Name:      agg.name.String(),
			Arguments: DecodeArguments(agg.args.String()),
		})
	}
	return r
}

// DecodeArguments turns a JSON argument string into a key/value map. Values
// that are not JSON objects are kept under "query".
func DecodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj != nil {
		return obj
	}
	var scalar any
	if err := json.Unmarshal([]byte(raw), &scalar); err == nil && scalar != nil {
		return map[string]any{"query": scalar}
	}
	return map[string]any{"query": raw}
}

// EncodeArguments is the inverse of DecodeArguments for wire formats that
// carry arguments as a JSON string.
func EncodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
