package plugin

type DeltaKind int

const (
	DeltaRole DeltaKind = iota + 1
	DeltaContent
	DeltaToolCall
	DeltaTerminal
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaRole:
		return "role"
	case DeltaContent:
		return "content"
	case DeltaToolCall:
		return "tool_call"
	case DeltaTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// StreamDelta is one canonical increment of a streamed response. Exactly one
// of the kind-specific fields is meaningful.
type StreamDelta struct {
	Kind DeltaKind

	Role Role   // DeltaRole
	Text string // DeltaContent

	ToolCall ToolCallDelta // DeltaToolCall

	FinishReason FinishReason // DeltaTerminal
	Usage        Usage        // DeltaTerminal
	Failure      *Error       // DeltaTerminal, when FinishReason is FinishError
}

type ToolCallDelta struct {
	// Index orders concurrent tool calls within one response.
	Index int
	ID    string
	// NameFragment and ArgumentsFragment are partial; consumers concatenate
	// them per Index.
	NameFragment      string
	ArgumentsFragment string
}
