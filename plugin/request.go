package plugin

// FormatVersion tags the shape a conversation arrived in. It is decided once
// at ingestion; nothing downstream re-inspects message shapes.
type FormatVersion int

const (
	FormatCanonical FormatVersion = iota
	// FormatLegacyAuthor marks the older author-keyed prompt shape carried in
	// ConversationRequest.Legacy.
	FormatLegacyAuthor
)

func (f FormatVersion) String() string {
	switch f {
	case FormatCanonical:
		return "canonical"
	case FormatLegacyAuthor:
		return "legacy-author"
	default:
		return "unknown"
	}
}

// LegacyPrompt is the author-keyed conversation shape: a context preamble,
// paired input/output examples and author-tagged messages.
type LegacyPrompt struct {
	Context  string
	Examples []LegacyExample
	Messages []LegacyMessage
}

type LegacyExample struct {
	Input  string
	Output string
}

type LegacyMessage struct {
	Author  string
	Content string
}

type TruncationPolicy string

const (
	// TruncateNone sends the conversation as-is even when over budget.
	TruncateNone TruncationPolicy = ""
	// TruncateDrop removes whole messages, oldest first.
	TruncateDrop TruncationPolicy = "drop"
	// TruncateClip drops like TruncateDrop, then clips the final message in
	// place when it alone exceeds the budget.
	TruncateClip TruncationPolicy = "clip"
)

// Valid reports whether p is one of the known policies.
func (p TruncationPolicy) Valid() bool {
	switch p {
	case TruncateNone, TruncateDrop, TruncateClip:
		return true
	}
	return false
}

type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = ""
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceTool     ToolChoiceMode = "tool"
)

type ToolChoice struct {
	Mode ToolChoiceMode
	// Name is the forced tool when Mode is ToolChoiceTool.
	Name string
}

type Params struct {
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens int
	Stop            []string
	Stream          bool
	ToolChoice      ToolChoice
	Truncation      TruncationPolicy
}

// Capabilities describes the target model.
type Capabilities struct {
	// Type selects the plugin in the registry (e.g. "openai", "vertex").
	Type string
	// Model is the upstream model identifier.
	Model string

	MaxPromptTokens   int
	MaxOutputTokens   int
	SupportsStreaming bool
}

type ConversationRequest struct {
	Format FormatVersion
	Legacy *LegacyPrompt

	Messages []Message
	Tools    []ToolDefinition

	Params Params
	Model  Capabilities
}

// Validate reports requests that could never succeed.
func (r *ConversationRequest) Validate() error {
	if r == nil {
		return &ConfigurationError{Field: "request", Message: "request is nil"}
	}
	if r.Model.Model == "" {
		return &ConfigurationError{Field: "model", Message: "upstream model is required"}
	}
	n := len(r.Messages)
	if r.Format == FormatLegacyAuthor && r.Legacy != nil {
		n += len(r.Legacy.Messages) + len(r.Legacy.Examples)
		if r.Legacy.Context != "" {
			n++
		}
	}
	if n == 0 {
		return &ConfigurationError{Field: "messages", Message: "at least one message is required"}
	}
	if !r.Params.Truncation.Valid() {
		return Configf("truncation", "unknown truncation policy %q", r.Params.Truncation)
	}
	return nil
}

// MaxOutputTokens resolves the output budget from the call parameters and
// the model capability.
func (r *ConversationRequest) MaxOutputTokens(fallback int) int {
	n := r.Params.MaxOutputTokens
	if n <= 0 {
		n = r.Model.MaxOutputTokens
	}
	if r.Model.MaxOutputTokens > 0 && n > r.Model.MaxOutputTokens {
		n = r.Model.MaxOutputTokens
	}
	if n <= 0 {
		n = fallback
	}
	return n
}
