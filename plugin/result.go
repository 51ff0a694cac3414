package plugin

import "fmt"

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

func (u Usage) withTotal() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

type WarningKind string

const (
	WarnTruncation           WarningKind = "truncation"
	WarnAuthDegraded         WarningKind = "auth_degraded"
	WarnImageDropped         WarningKind = "image_dropped"
	WarnToolArgumentsInvalid WarningKind = "tool_arguments_invalid"
	WarnPollTimeout          WarningKind = "poll_timeout"
	WarnRunFailed            WarningKind = "run_failed"
)

// Warning is a non-fatal condition observed while serving a call.
type Warning struct {
	Kind    WarningKind
	Message string
}

func (w Warning) String() string { return fmt.Sprintf("%s: %s", w.Kind, w.Message) }

// Result is the canonical outcome of one call.
//
// Upstream failures and safety blocks are reported in-band: FinishReason is
// FinishError or FinishContentFilter, Text carries a readable notice and
// Failure holds the structured cause when one exists.
type Result struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        Usage

	Failure  *Error
	Warnings []Warning
}

func (r *Result) Warn(kind WarningKind, format string, args ...any) {
	r.Warnings = append(r.Warnings, Warning{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// Failed reports whether the call did not produce a model answer.
func (r *Result) Failed() bool {
	return r != nil && r.FinishReason == FinishError
}

const (
	contentFilterNotice = "[response withheld: blocked by the provider's content policy]"
)

// ContentFilterNotice renders the in-band text for a safety block.
func ContentFilterNotice(detail string) string {
	if detail == "" {
		return contentFilterNotice
	}
	return contentFilterNotice[:len(contentFilterNotice)-1] + " (" + detail + ")]"
}

// ErrorNotice renders the in-band text for an upstream failure.
func ErrorNotice(err error) string {
	if err == nil {
		return "[request failed]"
	}
	return "[request failed: " + err.Error() + "]"
}

// FailedResult converts an upstream failure into an in-band result.
func FailedResult(err *Error) *Result {
	notice := ErrorNotice(nil)
	if err != nil {
		notice = ErrorNotice(err)
	}
	return &Result{
		Text:         notice,
		FinishReason: FinishError,
		Failure:      err,
	}
}

// BlockedResult is the in-band result for a content policy block.
func BlockedResult(detail string) *Result {
	return &Result{
		Text:         ContentFilterNotice(detail),
		FinishReason: FinishContentFilter,
	}
}
