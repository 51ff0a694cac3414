package plugin

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// CallInfo identifies one outbound call for diagnostics.
type CallInfo struct {
	ID     string
	Plugin string
	Model  string
	Stream bool
}

func NewCallInfo(pluginName, model string, stream bool) CallInfo {
	return CallInfo{ID: uuid.NewString(), Plugin: pluginName, Model: model, Stream: stream}
}

// Hook observes requests and results. Implementations must not block and
// have no influence on control flow.
type Hook interface {
	OnRequest(ctx context.Context, call CallInfo, payload []byte)
	OnResult(ctx context.Context, call CallInfo, res *Result)
	OnWarning(ctx context.Context, call CallInfo, w Warning)
}

type NopHook struct{}

func (NopHook) OnRequest(context.Context, CallInfo, []byte) {}
func (NopHook) OnResult(context.Context, CallInfo, *Result) {}
func (NopHook) OnWarning(context.Context, CallInfo, Warning) {}

// LogHook writes diagnostics through slog. Payloads are logged at debug
// level and truncated to MaxPayload bytes.
type LogHook struct {
	Logger     *slog.Logger
	MaxPayload int
}

func NewLogHook(logger *slog.Logger) *LogHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHook{Logger: logger, MaxPayload: 4096}
}

func (h *LogHook) OnRequest(ctx context.Context, call CallInfo, payload []byte) {
	p := payload
	if h.MaxPayload > 0 && len(p) > h.MaxPayload {
		p = p[:h.MaxPayload]
	}
	h.Logger.DebugContext(ctx, "model request",
		slog.String("call_id", call.ID),
		slog.String("plugin", call.Plugin),
		slog.String("model", call.Model),
		slog.Bool("stream", call.Stream),
		slog.Int("payload_bytes", len(payload)),
		slog.String("payload", string(p)),
	)
}

func (h *LogHook) OnResult(ctx context.Context, call CallInfo, res *Result) {
	if res == nil {
		return
	}
	level := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("call_id", call.ID),
		slog.String("plugin", call.Plugin),
		slog.String("model", call.Model),
		slog.String("finish_reason", string(res.FinishReason)),
		slog.Int("tool_calls", len(res.ToolCalls)),
		slog.Int("prompt_tokens", res.Usage.PromptTokens),
		slog.Int("completion_tokens", res.Usage.CompletionTokens),
	}
	if res.Failure != nil {
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("error_code", res.Failure.Code),
			slog.Int("status", res.Failure.Status),
			slog.String("error", res.Failure.Message),
		)
	}
	h.Logger.LogAttrs(ctx, level, "model result", attrs...)
}

func (h *LogHook) OnWarning(ctx context.Context, call CallInfo, w Warning) {
	h.Logger.WarnContext(ctx, "model call warning",
		slog.String("call_id", call.ID),
		slog.String("plugin", call.Plugin),
		slog.String("kind", string(w.Kind)),
		slog.String("detail", w.Message),
	)
}

var (
	_ Hook = NopHook{}
	_ Hook = (*LogHook)(nil)
)
