package modelexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitop-dev/modelexec/plugin"
)

type fakeRequest struct {
	stream bool
	warns  []plugin.Warning
}

func (r *fakeRequest) Streaming() bool             { return r.stream }
func (r *fakeRequest) Payload() []byte             { return []byte(`{"fake":true}`) }
func (r *fakeRequest) Warnings() []plugin.Warning { return r.warns }

// fakePlugin answers from canned functions and records every request it
// builds.
type fakePlugin struct {
	mu       sync.Mutex
	requests []*plugin.ConversationRequest

	buildWarns []plugin.Warning
	execute    func(stream bool) (plugin.Execution, error)
	parse      func(raw *plugin.RawResponse) (*plugin.Result, error)
	event      func(ev plugin.RawEvent, st *plugin.StreamState) ([]plugin.StreamDelta, error)
}

func (p *fakePlugin) Name() string { return "fake" }

func (p *fakePlugin) BuildRequest(ctx context.Context, req *plugin.ConversationRequest) (plugin.ProviderRequest, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return &fakeRequest{stream: req.Params.Stream, warns: p.buildWarns}, nil
}

func (p *fakePlugin) Execute(ctx context.Context, preq plugin.ProviderRequest) (plugin.Execution, error) {
	if p.execute == nil {
		return plugin.Execution{}, fmt.Errorf("fakePlugin.Execute not configured")
	}
	return p.execute(preq.Streaming())
}

func (p *fakePlugin) ParseResponse(raw *plugin.RawResponse) (*plugin.Result, error) {
	if p.parse == nil {
		return &plugin.Result{Text: string(raw.Body), FinishReason: plugin.FinishStop}, nil
	}
	return p.parse(raw)
}

func (p *fakePlugin) ProcessStreamEvent(ev plugin.RawEvent, st *plugin.StreamState) ([]plugin.StreamDelta, error) {
	if p.event != nil {
		return p.event(ev, st)
	}
	if string(ev.Data) == "END" {
		return st.Finish(""), nil
	}
	return st.Text(string(ev.Data)), nil
}

func (p *fakePlugin) Requests() []*plugin.ConversationRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*plugin.ConversationRequest(nil), p.requests...)
}

type fakeRawStream struct {
	events []string
	err    error
	i      int
	closed bool
}

func (s *fakeRawStream) Next() bool {
	if s.i >= len(s.events) {
		return false
	}
	s.i++
	return true
}

func (s *fakeRawStream) Event() plugin.RawEvent {
	return plugin.RawEvent{Data: []byte(s.events[s.i-1])}
}

func (s *fakeRawStream) Err() error {
	if s.i >= len(s.events) {
		return s.err
	}
	return nil
}

func (s *fakeRawStream) Close() error {
	s.closed = true
	return nil
}

// recordingHook captures hook calls.
type recordingHook struct {
	mu       sync.Mutex
	requests int
	results  []*plugin.Result
	warnings []plugin.Warning
}

func (h *recordingHook) OnRequest(context.Context, plugin.CallInfo, []byte) {
	h.mu.Lock()
	h.requests++
	h.mu.Unlock()
}

func (h *recordingHook) OnResult(_ context.Context, _ plugin.CallInfo, res *plugin.Result) {
	h.mu.Lock()
	h.results = append(h.results, res)
	h.mu.Unlock()
}

func (h *recordingHook) OnWarning(_ context.Context, _ plugin.CallInfo, w plugin.Warning) {
	h.mu.Lock()
	h.warnings = append(h.warnings, w)
	h.mu.Unlock()
}

func newFakeClient(p *fakePlugin, hook plugin.Hook) *Client {
	reg := plugin.NewRegistry()
	_ = reg.Register("fake", p)
	return NewClient(reg, hook)
}

func fakeRequestFor(streaming bool, msgs ...plugin.Message) *plugin.ConversationRequest {
	return &plugin.ConversationRequest{
		Model:    plugin.Capabilities{Type: "fake", Model: "fake-1", SupportsStreaming: streaming},
		Messages: msgs,
	}
}
