package modelexec

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bitop-dev/modelexec/plugin"
)

func TestGenerate_ReturnsParsedResultAndNotifiesHook(t *testing.T) {
	fp := &fakePlugin{
		buildWarns: []plugin.Warning{{Kind: plugin.WarnTruncation, Message: "trimmed"}},
		execute: func(stream bool) (plugin.Execution, error) {
			if stream {
				t.Errorf("generate must not stream")
			}
			return plugin.Execution{
				Response: &plugin.RawResponse{Status: 200, Body: []byte("hello")},
				Warnings: []plugin.Warning{{Kind: plugin.WarnAuthDegraded, Message: "no token"}},
			}, nil
		},
	}
	hook := &recordingHook{}
	c := newFakeClient(fp, hook)

	req := fakeRequestFor(true, plugin.UserMessage("hi"))
	res, err := c.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello" || res.FinishReason != plugin.FinishStop {
		t.Fatalf("res=%+v", res)
	}
	if len(res.Warnings) != 2 || res.Warnings[0].Kind != plugin.WarnTruncation || res.Warnings[1].Kind != plugin.WarnAuthDegraded {
		t.Fatalf("warnings=%+v", res.Warnings)
	}
	if hook.requests != 1 || len(hook.results) != 1 || len(hook.warnings) != 2 {
		t.Fatalf("hook=%+v", hook)
	}
	if req.Params.Stream {
		t.Fatal("caller request was mutated")
	}
}

func TestGenerate_ConfigurationErrors(t *testing.T) {
	c := newFakeClient(&fakePlugin{}, plugin.NopHook{})

	tests := []struct {
		name string
		req  *plugin.ConversationRequest
	}{
		{"nil", nil},
		{"no model", &plugin.ConversationRequest{Model: plugin.Capabilities{Type: "fake"}, Messages: []plugin.Message{plugin.UserMessage("x")}}},
		{"no messages", fakeRequestFor(false)},
		{"unknown type", &plugin.ConversationRequest{Model: plugin.Capabilities{Type: "nope", Model: "m"}, Messages: []plugin.Message{plugin.UserMessage("x")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Generate(context.Background(), tt.req)
			if !plugin.IsConfiguration(err) || res != nil {
				t.Fatalf("res=%+v err=%v", res, err)
			}
		})
	}
}

func TestGenerate_UpstreamFailureIsInBand(t *testing.T) {
	fp := &fakePlugin{execute: func(bool) (plugin.Execution, error) {
		return plugin.Execution{}, &plugin.Error{Provider: "fake", Code: "rate_limited", Status: 429, Message: "slow down", Retryable: true}
	}}
	res, err := newFakeClient(fp, nil).Generate(context.Background(), fakeRequestFor(false, plugin.UserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Failed() || !plugin.IsRateLimited(res.Failure) || !strings.Contains(res.Text, "slow down") {
		t.Fatalf("res=%+v", res)
	}
}

func TestGenerate_ParseErrorIsInBand(t *testing.T) {
	fp := &fakePlugin{
		execute: func(bool) (plugin.Execution, error) {
			return plugin.Execution{Response: &plugin.RawResponse{Status: 200, Body: []byte("x")}}, nil
		},
		parse: func(*plugin.RawResponse) (*plugin.Result, error) {
			return nil, errors.New("garbled")
		},
	}
	res, err := newFakeClient(fp, nil).Generate(context.Background(), fakeRequestFor(false, plugin.UserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Failed() || res.Failure.Provider != "fake" {
		t.Fatalf("res=%+v", res)
	}
}

func TestGenerate_WarnsOnInvalidToolArguments(t *testing.T) {
	fp := &fakePlugin{
		execute: func(bool) (plugin.Execution, error) {
			return plugin.Execution{Response: &plugin.RawResponse{Status: 200}}, nil
		},
		parse: func(*plugin.RawResponse) (*plugin.Result, error) {
			return &plugin.Result{
				FinishReason: plugin.FinishToolCalls,
				ToolCalls: []plugin.ToolCall{
					{ID: "c1", Name: "lookup", Arguments: map[string]any{"id": "not-a-number"}},
					{ID: "c2", Name: "lookup", Arguments: map[string]any{"id": 3}},
				},
			}, nil
		},
	}
	req := fakeRequestFor(false, plugin.UserMessage("hi"))
	req.Tools = []plugin.ToolDefinition{{
		Name:       "lookup",
		Parameters: []byte(`{"type":"object","properties":{"id":{"type":"integer"}},"required":["id"]}`),
	}}
	res, err := newFakeClient(fp, nil).Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("tool calls must be kept: %+v", res.ToolCalls)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != plugin.WarnToolArgumentsInvalid || !strings.Contains(res.Warnings[0].Message, "c1") {
		t.Fatalf("warnings=%+v", res.Warnings)
	}
}

func collect(t *testing.T, s *DeltaStream) []plugin.StreamDelta {
	t.Helper()
	defer s.Close()
	var out []plugin.StreamDelta
	for s.Next() {
		out = append(out, s.Delta())
	}
	return out
}

func assertSequence(t *testing.T, ds []plugin.StreamDelta) plugin.StreamDelta {
	t.Helper()
	if len(ds) == 0 {
		t.Fatal("no deltas")
	}
	if ds[0].Kind != plugin.DeltaRole {
		t.Fatalf("first delta=%+v", ds[0])
	}
	for i, d := range ds {
		if d.Kind == plugin.DeltaRole && i != 0 {
			t.Fatalf("role repeated at %d", i)
		}
		if d.Kind == plugin.DeltaTerminal && i != len(ds)-1 {
			t.Fatalf("terminal at %d of %d", i, len(ds))
		}
	}
	last := ds[len(ds)-1]
	if last.Kind != plugin.DeltaTerminal {
		t.Fatalf("last delta=%+v", last)
	}
	return last
}

func TestStream_LiveEvents(t *testing.T) {
	raw := &fakeRawStream{events: []string{"Hel", "lo", "END", "ignored"}}
	fp := &fakePlugin{execute: func(stream bool) (plugin.Execution, error) {
		if !stream {
			t.Errorf("expected a streaming request")
		}
		return plugin.Execution{Stream: raw}, nil
	}}
	hook := &recordingHook{}
	s, err := newFakeClient(fp, hook).Stream(context.Background(), fakeRequestFor(true, plugin.UserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	if s.Result() != nil {
		t.Fatal("result before terminal")
	}
	ds := collect(t, s)
	term := assertSequence(t, ds)
	if term.FinishReason != plugin.FinishStop {
		t.Fatalf("terminal=%+v", term)
	}
	if s.Result() == nil || s.Result().Text != "Hello" {
		t.Fatalf("result=%+v", s.Result())
	}
	if !raw.closed {
		t.Fatal("raw stream not closed")
	}
	if len(hook.results) != 1 {
		t.Fatalf("hook results=%d", len(hook.results))
	}
}

func TestStream_BodyEndsWithoutTerminal(t *testing.T) {
	fp := &fakePlugin{execute: func(bool) (plugin.Execution, error) {
		return plugin.Execution{Stream: &fakeRawStream{events: []string{"partial"}}}, nil
	}}
	s, err := newFakeClient(fp, nil).Stream(context.Background(), fakeRequestFor(true, plugin.UserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	term := assertSequence(t, collect(t, s))
	if term.FinishReason != plugin.FinishStop || s.Result().Text != "partial" {
		t.Fatalf("terminal=%+v result=%+v", term, s.Result())
	}
}

func TestStream_TransportErrorMidStream(t *testing.T) {
	fp := &fakePlugin{execute: func(bool) (plugin.Execution, error) {
		return plugin.Execution{Stream: &fakeRawStream{events: []string{"a"}, err: errors.New("connection reset")}}, nil
	}}
	s, err := newFakeClient(fp, nil).Stream(context.Background(), fakeRequestFor(true, plugin.UserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	term := assertSequence(t, collect(t, s))
	if term.FinishReason != plugin.FinishError || term.Failure == nil {
		t.Fatalf("terminal=%+v", term)
	}
	if !strings.Contains(s.Result().Text, "connection reset") {
		t.Fatalf("text=%q", s.Result().Text)
	}
}

func TestStream_ExecuteFailureIsInBand(t *testing.T) {
	fp := &fakePlugin{execute: func(bool) (plugin.Execution, error) {
		return plugin.Execution{}, &plugin.Error{Provider: "fake", Code: "unauthorized", Status: 401, Message: "bad key"}
	}}
	s, err := newFakeClient(fp, nil).Stream(context.Background(), fakeRequestFor(true, plugin.UserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	term := assertSequence(t, collect(t, s))
	if term.FinishReason != plugin.FinishError || !plugin.IsAuth(term.Failure) {
		t.Fatalf("terminal=%+v", term)
	}
}

func TestStream_SynthesizedForNonStreamingModel(t *testing.T) {
	fp := &fakePlugin{
		execute: func(stream bool) (plugin.Execution, error) {
			if stream {
				t.Errorf("non-streaming model was asked to stream")
			}
			return plugin.Execution{Response: &plugin.RawResponse{Status: 200}}, nil
		},
		parse: func(*plugin.RawResponse) (*plugin.Result, error) {
			return &plugin.Result{
				Text:         "done",
				FinishReason: plugin.FinishToolCalls,
				ToolCalls:    []plugin.ToolCall{{ID: "c1", Name: "lookup", Arguments: map[string]any{"id": 1.0}}},
				Usage:        plugin.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
			}, nil
		},
	}
	hook := &recordingHook{}
	s, err := newFakeClient(fp, hook).Stream(context.Background(), fakeRequestFor(false, plugin.UserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	ds := collect(t, s)
	term := assertSequence(t, ds)
	if len(ds) != 4 || ds[1].Text != "done" || ds[2].ToolCall.NameFragment != "lookup" || ds[2].ToolCall.ArgumentsFragment != `{"id":1}` {
		t.Fatalf("deltas=%+v", ds)
	}
	if term.FinishReason != plugin.FinishToolCalls || term.Usage.TotalTokens != 5 {
		t.Fatalf("terminal=%+v", term)
	}
	if len(hook.results) != 1 {
		t.Fatalf("hook results=%d", len(hook.results))
	}
}

func TestStream_EventErrorFailsInBand(t *testing.T) {
	fp := &fakePlugin{
		execute: func(bool) (plugin.Execution, error) {
			return plugin.Execution{Stream: &fakeRawStream{events: []string{"x", "y"}}}, nil
		},
		event: func(ev plugin.RawEvent, st *plugin.StreamState) ([]plugin.StreamDelta, error) {
			return nil, errors.New("unsupported event")
		},
	}
	s, err := newFakeClient(fp, nil).Stream(context.Background(), fakeRequestFor(true, plugin.UserMessage("hi")))
	if err != nil {
		t.Fatal(err)
	}
	term := assertSequence(t, collect(t, s))
	if term.FinishReason != plugin.FinishError {
		t.Fatalf("terminal=%+v", term)
	}
}
