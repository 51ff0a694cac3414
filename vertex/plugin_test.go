package vertex

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/bitop-dev/modelexec/auth"
	"github.com/bitop-dev/modelexec/plugin"
)

func claudeRequest(msgs ...plugin.Message) *plugin.ConversationRequest {
	return &plugin.ConversationRequest{
		Model:    plugin.Capabilities{Type: Name, Model: "claude-sonnet-4@20250514", SupportsStreaming: true},
		Messages: msgs,
	}
}

func TestBuildRequest_SystemExtractedAndVersioned(t *testing.T) {
	p := New(Config{Project: "proj", Region: "europe-west1"})
	preq, err := p.BuildRequest(context.Background(), claudeRequest(
		plugin.SystemMessage("S"),
		plugin.UserMessage("hi"),
	))
	if err != nil {
		t.Fatal(err)
	}
	doc := gjson.ParseBytes(preq.Payload())
	if doc.Get("system").String() != "S" {
		t.Fatalf("system=%q", doc.Get("system").String())
	}
	if doc.Get("model").Exists() {
		t.Fatalf("model must travel in the URL, payload=%s", preq.Payload())
	}
	if doc.Get("anthropic_version").String() != defaultAnthropicVersion {
		t.Fatalf("anthropic_version=%q", doc.Get("anthropic_version").String())
	}
	if doc.Get("messages.#").Int() != 1 || doc.Get("messages.0.role").String() != "user" {
		t.Fatalf("messages=%s", doc.Get("messages").Raw)
	}
	if doc.Get("max_tokens").Int() != defaultMaxTokens {
		t.Fatalf("max_tokens=%d", doc.Get("max_tokens").Int())
	}

	env, err := plugin.Unwrap[messagesRequest](Name, preq)
	if err != nil {
		t.Fatal(err)
	}
	want := "https://europe-west1-aiplatform.googleapis.com/v1/projects/proj/locations/europe-west1/publishers/anthropic/models/claude-sonnet-4@20250514:rawPredict"
	if env.Endpoint != want {
		t.Fatalf("endpoint=%s", env.Endpoint)
	}
}

func TestBuildRequest_StreamUsesStreamRawPredict(t *testing.T) {
	req := claudeRequest(plugin.UserMessage("hi"))
	req.Params.Stream = true
	preq, err := New(Config{Project: "proj"}).BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	env, _ := plugin.Unwrap[messagesRequest](Name, preq)
	if !strings.HasSuffix(env.Endpoint, ":streamRawPredict") || !preq.Streaming() {
		t.Fatalf("endpoint=%s streaming=%v", env.Endpoint, preq.Streaming())
	}
	if !gjson.GetBytes(preq.Payload(), "stream").Bool() {
		t.Fatalf("payload=%s", preq.Payload())
	}
}

func TestBuildRequest_RequiresProject(t *testing.T) {
	_, err := New(Config{}).BuildRequest(context.Background(), claudeRequest(plugin.UserMessage("hi")))
	if !plugin.IsConfiguration(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildRequest_AlternatesAndStartsWithUser(t *testing.T) {
	preq, err := New(Config{Project: "p"}).BuildRequest(context.Background(), claudeRequest(
		plugin.AssistantMessage("hello there"),
		plugin.UserMessage("a"),
		plugin.UserMessage("b"),
		plugin.AssistantMessage("c"),
	))
	if err != nil {
		t.Fatal(err)
	}
	msgs := gjson.GetBytes(preq.Payload(), "messages").Array()
	if len(msgs) != 2 {
		t.Fatalf("messages=%d: %s", len(msgs), preq.Payload())
	}
	if msgs[0].Get("role").String() != "user" || msgs[0].Get("content.0.text").String() != "a\nb" {
		t.Fatalf("first=%s", msgs[0].Raw)
	}
	if msgs[1].Get("role").String() != "assistant" {
		t.Fatalf("second=%s", msgs[1].Raw)
	}
}

func TestBuildRequest_ToolRoundTripBlocks(t *testing.T) {
	req := claudeRequest(
		plugin.UserMessage("find x"),
		plugin.Message{Role: plugin.RoleAssistant, ToolCalls: []plugin.ToolCall{{ID: "t1", Name: "search", Arguments: map[string]any{"q": "x"}}}},
		plugin.ToolResultMessage("t1", "search", "found x"),
	)
	req.Params.ToolChoice = plugin.ToolChoice{Mode: plugin.ToolChoiceRequired}
	preq, err := New(Config{Project: "p"}).BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	doc := gjson.ParseBytes(preq.Payload())
	if n := doc.Get("messages.#").Int(); n != 3 {
		t.Fatalf("messages=%d: %s", n, preq.Payload())
	}
	use := doc.Get("messages.1.content.0")
	if use.Get("type").String() != "tool_use" || use.Get("id").String() != "t1" || use.Get("input.q").String() != "x" {
		t.Fatalf("tool_use=%s", use.Raw)
	}
	result := doc.Get("messages.2")
	if result.Get("role").String() != "user" ||
		result.Get("content.0.type").String() != "tool_result" ||
		result.Get("content.0.tool_use_id").String() != "t1" ||
		result.Get("content.0.content").String() != "found x" {
		t.Fatalf("tool_result=%s", result.Raw)
	}
	if doc.Get("tools.0.name").String() != "search" || doc.Get("tool_choice.type").String() != "any" {
		t.Fatalf("tools=%s choice=%s", doc.Get("tools").Raw, doc.Get("tool_choice").Raw)
	}
}

func TestExecute_GenerateWithDegradedAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if !strings.HasSuffix(r.URL.Path, ":rawPredict") {
			t.Errorf("path=%s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant",
			"content":[{"type":"text","text":"let me look"},{"type":"tool_use","id":"t1","name":"search","input":{"q":"x"}}],
			"stop_reason":"tool_use","usage":{"input_tokens":10,"output_tokens":6}}`)
	}))
	defer srv.Close()

	failing := auth.ProviderFunc(func(context.Context) (string, error) {
		return "", io.ErrUnexpectedEOF
	})
	p := New(Config{Project: "p", BaseURL: srv.URL, HTTPClient: srv.Client(), Credentials: failing})
	preq, err := p.BuildRequest(context.Background(), claudeRequest(plugin.UserMessage("find x")))
	if err != nil {
		t.Fatal(err)
	}
	exec, err := p.Execute(context.Background(), preq)
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "" {
		t.Fatalf("expected no Authorization header, got %q", gotAuth)
	}
	if len(exec.Warnings) != 1 || exec.Warnings[0].Kind != plugin.WarnAuthDegraded {
		t.Fatalf("warnings=%+v", exec.Warnings)
	}

	res, err := p.ParseResponse(exec.Response)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "let me look" || res.FinishReason != plugin.FinishToolCalls {
		t.Fatalf("res=%+v", res)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ID != "t1" || res.ToolCalls[0].Arguments["q"] != "x" {
		t.Fatalf("calls=%+v", res.ToolCalls)
	}
	if res.Usage.TotalTokens != 16 {
		t.Fatalf("usage=%+v", res.Usage)
	}
}

func TestParseResponse_ErrorAndRefusal(t *testing.T) {
	p := New(Config{Project: "p"})

	res, err := p.ParseResponse(&plugin.RawResponse{Status: 200, Body: []byte(
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Failed() || res.Failure == nil || !strings.Contains(res.Text, "Overloaded") {
		t.Fatalf("res=%+v", res)
	}

	res, err = p.ParseResponse(&plugin.RawResponse{Status: 200, Body: []byte(
		`{"type":"message","role":"assistant","content":[],"stop_reason":"refusal","usage":{"input_tokens":3,"output_tokens":0}}`)})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != plugin.FinishContentFilter || res.Usage.PromptTokens != 3 {
		t.Fatalf("res=%+v", res)
	}
}

type event struct{ name, data string }

func process(t *testing.T, events []event) ([]plugin.StreamDelta, *plugin.StreamState) {
	t.Helper()
	p := New(Config{Project: "p"})
	st := plugin.NewStreamState()
	var out []plugin.StreamDelta
	for _, e := range events {
		ds, err := p.ProcessStreamEvent(plugin.RawEvent{Name: e.name, Data: []byte(e.data)}, st)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, ds...)
	}
	return out, st
}

func TestProcessStreamEvent_MessageLifecycle(t *testing.T) {
	ds, st := process(t, []event{
		{"message_start", `{"type":"message_start","message":{"id":"m","role":"assistant","usage":{"input_tokens":12,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"ping", `{"type":"ping"}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"search","input":{}}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`},
		{"message_stop", `{"type":"message_stop"}`},
		{"message_stop", `{"type":"message_stop"}`},
	})

	if ds[0].Kind != plugin.DeltaRole || ds[0].Role != plugin.RoleAssistant {
		t.Fatalf("first=%+v", ds[0])
	}
	var roles, terminals int
	for _, d := range ds {
		switch d.Kind {
		case plugin.DeltaRole:
			roles++
		case plugin.DeltaTerminal:
			terminals++
		}
	}
	if roles != 1 || terminals != 1 {
		t.Fatalf("roles=%d terminals=%d", roles, terminals)
	}
	term := ds[len(ds)-1]
	if term.FinishReason != plugin.FinishToolCalls || term.Usage.PromptTokens != 12 || term.Usage.CompletionTokens != 9 {
		t.Fatalf("terminal=%+v", term)
	}
	res := st.Result()
	if res.Text != "Hi there" || len(res.ToolCalls) != 1 || res.ToolCalls[0].ID != "t1" || res.ToolCalls[0].Arguments["q"] != "x" {
		t.Fatalf("res=%+v", res)
	}
}

func TestProcessStreamEvent_ErrorEvent(t *testing.T) {
	ds, _ := process(t, []event{
		{"message_start", `{"type":"message_start","message":{"role":"assistant","usage":{"input_tokens":1}}}`},
		{"error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`},
	})
	term := ds[len(ds)-1]
	if term.FinishReason != plugin.FinishError || term.Failure == nil || !term.Failure.Retryable {
		t.Fatalf("terminal=%+v", term)
	}
}

func TestProcessStreamEvent_NameFallbackAndRefusal(t *testing.T) {
	ds, _ := process(t, []event{
		{"message_start", `{"message":{"role":"assistant"}}`},
		{"message_delta", `{"delta":{"stop_reason":"refusal"}}`},
		{"message_stop", `{}`},
	})
	term := ds[len(ds)-1]
	if term.FinishReason != plugin.FinishContentFilter {
		t.Fatalf("terminal=%+v", term)
	}
}
