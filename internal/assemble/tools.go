package assemble

import (
	"encoding/json"
	"sort"

	"github.com/bitop-dev/modelexec/internal/schema"
	"github.com/bitop-dev/modelexec/internal/tokens"
	"github.com/bitop-dev/modelexec/plugin"
)

// MergeTools returns the request's definitions deduplicated by name, the
// first definition of a name winning. With synthesize set, every tool that
// history invokes but no definition covers gets a minimal definition so the
// backend accepts the replayed conversation.
func MergeTools(explicit []plugin.ToolDefinition, history []plugin.Message, synthesize bool) ([]plugin.ToolDefinition, error) {
	seen := map[string]bool{}
	var out []plugin.ToolDefinition
	for _, d := range explicit {
		if d.Name == "" {
			return nil, plugin.Configf("tools", "tool definition without a name")
		}
		if seen[d.Name] {
			continue
		}
		if err := schema.CheckToolParameters(d.Parameters); err != nil {
			return nil, plugin.Configf("tools", "tool %q: %v", d.Name, err)
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	if !synthesize {
		return out, nil
	}

	for _, tc := range InvokedTools(history) {
		if tc.Name == "" || seen[tc.Name] {
			continue
		}
		seen[tc.Name] = true
		out = append(out, Synthesize(tc))
	}
	return out, nil
}

// InvokedTools lists tool calls found in history in order of appearance.
func InvokedTools(history []plugin.Message) []plugin.ToolCall {
	var out []plugin.ToolCall
	for _, m := range history {
		out = append(out, m.ToolCalls...)
		for _, p := range m.Content {
			if u, ok := p.(plugin.ToolUsePart); ok {
				out = append(out, u.Call)
			}
		}
	}
	return out
}

// Synthesize infers a definition from an observed call: an object argument
// yields one string property per key; anything else a single "query"
// property.
func Synthesize(tc plugin.ToolCall) plugin.ToolDefinition {
	props := map[string]any{}
	keys := make([]string, 0, len(tc.Arguments))
	for k := range tc.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		keys = []string{"query"}
	}
	for _, k := range keys {
		props[k] = map[string]any{"type": "string"}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	b, _ := json.Marshal(doc)
	return plugin.ToolDefinition{
		Name:        tc.Name,
		Description: "Tool " + tc.Name + " (definition reconstructed from conversation history).",
		Parameters:  b,
	}
}

// ToolsTokens estimates the prompt cost of tool definitions.
func ToolsTokens(tk tokens.Tokenizer, tools []plugin.ToolDefinition) int {
	total := 0
	for _, t := range tools {
		total += tk.Count(t.Name) + tk.Count(t.Description) + tk.Count(string(t.Parameters))
		total += 10 // per-tool framing
	}
	return total
}
