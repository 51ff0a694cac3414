package modelexec

import (
	"context"
	"fmt"

	"github.com/bitop-dev/modelexec/internal/schema"
	"github.com/bitop-dev/modelexec/plugin"
)

// Client executes canonical requests against the plugin registered for the
// request's model type.
type Client struct {
	Registry *plugin.Registry
	Hook     plugin.Hook
}

// NewClient returns a Client over reg. A nil reg uses the default registry
// and a nil hook logs through slog.
func NewClient(reg *plugin.Registry, hook plugin.Hook) *Client {
	if reg == nil {
		reg = plugin.Default()
	}
	if hook == nil {
		hook = plugin.NewLogHook(nil)
	}
	return &Client{Registry: reg, Hook: hook}
}

func (c *Client) hook() plugin.Hook {
	if c.Hook == nil {
		return plugin.NopHook{}
	}
	return c.Hook
}

func (c *Client) pluginFor(req *plugin.ConversationRequest) (plugin.Plugin, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	reg := c.Registry
	if reg == nil {
		reg = plugin.Default()
	}
	p, ok := reg.Get(req.Model.Type)
	if !ok {
		return nil, &plugin.ConfigurationError{Field: "model.type", Message: fmt.Sprintf("no plugin registered for %q", req.Model.Type)}
	}
	return p, nil
}

// Generate runs one non-streaming call. Upstream and transport failures are
// reported in-band on the result; only configuration errors are returned.
func (c *Client) Generate(ctx context.Context, req *plugin.ConversationRequest) (*plugin.Result, error) {
	p, err := c.pluginFor(req)
	if err != nil {
		return nil, err
	}
	call := plugin.NewCallInfo(p.Name(), req.Model.Model, false)
	return c.generate(ctx, p, call, withStream(req, false))
}

func (c *Client) generate(ctx context.Context, p plugin.Plugin, call plugin.CallInfo, req *plugin.ConversationRequest) (*plugin.Result, error) {
	preq, err := p.BuildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	c.hook().OnRequest(ctx, call, preq.Payload())

	warns := append([]plugin.Warning(nil), preq.Warnings()...)
	exec, err := p.Execute(ctx, preq)
	warns = append(warns, exec.Warnings...)

	var res *plugin.Result
	switch {
	case plugin.IsConfiguration(err):
		return nil, err
	case err != nil:
		res = plugin.FailedResult(plugin.AsError(p.Name(), err))
	case exec.Response == nil:
		res = plugin.FailedResult(&plugin.Error{Provider: p.Name(), Code: "invalid_response", Message: "no response body"})
	default:
		res, err = p.ParseResponse(exec.Response)
		if plugin.IsConfiguration(err) {
			return nil, err
		}
		if err != nil {
			res = plugin.FailedResult(plugin.AsError(p.Name(), err))
		}
	}
	c.complete(ctx, call, req, res, warns)
	return res, nil
}

// complete attaches warnings, checks tool-call arguments and notifies the
// hook. It runs exactly once per call.
func (c *Client) complete(ctx context.Context, call plugin.CallInfo, req *plugin.ConversationRequest, res *plugin.Result, warns []plugin.Warning) {
	res.Warnings = append(warns, res.Warnings...)
	checkArguments(req, res)
	h := c.hook()
	for _, w := range res.Warnings {
		h.OnWarning(ctx, call, w)
	}
	h.OnResult(ctx, call, res)
}

// checkArguments validates tool-call arguments against the caller's own
// tool definitions. Mismatches are reported, never rejected.
func checkArguments(req *plugin.ConversationRequest, res *plugin.Result) {
	if len(res.ToolCalls) == 0 || len(req.Tools) == 0 {
		return
	}
	defs := make(map[string]plugin.ToolDefinition, len(req.Tools))
	for _, t := range req.Tools {
		defs[t.Name] = t
	}
	for _, tc := range res.ToolCalls {
		def, ok := defs[tc.Name]
		if !ok || len(def.Parameters) == 0 {
			continue
		}
		if err := schema.ValidateArguments(def.Parameters, tc.Arguments); err != nil {
			res.Warn(plugin.WarnToolArgumentsInvalid, "%s (%s): %v", tc.Name, tc.ID, err)
		}
	}
}

func withStream(req *plugin.ConversationRequest, stream bool) *plugin.ConversationRequest {
	cp := *req
	cp.Params.Stream = stream
	return &cp
}
