package modelexec

import (
	"context"

	"github.com/bitop-dev/modelexec/plugin"
)

// DeltaStream yields canonical deltas in backend order. The last delta is
// always the terminal one; Result is available after it has been read.
type DeltaStream struct {
	ctx    context.Context
	client *Client
	p      plugin.Plugin
	call   plugin.CallInfo
	req    *plugin.ConversationRequest
	warns  []plugin.Warning

	raw   plugin.RawStream
	st    *plugin.StreamState
	queue []plugin.StreamDelta
	cur   plugin.StreamDelta

	pending *plugin.Result
	result  *plugin.Result
}

// Stream starts a streaming call. Models whose capability does not include
// streaming are executed once and their result is replayed as deltas.
func (c *Client) Stream(ctx context.Context, req *plugin.ConversationRequest) (*DeltaStream, error) {
	p, err := c.pluginFor(req)
	if err != nil {
		return nil, err
	}
	call := plugin.NewCallInfo(p.Name(), req.Model.Model, true)
	s := &DeltaStream{ctx: ctx, client: c, p: p, call: call, st: plugin.NewStreamState()}

	if !req.Model.SupportsStreaming {
		s.req = withStream(req, false)
		res, err := c.generate(ctx, p, call, s.req)
		if err != nil {
			return nil, err
		}
		s.replay(res)
		return s, nil
	}

	s.req = withStream(req, true)
	preq, err := p.BuildRequest(ctx, s.req)
	if err != nil {
		return nil, err
	}
	c.hook().OnRequest(ctx, call, preq.Payload())
	s.warns = append(s.warns, preq.Warnings()...)

	exec, err := p.Execute(ctx, preq)
	s.warns = append(s.warns, exec.Warnings...)
	switch {
	case plugin.IsConfiguration(err):
		return nil, err
	case err != nil:
		s.queue = s.st.Fail(plugin.AsError(p.Name(), err))
	case exec.Stream != nil:
		s.raw = exec.Stream
	case exec.Response != nil:
		// The backend answered in one piece.
		res, perr := p.ParseResponse(exec.Response)
		if plugin.IsConfiguration(perr) {
			return nil, perr
		}
		if perr != nil {
			res = plugin.FailedResult(plugin.AsError(p.Name(), perr))
		}
		c.complete(ctx, call, s.req, res, s.warns)
		s.replay(res)
	default:
		s.queue = s.st.Fail(&plugin.Error{Provider: p.Name(), Code: "invalid_response", Message: "no stream or response"})
	}
	return s, nil
}

// replay turns a finished result into the delta sequence a live stream
// would have produced.
func (s *DeltaStream) replay(res *plugin.Result) {
	s.pending = res
	s.queue = append(s.queue, plugin.StreamDelta{Kind: plugin.DeltaRole, Role: plugin.RoleAssistant})
	if res.Text != "" {
		s.queue = append(s.queue, plugin.StreamDelta{Kind: plugin.DeltaContent, Text: res.Text})
	}
	for i, tc := range res.ToolCalls {
		s.queue = append(s.queue, plugin.StreamDelta{
			Kind: plugin.DeltaToolCall,
			ToolCall: plugin.ToolCallDelta{
				Index:             i,
				ID:                tc.ID,
				NameFragment:      tc.Name,
				ArgumentsFragment: plugin.EncodeArguments(tc.Arguments),
			},
		})
	}
	s.queue = append(s.queue, plugin.StreamDelta{
		Kind:         plugin.DeltaTerminal,
		FinishReason: res.FinishReason,
		Usage:        res.Usage,
		Failure:      res.Failure,
	})
}

func (s *DeltaStream) Next() bool {
	if s == nil {
		return false
	}
	for {
		if len(s.queue) > 0 {
			s.cur = s.queue[0]
			s.queue = s.queue[1:]
			if s.cur.Kind == plugin.DeltaTerminal && s.result == nil {
				if s.pending != nil {
					s.result = s.pending
				} else {
					s.result = s.st.Result()
					s.client.complete(s.ctx, s.call, s.req, s.result, s.warns)
				}
			}
			return true
		}
		if s.raw == nil || s.st.Done() {
			s.closeRaw()
			return false
		}

		if !s.raw.Next() {
			if err := s.raw.Err(); err != nil {
				s.queue = append(s.queue, s.st.Fail(plugin.NetworkError(s.p.Name(), err))...)
			} else {
				// Some backends end the body without a terminal event.
				s.queue = append(s.queue, s.st.Finish("")...)
			}
			s.closeRaw()
			continue
		}

		ds, err := s.p.ProcessStreamEvent(s.raw.Event(), s.st)
		if err != nil {
			ds = append(ds, s.st.Fail(plugin.AsError(s.p.Name(), err))...)
		}
		s.queue = append(s.queue, ds...)
		if s.st.Done() {
			s.closeRaw()
		}
	}
}

func (s *DeltaStream) Delta() plugin.StreamDelta {
	if s == nil {
		return plugin.StreamDelta{}
	}
	return s.cur
}

// Result returns the aggregated result once the terminal delta has been
// read, and nil before that.
func (s *DeltaStream) Result() *plugin.Result {
	if s == nil {
		return nil
	}
	return s.result
}

func (s *DeltaStream) Close() error {
	if s == nil {
		return nil
	}
	return s.closeRaw()
}

func (s *DeltaStream) closeRaw() error {
	if s.raw == nil {
		return nil
	}
	err := s.raw.Close()
	s.raw = nil
	return err
}
