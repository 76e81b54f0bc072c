package syncengine

import (
	"context"
)

// Request asks the engine to sync now. Reply, if non-nil, receives exactly
// one Response and should be buffered.
type Request struct {
	Force bool
	Reply chan<- Response
}

// Response is the message-channel view of a cycle.
type Response struct {
	Success    bool   `json:"success"`
	Uploaded   int    `json:"uploaded"`
	Downloaded int    `json:"downloaded"`
	Error      string `json:"error,omitempty"`
}

// NewResponse converts a cycle outcome.
func NewResponse(res Result, err error) Response {
	r := Response{
		Success:    err == nil,
		Uploaded:   res.Uploaded,
		Downloaded: res.Downloaded,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// PerformSync runs a manual cycle and reports it as a Response. Manual
// cycles are forced past an open breaker.
func (e *Engine) PerformSync(ctx context.Context) Response {
	return NewResponse(e.Sync(ctx, SyncOptions{Force: true}))
}

// Listen serves sync requests until reqs is closed (returns nil) or ctx is
// done (returns ctx.Err()). Requests are handled one at a time.
func (e *Engine) Listen(ctx context.Context, reqs <-chan Request) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-reqs:
			if !ok {
				return nil
			}
			resp := NewResponse(e.Sync(ctx, SyncOptions{Force: req.Force}))
			if req.Reply == nil {
				continue
			}
			select {
			case req.Reply <- resp:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
