package worker

import (
	"context"
	"time"
)

// Delay sleeps for config.durationMs then echoes its input. Useful for
// exercising timeouts and fan-out timing in development.
type Delay struct{}

// NewDelay creates a delay worker.
func NewDelay() *Delay { return &Delay{} }

func (Delay) Kind() string { return "delay" }
func (Delay) Mode() Mode   { return ModeSync }

func (Delay) Execute(ctx context.Context, req *Request) (interface{}, error) {
	ms := 100.0
	if v, ok := req.Config["durationMs"].(float64); ok && v >= 0 {
		ms = v
	}

	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := make(map[string]interface{}, len(req.Input)+1)
	for k, v := range req.Input {
		out[k] = v
	}
	out["delayedMs"] = ms
	return out, nil
}
