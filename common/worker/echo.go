package worker

import "context"

// Echo reflects its input back. With a single input key it adds an
// "echoed" field carrying that value; otherwise it echoes the whole input
// map. Reference sync worker for examples and tests.
type Echo struct{}

// NewEcho creates an echo worker.
func NewEcho() *Echo { return &Echo{} }

func (Echo) Kind() string { return "echo" }
func (Echo) Mode() Mode   { return ModeSync }

func (Echo) Execute(ctx context.Context, req *Request) (interface{}, error) {
	out := make(map[string]interface{}, len(req.Input)+1)
	for k, v := range req.Input {
		out[k] = v
	}
	if len(req.Input) == 1 {
		for _, v := range req.Input {
			out["echoed"] = v
		}
	} else {
		echoed := make(map[string]interface{}, len(req.Input))
		for k, v := range req.Input {
			echoed[k] = v
		}
		out["echoed"] = echoed
	}
	return out, nil
}
