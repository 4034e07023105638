package evaluator

import "context"

// Result is the structured evaluation returned for one drawing.
type Result struct {
	Score    int      `json:"score"`
	Feedback []string `json:"feedback"`
}

// Normalized returns a copy whose Feedback is never nil, so the result
// always serializes as a JSON array.
func (r Result) Normalized() Result {
	feedback := make([]string, len(r.Feedback))
	copy(feedback, r.Feedback)
	return Result{Score: r.Score, Feedback: feedback}
}

// Evaluator scores an uploaded drawing. Implementations talk to an external
// model service; they must honour ctx where their transport allows it.
type Evaluator interface {
	Evaluate(ctx context.Context, image []byte) (*Result, error)
}

// Func adapts a plain function to the Evaluator interface.
type Func func(ctx context.Context, image []byte) (*Result, error)

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, image []byte) (*Result, error) {
	return f(ctx, image)
}
