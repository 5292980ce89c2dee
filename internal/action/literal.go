package action

import (
	"context"
	"fmt"
)

// Literal emits fixed payloads. It is the smallest useful source action and
// the workhorse of pipeline tests.
//
//	procedure: literal
//	with:
//	  outputs:
//	    greeting: "hello"
type Literal struct {
	Outputs map[string]string
}

// NewLiteral builds a Literal from its parameters.
func NewLiteral(with map[string]any) (Procedure, error) {
	outputs, err := stringMapParam(with, "outputs")
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("parameter %q must name at least one output", "outputs")
	}
	return &Literal{Outputs: outputs}, nil
}

func (l *Literal) Execute(ctx context.Context, _ map[string][]byte) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(l.Outputs))
	for name, text := range l.Outputs {
		out[name] = []byte(text)
	}
	return out, nil
}
