package minion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"warden/internal/task"
)

const celCacheSize = 256

var structValueType = reflect.TypeOf(&structpb.Value{})

// celPayload is the record value a "cel" task carries.
type celPayload struct {
	Expr  string          `json:"expr"`
	Input json.RawMessage `json:"input"`
}

// CELHandler evaluates a CEL expression against the payload's input. The
// expression sees the input as the dynamic variable `input`; the result is
// returned as JSON.
type CELHandler struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

func NewCELHandler() *CELHandler {
	env, err := cel.NewEnv(cel.Variable("input", cel.DynType))
	if err != nil {
		// Static declarations only; this cannot fail at runtime.
		panic(fmt.Sprintf("cel env: %v", err))
	}
	return &CELHandler{env: env, programs: map[string]cel.Program{}}
}

func (h *CELHandler) Handle(ctx context.Context, t task.Task) (json.RawMessage, error) {
	var p celPayload
	if err := json.Unmarshal(t.Payload.Value, &p); err != nil {
		return nil, NoRetry(fmt.Errorf("cel payload: %w", err))
	}
	if strings.TrimSpace(p.Expr) == "" {
		return nil, NoRetry(errors.New("cel payload: expr is required"))
	}
	prg, err := h.program(p.Expr)
	if err != nil {
		return nil, NoRetry(err)
	}

	var input any
	if len(p.Input) > 0 {
		in := &structpb.Value{}
		if err := protojson.Unmarshal(p.Input, in); err != nil {
			return nil, NoRetry(fmt.Errorf("cel input: %w", err))
		}
		input = in.AsInterface()
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{"input": input})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Evaluation is deterministic; a retry would fail the same way.
		return nil, NoRetry(fmt.Errorf("cel eval: %w", err))
	}
	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return nil, NoRetry(fmt.Errorf("cel result %s is not JSON: %w", out.Type().TypeName(), err))
	}
	b, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (h *CELHandler) program(expr string) (cel.Program, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prg, ok := h.programs[expr]; ok {
		return prg, nil
	}
	ast, iss := h.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", iss.Err())
	}
	prg, err := h.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	if len(h.programs) >= celCacheSize {
		h.programs = map[string]cel.Program{}
	}
	h.programs[expr] = prg
	return prg, nil
}
