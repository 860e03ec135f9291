package engine

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

var listType = reflect.TypeOf([]interface{}{})

// Evaluator evaluates CEL expressions used by splitter branch enumeration
// and entity-movement guards. Compiled programs are cached; expressions live
// in saved graphs so the hit rate is effectively total after warmup.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// EvaluateBool evaluates a guard expression against input and output.
func (e *Evaluator) EvaluateBool(expr string, input, output interface{}) (bool, error) {
	out, err := e.eval(expr, input, output)
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

// EvaluateList evaluates a branch expression expected to yield a list.
func (e *Evaluator) EvaluateList(expr string, input, output interface{}) ([]interface{}, error) {
	out, err := e.eval(expr, input, output)
	if err != nil {
		return nil, err
	}
	native, err := out.ConvertToNative(listType)
	if err != nil {
		return nil, fmt.Errorf("CEL expression did not return a list: %w", err)
	}
	return native.([]interface{}), nil
}

func (e *Evaluator) eval(expr string, input, output interface{}) (ref.Val, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(expr)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input":  input,
		"output": output,
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}
	return out, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("output", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
