package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Evaluator wraps JMESPath expression evaluation with a compile cache. It is
// safe for concurrent use.
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Evaluate evaluates a JMESPath expression against data
func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}

	return result, nil
}

// EvaluateString evaluates an expression and returns the result as a string
func (e *Evaluator) EvaluateString(expression string, data any) (string, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return "", err
	}

	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// EvaluateInt64 evaluates an expression that must yield an integral number.
// Integral strings are accepted; nil yields ok=false.
func (e *Evaluator) EvaluateInt64(expression string, data any) (int64, bool, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return 0, false, err
	}
	if result == nil {
		return 0, false, nil
	}
	n, err := ToInt64(result)
	if err != nil {
		return 0, false, fmt.Errorf("expression %q: %w", expression, err)
	}
	return n, true, nil
}

// EvaluateSlice evaluates an expression and returns the result as a slice
func (e *Evaluator) EvaluateSlice(expression string, data any) ([]any, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return nil, err
	}

	switch v := result.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return nil, fmt.Errorf("expression %q yielded %T, not a list", expression, result)
	}
}

// EvaluateMap evaluates an expression and returns the result as a map
func (e *Evaluator) EvaluateMap(expression string, data any) (map[string]any, error) {
	result, err := e.Evaluate(expression, data)
	if err != nil {
		return nil, err
	}

	switch v := result.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to map", result)
	}
}

// Validate checks if an expression is valid
func (e *Evaluator) Validate(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *Evaluator) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	if compiled, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()

	return compiled, nil
}

// ToInt64 converts a decoded JSON number (or numeric string) to int64,
// rejecting fractions.
func ToInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		// 2^63 is the first float64 past math.MaxInt64
		if n >= 1<<63 || n < -1<<63 {
			return 0, fmt.Errorf("%v is out of the int64 range", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

// ToFloat64 converts a decoded JSON number (or numeric string) to float64.
func ToFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

// ToBool converts a decoded JSON boolean (or "true"/"false") to bool.
func ToBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", b)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", v)
	}
}
