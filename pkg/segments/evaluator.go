// Package segments decides which customers belong to a journey.
package segments

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dukex/journeys/pkg/models"
)

var (
	ErrEmptyExpression = errors.New("empty expression")
	ErrNotBoolean      = errors.New("expression did not evaluate to a boolean")
)

// Evaluator compiles boolean expr-lang expressions once and caches them.
// It is safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Compile checks that expression is valid without evaluating it.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)

	return err
}

// Bool evaluates expression against env. Unknown variables evaluate to nil.
func (e *Evaluator) Bool(expression string, env map[string]any) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q: %w", expression, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrNotBoolean, expression, out)
	}

	return result, nil
}

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, ErrEmptyExpression
	}

	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()

	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	e.cache[expression] = prg

	return prg, nil
}

// CustomerEnv is the environment expressions see for a customer. The event is
// nil outside of event handling.
func CustomerEnv(customer *models.Customer, event *models.CustomerEvent) map[string]any {
	attributes := customer.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}

	env := map[string]any{
		"id":         customer.ID,
		"email":      customer.Email,
		"phone":      customer.Phone,
		"attributes": attributes,
		"event":      nil,
	}

	if event != nil {
		payload := event.Payload
		if payload == nil {
			payload = map[string]any{}
		}

		env["event"] = map[string]any{
			"name":      event.Name,
			"payload":   payload,
			"timestamp": event.Timestamp,
		}
	}

	return env
}
