// Package expr evaluates guard, items and template expressions with an
// embedded JavaScript runtime.
package expr

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/petrijr/conduit/pkg/api"
)

// ErrTimeout is returned when an expression runs longer than the limit.
var ErrTimeout = errors.New("expression timed out")

var templatePattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Evaluator implements api.Evaluator on top of goja. A fresh runtime is used
// for every evaluation, so an Evaluator is safe for concurrent use.
type Evaluator struct {
	timeout time.Duration
}

var _ api.Evaluator = (*Evaluator)(nil)

// New returns an Evaluator that interrupts expressions after timeout.
// A timeout <= 0 defaults to one second.
func New(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Evaluator{timeout: timeout}
}

func (e *Evaluator) run(expr string, vars map[string]any) (goja.Value, error) {
	vm := goja.New()
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("set %q: %w", k, err)
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	val, err := vm.RunString("(" + expr + ")")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, expr)
		}
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return val, nil
}

// Test evaluates expr as a boolean using JavaScript truthiness.
func (e *Evaluator) Test(expr string, vars map[string]any) (bool, error) {
	val, err := e.run(expr, vars)
	if err != nil {
		return false, err
	}
	return val.ToBoolean(), nil
}

// Items evaluates expr and requires a list result.
func (e *Evaluator) Items(expr string, vars map[string]any) ([]any, error) {
	val, err := e.run(expr, vars)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, fmt.Errorf("items %q evaluated to %s", expr, val.String())
	}
	exported := val.Export()
	if list, ok := exported.([]any); ok {
		return list, nil
	}
	rv := reflect.ValueOf(exported)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("items %q evaluated to %T, not a list", expr, exported)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// Render replaces every {{ expression }} of tpl with its string value.
func (e *Evaluator) Render(tpl string, vars map[string]any) (string, error) {
	if !strings.Contains(tpl, "{{") {
		return tpl, nil
	}
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(tpl, func(m string) string {
		if firstErr != nil {
			return m
		}
		sub := templatePattern.FindStringSubmatch(m)
		val, err := e.run(sub[1], vars)
		if err != nil {
			firstErr = err
			return m
		}
		if goja.IsUndefined(val) || goja.IsNull(val) {
			return ""
		}
		return val.String()
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
