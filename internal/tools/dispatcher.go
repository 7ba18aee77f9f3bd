// Package tools routes capability calls requested by the remote assistant to
// registered local functions.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/policy"
)

const DefaultTimeout = 5 * time.Second

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidTool   = errors.New("tool name and function are required")
	ErrMissingArg    = errors.New("missing argument")
)

type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Spec is the schema advertised to the assistant.
type Spec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  []Param `json:"parameters,omitempty"`
}

// Args are the decoded JSON parameters of a call.
type Args map[string]any

func (a Args) Float(name string) (float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingArg, name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("argument %s: %q is not a number", name, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("argument %s: unsupported type %T", name, v)
	}
}

func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingArg, name)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

type Func func(ctx context.Context, args Args) (string, error)

type Call struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args Args   `json:"args,omitempty"`
}

// Result is always a string payload; failures set IsError and carry the
// message in Output.
type Result struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

type entry struct {
	spec Spec
	fn   Func
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
	timeout time.Duration
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(timeout time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		entries: make(map[string]entry),
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

func (d *Dispatcher) Register(spec Spec, fn Func) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" || fn == nil {
		return ErrInvalidTool
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	d.entries[spec.Name] = entry{spec: spec, fn: fn}
	d.order = append(d.order, spec.Name)
	return nil
}

// Specs lists registered tools in registration order.
func (d *Dispatcher) Specs() []Spec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Spec, 0, len(d.order))
	for _, name := range d.order {
		spec := d.entries[name].spec
		spec.Parameters = append([]Param(nil), spec.Parameters...)
		out = append(out, spec)
	}
	return out
}

type outcome struct {
	output string
	err    error
}

// Dispatch never panics and never returns a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result {
	started := time.Now()
	res := Result{CallID: call.ID, Name: call.Name}

	d.mu.RLock()
	e, ok := d.entries[call.Name]
	d.mu.RUnlock()

	status := "ok"
	if !ok {
		status = "unknown"
		res.IsError = true
		res.Output = fmt.Sprintf("unknown tool %q", call.Name)
	} else {
		out := d.run(ctx, e.fn, call)
		switch {
		case errors.Is(out.err, context.DeadlineExceeded):
			status = "timeout"
			res.IsError = true
			res.Output = fmt.Sprintf("tool %s timed out", call.Name)
		case out.err != nil:
			status = "error"
			res.IsError = true
			res.Output = out.err.Error()
		default:
			res.Output = out.output
		}
	}

	elapsed := time.Since(started)
	d.metrics.ObserveToolCall(call.Name, status, elapsed)
	ev := d.logger.Info()
	if res.IsError {
		ev = d.logger.Warn()
	}
	ev.Str("tool", call.Name).
		Str("call_id", call.ID).
		Str("args", policy.DescribeArgs(call.Args)).
		Str("outcome", status).
		Dur("elapsed", elapsed).
		Msg("tool dispatched")
	return res
}

func (d *Dispatcher) run(ctx context.Context, fn Func, call Call) outcome {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s failed: %v", call.Name, r)}
			}
		}()
		args := call.Args
		if args == nil {
			args = Args{}
		}
		output, err := fn(ctx, args)
		done <- outcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcome{err: context.DeadlineExceeded}
		}
		return outcome{err: fmt.Errorf("tool %s cancelled", call.Name)}
	}
}
