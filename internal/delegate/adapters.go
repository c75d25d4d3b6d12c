package delegate

import (
	"context"
	"sync/atomic"
)

// Func adapts a plain function to Behavior.
type Func struct {
	Cat Category
	Run func(ctx context.Context, req Request) (Result, error)
}

func (f Func) Category() Category {
	if f.Cat == "" {
		return CategoryGeneric
	}
	return f.Cat
}

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f.Run(ctx, req)
}

// Faulty wraps a behaviour and fails its first Failures calls with Err.
// A negative Failures fails every call.
type Faulty struct {
	inner    Behavior
	err      error
	failures int64
	calls    atomic.Int64
}

// NewFaulty returns a behaviour that fails the first failures calls.
func NewFaulty(inner Behavior, err error, failures int) *Faulty {
	return &Faulty{inner: inner, err: err, failures: int64(failures)}
}

func (f *Faulty) Category() Category { return f.inner.Category() }

func (f *Faulty) Execute(ctx context.Context, req Request) (Result, error) {
	n := f.calls.Add(1)
	if f.failures < 0 || n <= f.failures {
		return Result{}, f.err
	}
	return f.inner.Execute(ctx, req)
}

// Calls returns how many times Execute has been invoked.
func (f *Faulty) Calls() int { return int(f.calls.Load()) }
