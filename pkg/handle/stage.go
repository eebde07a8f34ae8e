package handle

import (
	"context"

	"github.com/ajitpratap0/txpool/pkg/errors"
	"github.com/ajitpratap0/txpool/pkg/resource"
)

// Request is one request for a handle
type Request struct {
	Credentials *resource.Credentials
	Descriptor  resource.RequestDescriptor
	// Shareable requests may share an entry inside a transaction
	Shareable bool
	// Prior is the handle the caller already holds, if any
	Prior *Handle
}

// Next invokes the rest of the chain
type Next func(ctx context.Context, req *Request) (*Handle, error)

// Stage is one step of the dispenser chain. A stage either produces the
// handle itself or delegates to next, possibly wrapping the call.
type Stage interface {
	Process(ctx context.Context, req *Request, next Next) (*Handle, error)
}

// StageFunc adapts a function to Stage
type StageFunc func(ctx context.Context, req *Request, next Next) (*Handle, error)

// Process implements Stage
func (f StageFunc) Process(ctx context.Context, req *Request, next Next) (*Handle, error) {
	return f(ctx, req, next)
}

// Builder assembles a Dispenser
type Builder struct {
	stages []Stage
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Use appends stages; they run in the order they were added
func (b *Builder) Use(stages ...Stage) *Builder {
	b.stages = append(b.stages, stages...)
	return b
}

// Build links the stages in front of terminal, which must produce the
// handle without delegating further
func (b *Builder) Build(terminal Stage) *Dispenser {
	next := Next(func(ctx context.Context, req *Request) (*Handle, error) {
		return terminal.Process(ctx, req, endOfChain)
	})
	for i := len(b.stages) - 1; i >= 0; i-- {
		stage, inner := b.stages[i], next
		next = func(ctx context.Context, req *Request) (*Handle, error) {
			return stage.Process(ctx, req, inner)
		}
	}
	return &Dispenser{chain: next, stages: len(b.stages) + 1}
}

func endOfChain(context.Context, *Request) (*Handle, error) {
	return nil, errors.New(errors.ErrorTypeInternal, "handle chain has no terminal stage")
}

// Dispenser hands out handles through a fixed stage chain
type Dispenser struct {
	chain  Next
	stages int
}

// Get runs req through the chain
func (d *Dispenser) Get(ctx context.Context, req Request) (*Handle, error) {
	return d.chain(ctx, &req)
}

// Stages returns the length of the chain, terminal included
func (d *Dispenser) Stages() int { return d.stages }
