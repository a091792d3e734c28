package pipeline

import (
	"context"

	"github.com/rmarchant/webextract/internal/extract"
	"github.com/rmarchant/webextract/internal/render"
)

// Hooks are ordered observer callables invoked synchronously at defined
// extension points. Register them before running a pipeline; they must
// not be mutated once runs are in flight.
type Hooks struct {
	BeforeRender  []func(ctx context.Context, req *Request)
	AfterRender   []func(ctx context.Context, page *render.Page)
	BeforeExtract []func(ctx context.Context, req *extract.Request)
	AfterExtract  []func(ctx context.Context, res *extract.Result)
	OnError       []func(ctx context.Context, err *Error)
}

func (h *Hooks) beforeRender(ctx context.Context, req *Request) {
	if h == nil {
		return
	}
	for _, fn := range h.BeforeRender {
		fn(ctx, req)
	}
}

func (h *Hooks) afterRender(ctx context.Context, page *render.Page) {
	if h == nil {
		return
	}
	for _, fn := range h.AfterRender {
		fn(ctx, page)
	}
}

func (h *Hooks) beforeExtract(ctx context.Context, req *extract.Request) {
	if h == nil {
		return
	}
	for _, fn := range h.BeforeExtract {
		fn(ctx, req)
	}
}

func (h *Hooks) afterExtract(ctx context.Context, res *extract.Result) {
	if h == nil {
		return
	}
	for _, fn := range h.AfterExtract {
		fn(ctx, res)
	}
}

func (h *Hooks) onError(ctx context.Context, err *Error) {
	if h == nil {
		return
	}
	for _, fn := range h.OnError {
		fn(ctx, err)
	}
}
