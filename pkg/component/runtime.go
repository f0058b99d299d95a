package component

import (
	"context"
)

// Runtime compiles component artifacts. The actual engine (compilation,
// linking, WASI hostcalls) lives behind this interface.
type Runtime interface {
	// Compile prepares the artifact bytes for instantiation
	Compile(ctx context.Context, wasm []byte) (Component, error)
}

// Component is a compiled component able to serve its exports
type Component interface {
	// Serve starts serving inbound export invocations through the
	// handler, yielding one Invocation per call until ctx is cancelled
	Serve(ctx context.Context, h *Handler) (<-chan Invocation, error)
}

// Invocation is a single inbound export call ready to run
type Invocation interface {
	// Operation names the invoked export
	Operation() string
	// Handle runs the invocation to completion
	Handle(ctx context.Context) error
}
