// Package runtime adapts a WebAssembly execution engine to the component
// supervisor. The bus transport for export invocations lives here, the
// engine itself (compilation, linking, WASI hostcalls) is plugged in
// through the Executor interface.
package runtime

import (
	"bytes"
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/component"
	"github.com/wasmcloud/lattice/pkg/log"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Executor runs a single export invocation of a compiled module
type Executor interface {
	// Execute runs the named export with the request payload and returns
	// the response payload
	Execute(ctx context.Context, wasm []byte, operation string, payload []byte) ([]byte, error)
}

// Runtime serves component exports over the bus and delegates execution to
// an engine
type Runtime struct {
	bus    *bus.Client
	exec   Executor
	logger zerolog.Logger
}

// New creates a bus-served runtime. A nil executor rejects every
// invocation, used on hosts that only run providers.
func New(b *bus.Client, exec Executor) *Runtime {
	return &Runtime{
		bus:    b,
		exec:   exec,
		logger: log.WithComponent("runtime"),
	}
}

// Compile validates the artifact and prepares it for serving
func (r *Runtime) Compile(_ context.Context, wasm []byte) (component.Component, error) {
	if len(wasm) < 8 || !bytes.Equal(wasm[:4], wasmMagic) {
		return nil, fmt.Errorf("artifact is not a WebAssembly module")
	}
	return &compiled{rt: r, wasm: wasm}, nil
}

type compiled struct {
	rt   *Runtime
	wasm []byte
}

// Serve subscribes to the instance's RPC prefix and yields one invocation
// per inbound request until ctx is cancelled
func (c *compiled) Serve(ctx context.Context, h *component.Handler) (<-chan component.Invocation, error) {
	msgs, cancel, err := c.rt.bus.Subscribe(h.RPCPrefix + ".>")
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to component exports: %w", err)
	}

	out := make(chan component.Invocation)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				inv := &invocation{c: c, msg: msg, operation: msg.Subject[len(h.RPCPrefix)+1:]}
				select {
				case out <- inv:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type invocation struct {
	c         *compiled
	msg       *nats.Msg
	operation string
}

func (i *invocation) Operation() string {
	return i.operation
}

// Handle executes the export and replies with the result
func (i *invocation) Handle(ctx context.Context) error {
	ctx = bus.ExtractContext(ctx, i.msg)
	if i.c.rt.exec == nil {
		err := fmt.Errorf("no execution engine configured for %s", i.operation)
		i.reply(ctx, nil)
		return err
	}
	result, err := i.c.rt.exec.Execute(ctx, i.c.wasm, i.operation, i.msg.Data)
	if err != nil {
		i.reply(ctx, nil)
		return err
	}
	i.reply(ctx, result)
	return nil
}

func (i *invocation) reply(ctx context.Context, payload []byte) {
	if i.msg.Reply == "" {
		return
	}
	if err := i.c.rt.bus.PublishReply(ctx, i.msg.Reply, payload); err != nil {
		i.c.rt.logger.Warn().Err(err).Str("operation", i.operation).Msg("failed to reply to invocation")
	}
}
