// Package listener owns the per-binding TCP accept loop: bind a socket for
// one port, accept connections, snapshot the binding's current upstream
// once per accept, and hand the connection off to a handler. Shutdown is
// cooperative — the accept loop races Accept() against the binding's
// context being canceled, and the first to complete wins.
package listener

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/portproxy/pkg/proxyerr"
	"github.com/go-core-stack/portproxy/pkg/registry"
)

// Handler services one accepted connection given the upstream value
// captured at accept time. It must not block the accept loop: Factory
// spawns one goroutine per connection and Handle runs inside that
// goroutine, not the accept loop itself.
type Handler interface {
	Handle(conn net.Conn, upstream string)
}

// Factory binds and runs one listener per registry.Create call. BindHost
// controls which local address each per-port listener is bound to;
// loopback-only is the documented default (see SPEC_FULL.md's Listener
// section), matching operators who front this proxy with another layer
// rather than expose bindings directly.
type Factory struct {
	BindHost string
	Handler  Handler
}

// defaultBindHost is used when Factory.BindHost is empty.
const defaultBindHost = "127.0.0.1"

// Spawn implements registry.ListenerSpawner: it binds synchronously (so
// Create can fail fast with BindFailed) and then runs the accept loop in
// its own goroutine.
func (f *Factory) Spawn(ctx context.Context, port uint16, upstream *registry.UpstreamCell) error {
	host := f.BindHost
	if host == "" {
		host = defaultBindHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return proxyerr.Wrap(proxyerr.BindFailed, fmt.Sprintf("listen on %s", addr), err)
	}

	go f.acceptLoop(ctx, ln, port, upstream)
	return nil
}

func (f *Factory) acceptLoop(ctx context.Context, ln net.Listener, port uint16, upstream *registry.UpstreamCell) {
	logger := log.With().Str("component", "listener").Uint16("port", port).Logger()

	go func() {
		<-ctx.Done()
		if err := ln.Close(); err != nil {
			logger.Debug().Err(err).Msg("listener close after shutdown signal")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info().Msg("listener stopped")
				return
			default:
				logger.Warn().Err(err).Msg("accept failed, continuing")
				continue
			}
		}

		// The upstream snapshot is taken here, once, under the cell's own
		// lock, and handed to the handler by value: a later Update is never
		// observed by a connection already in flight.
		upstreamSnapshot := upstream.Snapshot()
		go f.Handler.Handle(conn, upstreamSnapshot)
	}
}
