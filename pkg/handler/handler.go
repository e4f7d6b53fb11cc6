// Package handler implements the per-connection protocol handler: read the
// client's preamble, resolve the binding's captured upstream, dial it, and
// either tunnel a CONNECT request or forward an absolute-form HTTP request,
// then relay bytes bidirectionally until either side is done.
//
// State machine: READING_PREAMBLE -> CONNECTING_UPSTREAM ->
// (CONNECT_TUNNEL_HANDSHAKE | HTTP_FORWARD_PREFIX) -> RELAYING -> DONE.
// Every error is terminal; the handler is fail-closed, dropping both
// sockets with no half-open leaks. Nothing here is ever propagated to the
// listener's accept loop — listener.Factory always recovers and keeps
// accepting.
package handler

import (
	"context"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/portproxy/pkg/auth"
	"github.com/go-core-stack/portproxy/pkg/codec"
	"github.com/go-core-stack/portproxy/pkg/proxyerr"
)

// timeoutResponse is the literal 504 template written to the client when
// the upstream dial exceeds DialTimeout.
const timeoutResponse = "HTTP/1.1 504 Gateway Timeout\r\nConnection: close\r\nContent-Length: 27\r\n\r\nConnection timeout occurred."

// relayBufferSize is the per-direction copy buffer size for the
// bidirectional relay.
const relayBufferSize = 32 * 1024

// Config controls optional handler behavior beyond the wire protocol
// itself.
type Config struct {
	// DialTimeout bounds the upstream TCP dial. Zero disables the timeout;
	// spec.md §5 only requires the 504 template when a timeout is
	// configured and exceeded.
	DialTimeout time.Duration
}

// Handler is the connection handler for one binding's accepted
// connections. It is stateless across connections; every Handle call is
// independent.
type Handler struct {
	cfg     Config
	encoder *auth.Encoder
	metrics *Metrics
}

// New constructs a Handler.
func New(cfg Config, metrics *Metrics) *Handler {
	return &Handler{cfg: cfg, encoder: auth.NewEncoder(), metrics: metrics}
}

// Handle services one accepted client connection end-to-end. upstream is
// the value captured by the listener at accept time; it is never
// re-queried, so a concurrent registry.Update never affects a connection
// already in flight.
func (h *Handler) Handle(client net.Conn, upstream string) {
	defer client.Close()

	connID := uuid.New().String()
	logger := log.With().Str("component", "handler").Str("conn_id", connID).
		Str("remote_addr", client.RemoteAddr().String()).Logger()

	if err := h.handle(client, upstream, logger); err != nil {
		logger.Warn().Err(err).Msg("connection terminated")
		h.metrics.connection("error")
		return
	}
	h.metrics.connection("ok")
}

func (h *Handler) handle(client net.Conn, upstream string, logger zerolog.Logger) error {
	ctx := context.Background()

	preamble, err := codec.ReadPreamble(ctx, client)
	if err != nil {
		return err
	}

	req, err := codec.Parse(preamble)
	if err != nil {
		return err
	}

	host, port, userinfo, err := resolveUpstream(upstream)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	upstreamConn, err := h.dial(addr, client)
	if err != nil {
		h.metrics.dialError()
		return err
	}
	defer upstreamConn.Close()

	logger = logger.With().Str("upstream", addr).Str("method", req.Method).Logger()

	if strings.EqualFold(req.Method, "CONNECT") {
		if err := h.tunnel(client, upstreamConn, preamble, userinfo, logger); err != nil {
			return err
		}
	} else {
		if err := h.forward(client, upstreamConn, preamble, req); err != nil {
			return err
		}
	}

	return h.relay(client, upstreamConn, logger)
}

// dial opens the upstream TCP connection, applying the configured dial
// timeout and writing the literal 504 response to the client if it's
// exceeded.
func (h *Handler) dial(addr string, client net.Conn) (net.Conn, error) {
	if h.cfg.DialTimeout <= 0 {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, proxyerr.Wrap(proxyerr.Io, "dial upstream", err)
		}
		return conn, nil
	}

	conn, err := net.DialTimeout("tcp", addr, h.cfg.DialTimeout)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			_, _ = client.Write([]byte(timeoutResponse))
			return nil, proxyerr.Wrap(proxyerr.Io, "dial upstream timed out", err)
		}
		return nil, proxyerr.Wrap(proxyerr.Io, "dial upstream", err)
	}
	return conn, nil
}

// tunnel implements CONNECT_TUNNEL_HANDSHAKE: forward the (optionally
// auth-injected) client preamble to the upstream, relay its response
// preamble back to the client unmodified, and gate on a 2xx status line
// before treating the tunnel as established.
func (h *Handler) tunnel(client, upstreamConn net.Conn, preamble []byte, userinfo *url.Userinfo, logger zerolog.Logger) error {
	outgoing := preamble
	if creds, ok := h.encoder.Credentials(userinfo); ok {
		injected, err := codec.InjectProxyAuth(preamble, creds)
		if err != nil {
			return err
		}
		outgoing = injected
	}

	if _, err := upstreamConn.Write(outgoing); err != nil {
		return proxyerr.Wrap(proxyerr.Io, "write CONNECT preamble upstream", err)
	}

	ctx := context.Background()
	respPreamble, err := codec.ReadPreamble(ctx, upstreamConn)
	if err != nil {
		return proxyerr.Wrap(proxyerr.UpstreamClosed, "read CONNECT response preamble", err)
	}

	if _, err := client.Write(respPreamble); err != nil {
		return proxyerr.Wrap(proxyerr.Io, "write CONNECT response to client", err)
	}

	if !isSuccessfulConnectStatus(respPreamble) {
		return proxyerr.New(proxyerr.UpstreamClosed, "upstream refused CONNECT tunnel")
	}

	logger.Debug().Msg("CONNECT tunnel established")
	return nil
}

// forward implements HTTP_FORWARD_PREFIX: rewrite headers for hygiene,
// write the request to the upstream, and relay any declared request body
// before the bidirectional phase begins.
func (h *Handler) forward(client, upstreamConn net.Conn, preamble []byte, req *codec.Preamble) error {
	adjusted, err := codec.AdjustForwardHeaders(preamble)
	if err != nil {
		return err
	}

	if _, err := upstreamConn.Write(adjusted); err != nil {
		return proxyerr.Wrap(proxyerr.Io, "write forward preamble upstream", err)
	}

	if n, ok := contentLength(req); ok && n > 0 {
		if _, err := io.CopyN(upstreamConn, client, n); err != nil {
			return proxyerr.Wrap(proxyerr.Io, "forward request body", err)
		}
	}

	return nil
}

// relay is the RELAYING state: copy bytes client<->upstream concurrently,
// one goroutine per direction. When a direction reaches EOF or errors, the
// write side of its destination is half-closed (TCP connections only); relay
// returns once both directions have finished, and Handle then closes both.
func (h *Handler) relay(client, upstreamConn net.Conn, logger zerolog.Logger) error {
	done := make(chan struct{}, 2)

	go func() {
		n, _ := io.CopyBuffer(upstreamConn, client, make([]byte, relayBufferSize))
		h.metrics.relayed("client_to_upstream", n)
		closeWrite(upstreamConn)
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.CopyBuffer(client, upstreamConn, make([]byte, relayBufferSize))
		h.metrics.relayed("upstream_to_client", n)
		closeWrite(client)
		done <- struct{}{}
	}()

	<-done
	<-done
	logger.Debug().Msg("relay finished")
	return nil
}

func closeWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// resolveUpstream parses the binding's upstream URL, applying the
// scheme-specific default ports spec.md §4.2 requires (80 for http, 443
// for https).
func resolveUpstream(raw string) (host string, port int, userinfo *url.Userinfo, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return "", 0, nil, proxyerr.Wrap(proxyerr.BadUpstream, "parse upstream URL", parseErr)
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, nil, proxyerr.New(proxyerr.BadUpstream, "upstream URL missing host")
	}

	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, nil, proxyerr.Wrap(proxyerr.BadUpstream, "invalid upstream port", err)
		}
	} else {
		switch u.Scheme {
		case "https":
			port = 443
		default:
			port = 80
		}
	}

	return host, port, u.User, nil
}

// contentLength extracts a decodable non-negative Content-Length header
// value, if present.
func contentLength(req *codec.Preamble) (int64, bool) {
	for _, h := range req.Headers {
		if !strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// isSuccessfulConnectStatus reports whether a response preamble's status
// line begins with "HTTP/1.0 " or "HTTP/1.1 " followed by a 2xx code.
func isSuccessfulConnectStatus(preamble []byte) bool {
	line := preamble
	if idx := strings.IndexByte(string(preamble), '\r'); idx >= 0 {
		line = preamble[:idx]
	}
	s := string(line)
	if !strings.HasPrefix(s, "HTTP/1.0 ") && !strings.HasPrefix(s, "HTTP/1.1 ") {
		return false
	}
	fields := strings.SplitN(s, " ", 3)
	if len(fields) < 2 || len(fields[1]) != 3 {
		return false
	}
	return fields[1][0] == '2'
}
