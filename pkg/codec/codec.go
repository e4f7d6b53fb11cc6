// Package codec implements the wire-level transformations the proxy needs
// on HTTP/1.x request preambles: bounded reading up to the terminal blank
// line, strict parsing, and the two rewrites (header hygiene for forward
// mode, Basic-auth injection for tunnel mode) the connection handler
// applies before relaying bytes upstream.
//
// The codec never unfolds obsolete line-folded headers; such input is
// parsed as-is, matching the wire behavior the proxy is required to
// preserve byte-for-byte.
package codec

import (
	"bytes"
	"context"
	"io"
	"unicode/utf8"

	"github.com/go-core-stack/portproxy/pkg/proxyerr"
)

// MaxPreambleBytes is the strict cap on preamble size, enforced on both the
// client-facing and upstream-facing reads.
const MaxPreambleBytes = 8192

var crlfcrlf = []byte("\r\n\r\n")
var crlf = []byte("\r\n")

// HeaderField is a single "Name: Value" header line, order-preserving.
type HeaderField struct {
	Name  string
	Value string
}

// Preamble is the logical view of a parsed request-line plus header block.
type Preamble struct {
	Method  string
	Target  string
	Version string
	Headers []HeaderField
}

// ReadPreamble reads from r until the CRLFCRLF end-of-headers marker is
// seen, returning the buffer including the marker. It fails with
// proxyerr.PreambleTooLarge if MaxPreambleBytes bytes are read without
// seeing the marker, and with proxyerr.Io if the peer closes the
// connection first. It reads one byte at a time, so no byte after the
// marker is consumed from r.
func ReadPreamble(ctx context.Context, r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return nil, proxyerr.Wrap(proxyerr.Io, "read preamble canceled", ctx.Err())
		default:
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > MaxPreambleBytes {
				return nil, proxyerr.New(proxyerr.PreambleTooLarge, "preamble exceeded 8192 bytes before CRLFCRLF")
			}
			if idx := bytes.Index(buf, crlfcrlf); idx >= 0 {
				return buf[:idx+len(crlfcrlf)], nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, proxyerr.Wrap(proxyerr.Io, "peer closed before end of headers", err)
			}
			return nil, proxyerr.Wrap(proxyerr.Io, "read preamble failed", err)
		}
	}
}

// Parse decodes a preamble buffer (request-line plus headers, terminated by
// CRLFCRLF) into its logical fields using strict HTTP/1.x rules: the
// request-line must have exactly three space-separated fields, and every
// header line must contain a colon. Incomplete input (no terminal blank
// line) fails with proxyerr.ParseError.
func Parse(b []byte) (*Preamble, error) {
	if !bytes.HasSuffix(b, crlfcrlf) {
		return nil, proxyerr.New(proxyerr.ParseError, "preamble missing terminal CRLFCRLF")
	}
	if !utf8.Valid(b) {
		return nil, proxyerr.New(proxyerr.InvalidEncoding, "preamble is not valid UTF-8")
	}

	body := b[:len(b)-len(crlf)] // keep one trailing CRLF so splitting lines is uniform
	lines := bytes.Split(body, crlf)
	if len(lines) < 1 || len(lines[0]) == 0 {
		return nil, proxyerr.New(proxyerr.ParseError, "empty request-line")
	}

	requestLine := string(lines[0])
	parts := splitRequestLine(requestLine)
	if len(parts) != 3 {
		return nil, proxyerr.New(proxyerr.ParseError, "request-line must have method, target, version")
	}

	p := &Preamble{Method: parts[0], Target: parts[1], Version: parts[2]}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			return nil, proxyerr.New(proxyerr.ParseError, "header line missing colon")
		}
		name := string(bytes.TrimSpace(line[:idx]))
		value := string(bytes.TrimSpace(line[idx+1:]))
		if name == "" {
			return nil, proxyerr.New(proxyerr.ParseError, "header line has empty name")
		}
		p.Headers = append(p.Headers, HeaderField{Name: name, Value: value})
	}

	return p, nil
}

func splitRequestLine(line string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			if i > start {
				parts = append(parts, line[start:i])
			}
			start = i + 1
		}
	}
	if start < len(line) {
		parts = append(parts, line[start:])
	}
	return parts
}

// AdjustForwardHeaders rewrites a non-CONNECT request preamble for
// forwarding to the upstream proxy: the request-line is preserved
// verbatim, any Proxy-Connection header is dropped, any Connection header
// is replaced with "Connection: close", and every other header keeps its
// original order.
func AdjustForwardHeaders(b []byte) ([]byte, error) {
	p, err := Parse(b)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.WriteString(p.Method)
	out.WriteByte(' ')
	out.WriteString(p.Target)
	out.WriteByte(' ')
	out.WriteString(p.Version)
	out.Write(crlf)

	wroteConnection := false
	for _, h := range p.Headers {
		if equalFoldASCII(h.Name, "Proxy-Connection") {
			continue
		}
		if equalFoldASCII(h.Name, "Connection") {
			if wroteConnection {
				continue
			}
			out.WriteString("Connection: close")
			out.Write(crlf)
			wroteConnection = true
			continue
		}
		out.WriteString(h.Name)
		out.WriteString(": ")
		out.WriteString(h.Value)
		out.Write(crlf)
	}
	if !wroteConnection {
		out.WriteString("Connection: close")
		out.Write(crlf)
	}
	out.Write(crlf)

	return out.Bytes(), nil
}

// InjectProxyAuth appends a "Proxy-Authorization: Basic <credentialsB64>"
// header line immediately before the terminal blank line. Any trailing
// blank lines already present in b are stripped before the insertion; the
// output always ends with CRLFCRLF.
func InjectProxyAuth(b []byte, credentialsB64 string) ([]byte, error) {
	trimmed := bytes.TrimRight(b, "\r\n")

	var out bytes.Buffer
	out.Write(trimmed)
	out.Write(crlf)
	out.WriteString("Proxy-Authorization: Basic ")
	out.WriteString(credentialsB64)
	out.Write(crlf)
	out.Write(crlf)

	result := out.Bytes()
	if _, err := Parse(result); err != nil {
		return nil, err
	}
	return result, nil
}

// equalFoldASCII is an ASCII-only case-insensitive header-name comparison,
// matching the codec's stated policy that name comparisons never consider
// non-ASCII case folding.
func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
