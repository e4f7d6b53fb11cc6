package handler

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeUpstream accepts one connection on an ephemeral port and hands the
// raw net.Conn to the supplied script, so tests can assert on exactly what
// the handler wrote upstream and control exactly what it reads back.
func fakeUpstream(t *testing.T, script func(conn net.Conn)) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakeUpstream listen: %v", err)
	}
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String(), done
}

func newTestHandler() *Handler {
	return New(Config{}, NewMetrics(prometheus.NewRegistry()))
}

// TestRoundTripConnectWithoutAuth covers spec.md §8 scenario 1: a CONNECT
// request with no credentials in the upstream URL tunnels through
// untouched and subsequent bytes relay in both directions.
func TestRoundTripConnectWithoutAuth(t *testing.T) {
	upAddr, upDone := fakeUpstream(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		got := string(buf[:n])
		if !strings.HasPrefix(got, "CONNECT example.com:443 HTTP/1.1\r\n") {
			t.Errorf("unexpected CONNECT preamble: %q", got)
		}
		if strings.Contains(got, "Proxy-Authorization") {
			t.Errorf("expected no Proxy-Authorization header, got %q", got)
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

		echo := make([]byte, 64)
		n, err = conn.Read(echo)
		if err == nil {
			conn.Write(echo[:n])
		}
	})
	defer func() { <-upDone }()

	client, serverSide := net.Pipe()
	h := newTestHandler()

	go h.Handle(serverSide, "http://"+upAddr)

	req := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("expected 200 status line, got %q", line)
	}
	// drain the blank line terminator
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read terminator: %v", err)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	echoBuf := make([]byte, 4)
	if _, err := io.ReadFull(reader, echoBuf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoBuf) != "ping" {
		t.Fatalf("got echo %q, want %q", echoBuf, "ping")
	}

	client.Close()
}

// TestConnectWithCredentialsInjectsProxyAuthorization covers spec.md §8
// scenario 2: an upstream URL carrying userinfo causes the handler to
// inject a base64 Basic Proxy-Authorization header derived from it.
func TestConnectWithCredentialsInjectsProxyAuthorization(t *testing.T) {
	received := make(chan string, 1)
	upAddr, upDone := fakeUpstream(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		received <- string(buf[:n])
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	})
	defer func() { <-upDone }()

	client, serverSide := net.Pipe()
	h := newTestHandler()

	go h.Handle(serverSide, "http://alice:s3cret@"+upAddr)

	req := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	reader := bufio.NewReader(client)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read status line: %v", err)
	}
	reader.ReadString('\n')

	select {
	case got := <-received:
		if !strings.Contains(got, "Proxy-Authorization: Basic YWxpY2U6czNjcmV0\r\n") {
			t.Fatalf("expected injected Proxy-Authorization header, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for upstream to receive the preamble")
	}

	client.Close()
}

// TestForwardHeaderHygiene covers spec.md §8 scenario 3: an absolute-form
// HTTP request has Proxy-Connection dropped and Connection rewritten to
// close before being forwarded upstream.
func TestForwardHeaderHygiene(t *testing.T) {
	received := make(chan string, 1)
	upAddr, upDone := fakeUpstream(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		received <- string(buf[:n])
		conn.Write([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"))
	})
	defer func() { <-upDone }()

	client, serverSide := net.Pipe()
	h := newTestHandler()

	go h.Handle(serverSide, "http://"+upAddr)

	req := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\nConnection: keep-alive\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write GET: %v", err)
	}

	select {
	case got := <-received:
		if strings.Contains(got, "Proxy-Connection") {
			t.Fatalf("expected Proxy-Connection to be dropped, got %q", got)
		}
		if !strings.Contains(got, "Connection: close\r\n") {
			t.Fatalf("expected Connection: close, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for upstream to receive the request")
	}

	client.Close()
}

// TestPreambleSizeLimitClosesConnection covers spec.md §8 scenario 6: a
// client that never sends a CRLFCRLF terminator within MaxPreambleBytes
// gets its connection closed rather than relayed anywhere.
func TestPreambleSizeLimitClosesConnection(t *testing.T) {
	client, serverSide := net.Pipe()
	h := newTestHandler()

	handleDone := make(chan struct{})
	go func() {
		h.Handle(serverSide, "http://127.0.0.1:1")
		close(handleDone)
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		chunk := make([]byte, 1024)
		for i := range chunk {
			chunk[i] = 'a'
		}
		for i := 0; i < 9; i++ {
			if _, err := client.Write(chunk); err != nil {
				return
			}
		}
	}()

	select {
	case <-handleDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected handler to terminate once the preamble limit was exceeded")
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := client.Read(buf)
	if err == nil {
		t.Fatalf("expected the client connection to be closed")
	}

	client.Close()
	<-writeDone
}
