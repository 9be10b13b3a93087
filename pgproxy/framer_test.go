package pgproxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

// message builds a well-formed wire message: a one-byte token, a big-endian
// length covering itself plus body, and the body.
func message(token byte, body []byte) []byte {
	buf := make([]byte, 0, headerSize+len(body))
	buf = append(buf, token)
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(body)+4))
	buf = append(buf, length...)
	buf = append(buf, body...)
	return buf
}

func Test_PullEntireMessage_single(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msg := message('Q', []byte("select 1"))
	go func() {
		_, _ = client.Write(msg)
	}()

	var buf bytes.Buffer
	err := PullEntireMessage(server, &buf, 1_000_000, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !bytes.Equal(buf.Bytes(), msg) {
		t.Fatalf("got %v, want %v", buf.Bytes(), msg)
	}
}

func Test_PullEntireMessage_chain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	first := message('Q', []byte("select 1"))
	second := message('Q', []byte("select 2"))
	chain := append(append([]byte{}, first...), second...)

	go func() {
		_, _ = client.Write(chain)
	}()

	var buf bytes.Buffer
	err := PullEntireMessage(server, &buf, 1_000_000, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !bytes.Equal(buf.Bytes(), chain) {
		t.Fatalf("got %d bytes, want %d bytes (chain not fully reassembled)", buf.Len(), len(chain))
	}
}

func Test_PullEntireMessage_respectsChainCap(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msgs := make([][]byte, 5)
	var chain []byte
	for i := range msgs {
		msgs[i] = message('Q', []byte("select 1"))
		chain = append(chain, msgs[i]...)
	}

	go func() {
		_, _ = client.Write(chain)
	}()

	var buf bytes.Buffer
	// chainCap 1 is smaller than any single message, so the cap check only
	// ever passes once accumulated bytes are still zero: the chain stops
	// after peeking exactly one message ahead, not after all five.
	err := PullEntireMessage(server, &buf, 1, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	want := append(append([]byte{}, msgs[0]...), msgs[1]...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got %d bytes, want exactly two chained messages (%d bytes); cap should have stopped the chain short of all five", buf.Len(), len(want))
	}
}

func Test_PullEntireMessage_cleanEOF(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	// The peer closes without sending anything once PullEntireMessage is
	// blocked reading the first header. (Closing it before the call makes
	// net.Pipe's SetReadDeadline itself fail with io.ErrClosedPipe.)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = client.Close()
	}()

	var buf bytes.Buffer
	err := PullEntireMessage(server, &buf, 1_000_000, time.Second)
	if err != nil {
		t.Fatalf("expected nil error on clean close, got %s", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer on clean close, got %d bytes", buf.Len())
	}
}

func Test_PullEntireMessage_framingError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	bad := message(0xFF, []byte("bogus"))
	go func() {
		_, _ = client.Write(bad)
	}()

	var buf bytes.Buffer
	err := PullEntireMessage(server, &buf, 1_000_000, time.Second)

	var framing *errFraming
	if !errors.As(err, &framing) {
		t.Fatalf("expected *errFraming, got %v", err)
	}
}

func Test_PullEntireMessage_shortLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// A length of 0 covers neither itself nor any body; a real message
	// always has length >= 4.
	bad := []byte{'Q', 0x00, 0x00, 0x00, 0x00}
	go func() {
		_, _ = client.Write(bad)
	}()

	var buf bytes.Buffer
	err := PullEntireMessage(server, &buf, 1_000_000, time.Second)

	var framing *errFraming
	if !errors.As(err, &framing) {
		t.Fatalf("expected *errFraming for an undersized length field, got %v", err)
	}
}

func Test_PullEntireMessage_midHeaderEOF(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{'Q', 0x00}) // truncated header
		_ = client.Close()
	}()

	var buf bytes.Buffer
	err := PullEntireMessage(server, &buf, 1_000_000, time.Second)
	if err == nil {
		t.Fatal("expected a non-nil error for a connection closed mid-header")
	}
}
