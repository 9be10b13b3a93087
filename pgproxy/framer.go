package pgproxy

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"
)

// headerSize is the fixed size of a post-startup message header: one token byte
// followed by the big-endian 32-bit length field.
const headerSize = 5

// validTokens is the message-valid token set: the 30 ASCII bytes a post-startup
// message may legitimately start with.
var validTokens = [256]bool{}

func init() {
	for _, b := range []byte("123cdfnpstABCDEFGHIKNPQRSTVWXZ") {
		validTokens[b] = true
	}
}

// chainSource is the subset of net.Conn the Framer needs: a reader that also
// supports a short read deadline, used to opportunistically peek the next
// message header without blocking the chain open indefinitely.
type chainSource interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

// PullEntireMessage reads a chain of contiguous, well-formed messages from src
// into buf: the first message, plus further messages for as long as readChunk's
// peek obtains the next header. On a socket-backed net.Conn or a net.Pipe the
// peek obtains nothing (see readChunk), so there each call returns a single
// message. On success (nil error) buf holds the exact bytes
// of one or more complete messages with no trailing partial bytes, or is empty
// if src reached a clean end-of-stream before any header arrived.
//
// A returned *errFraming means an invalid leading token was detected; buf's
// contents are unspecified in that case. Any other non-nil error is an I/O
// failure (including a mid-message EOF) and is likewise to be treated as fatal
// to the calling relay half; buf's contents are unspecified.
//
// timeout is the configured per-operation read timeout; it is re-armed
// on src before the blocking reads and restored after each opportunistic peek
// attempt, so the peek's zero-wait deadline never leaks into the next call.
func PullEntireMessage(src chainSource, buf *bytes.Buffer, chainCap int, timeout time.Duration) error {
	buf.Reset()

	errDeadline := src.SetReadDeadline(time.Now().Add(timeout))
	if errDeadline != nil {
		return errDeadline
	}

	header := make([]byte, headerSize)
	n, err := io.ReadFull(src, header)
	if n == 0 && err == io.EOF {
		return nil // clean close before any header arrived
	}
	if err != nil {
		return err // mid-header EOF or other I/O failure
	}

	for {
		token := header[0]
		if !validTokens[token] {
			return &errFraming{token: token}
		}

		length := binary.BigEndian.Uint32(header[1:5])
		if length < 4 {
			return &errFraming{token: token}
		}
		msgSize := int(length) + 1
		bodySize := msgSize - headerSize

		// Peeking is disabled once the chain already exceeds the cap; the
		// message currently in flight is always completed regardless.
		peekSize := 0
		if buf.Len() <= chainCap {
			peekSize = headerSize
		}

		chunk := make([]byte, bodySize+peekSize)
		got, errRead := readChunk(src, chunk, bodySize, timeout)
		if errRead != nil {
			return errRead
		}

		buf.Write(header)
		buf.Write(chunk[:bodySize])

		if peekSize == 0 || got == bodySize {
			// Peek disabled, or disabled by a short read with zero extra
			// bytes available: chain ends here.
			return nil
		}

		if got < bodySize+peekSize {
			// Partial peek: fewer than a full next header arrived before the
			// source ran dry. The partial bytes are discarded; the chain
			// ends here. Intentional per the design: see open questions.
			return nil
		}

		// Full peek header obtained. If its length field is 4, the peeked
		// message has no payload and was already fully consumed by the peek
		// read itself: append it and stop.
		peeked := chunk[bodySize : bodySize+headerSize]
		if binary.BigEndian.Uint32(peeked[1:5]) == 4 {
			buf.Write(peeked)
			return nil
		}

		// Otherwise continue the chain with the peeked header as the next
		// message's header.
		header = peeked
	}
}

// readChunk fills buf with bytes from src. It blocks, retrying across
// multiple reads, until at least need bytes are obtained (the mandatory
// portion of the current message body); a mid-message EOF in this phase is
// fatal and returned as an error. Once need is satisfied, it makes exactly one
// more attempt to fill the remainder of buf (the peek bytes of the next
// header) under a read deadline of time.Now(). A socket-backed net.Conn or a
// net.Pipe fails a read under an already-expired deadline before taking any
// bytes, even when the next header is already waiting, so the peek only
// yields bytes the source holds in its own buffer (such as decrypted bytes
// pending in a tls.Conn). The returned count is always >= need on success.
func readChunk(src chainSource, buf []byte, need int, timeout time.Duration) (int, error) {
	n := 0
	for n < need {
		m, err := src.Read(buf[n:need])
		n += m
		if err != nil {
			return n, err
		}
	}

	if n == len(buf) {
		return n, nil
	}

	errDeadline := src.SetReadDeadline(time.Now())
	if errDeadline != nil {
		return n, nil
	}
	defer func() { _ = src.SetReadDeadline(time.Now().Add(timeout)) }()

	m, err := src.Read(buf[n:])
	n += m
	if err != nil {
		// A deadline timeout (or any other short-read condition) just means
		// the peek didn't pan out; that's not a chain failure.
		return n, nil
	}
	return n, nil
}
