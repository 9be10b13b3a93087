package pgproxy

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgproto3/v2"
)

// State is a startup state machine state.
type State int

const (
	StateInit State = iota
	StateAwaitStartup
	StateAuthorized
	StateDenied
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateAwaitStartup:
		return "AwaitStartup"
	case StateAuthorized:
		return "Authorized"
	case StateDenied:
		return "Denied"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// startupBufSize is the single-recv buffer size used to read a startup frame.
// A startup frame longer than this, or one that does not arrive whole in that
// one recv, is rejected as incomplete.
const startupBufSize = 8192

// Startup frame discriminators.
var (
	discSSLRequest    = [4]byte{0x04, 0xd2, 0x16, 0x2f}
	discCancelRequest = [4]byte{0x04, 0xd2, 0x16, 0x2e}
	discStartupMsg    = [4]byte{0x00, 0x03, 0x00, 0x00}
)

// sqlStateInvalidAuthSpec and sqlStateQueryCanceled are the two SQLSTATEs
// this proxy ever emits in a fatal frame.
const (
	sqlStateInvalidAuthSpec = "28000"
	sqlStateQueryCanceled   = "57014"
)

// errIncompleteStartup marks a startup frame that did not arrive whole within
// a single recv.
var errIncompleteStartup = errors.New("startup frame incomplete in a single read")

// The fatal errors this proxy ever sends to a client, modeled as pgconn
// errors and converted to wire frames by fatalFrame.
var (
	errDeniedMissingParams = &pgconn.PgError{
		Severity: "FATAL",
		Code:     sqlStateInvalidAuthSpec,
		Message:  "Custom auth failed: missing user or database!",
	}
	errDeniedUnauthorized = &pgconn.PgError{
		Severity: "FATAL",
		Code:     sqlStateInvalidAuthSpec,
		Message:  "Custom auth failed!",
	}
	errDeniedUnknownStartup = &pgconn.PgError{
		Severity: "FATAL",
		Code:     sqlStateInvalidAuthSpec,
		Message:  "Unknown startup message, possibly an old client?",
	}
	errAuthorizerTimeout = &pgconn.PgError{
		Severity: "FATAL",
		Code:     sqlStateQueryCanceled,
		Message:  "Authorization timed out!",
	}
)

// readStartupFrame performs the single, non-looping recv the startup
// discipline requires, and returns the raw bytes of exactly one startup
// frame (length prefix included) plus its 4-byte discriminator.
func readStartupFrame(r io.Reader) (raw []byte, disc [4]byte, err error) {
	buf := make([]byte, startupBufSize)
	n, err := r.Read(buf)
	if err != nil {
		return nil, disc, err
	}
	if n < 8 {
		return nil, disc, errIncompleteStartup
	}

	length := int(binary.BigEndian.Uint32(buf[0:4]))
	if length < 8 || length > n {
		return nil, disc, errIncompleteStartup
	}

	copy(disc[:], buf[4:8])
	return buf[:length], disc, nil
}

// parseStartupParameters decodes the NUL-terminated key/value strings
// following the discriminator in a StartupMessage payload. Keys of
// interest are "user" and "database"; all pairs are returned.
func parseStartupParameters(payload []byte) map[string]string {
	params := make(map[string]string)

	var tokens []string
	start := 0
	for i, b := range payload {
		if b == 0 {
			tokens = append(tokens, string(payload[start:i]))
			start = i + 1
		}
	}

	// The list is terminated by a solitary empty string; drop it before
	// pairing, along with any other empty strings that show up.
	filtered := tokens[:0]
	for _, t := range tokens {
		if t != "" {
			filtered = append(filtered, t)
		}
	}

	for i := 0; i+1 < len(filtered); i += 2 {
		params[filtered[i]] = filtered[i+1]
	}
	return params
}

// decodeCancelRequest reads the process ID and secret key from a complete
// CancelRequest frame (length prefix and discriminator included), at byte
// offsets 8 and 12.
func decodeCancelRequest(payload []byte) (pid, secret uint32) {
	pid = binary.BigEndian.Uint32(payload[8:12])
	secret = binary.BigEndian.Uint32(payload[12:16])
	return
}

// fatalFrame converts a PgError into the wire bytes of an ErrorResponse
// frame, field for field.
func fatalFrame(errPg *pgconn.PgError) []byte {
	resp := &pgproto3.ErrorResponse{
		Severity:         errPg.Severity,
		Code:             errPg.Code,
		Message:          errPg.Message,
		Detail:           errPg.Detail,
		Hint:             errPg.Hint,
		Position:         errPg.Position,
		InternalPosition: errPg.InternalPosition,
		InternalQuery:    errPg.InternalQuery,
		Where:            errPg.Where,
		SchemaName:       errPg.SchemaName,
		TableName:        errPg.TableName,
		ColumnName:       errPg.ColumnName,
		DataTypeName:     errPg.DataTypeName,
		ConstraintName:   errPg.ConstraintName,
		File:             errPg.File,
		Line:             errPg.Line,
		Routine:          errPg.Routine,
	}
	buf, _ := resp.Encode(nil)
	return buf
}

// runStartup drives the startup state machine on sess's client link.
// It returns the terminal state reached. A returned error indicates an I/O
// failure that aborted the exchange before any terminal state was reached;
// the caller tears the session down without attempting further writes.
func runStartup(sess *Session) (State, error) {
	state := StateInit
	client := sess.client

	if errDeadline := client.SetDeadline(time.Now().Add(sess.timeout)); errDeadline != nil {
		return state, errDeadline
	}
	if errDeadline := sess.backend.SetDeadline(time.Now().Add(sess.timeout)); errDeadline != nil {
		return state, errDeadline
	}

	for {
		raw, disc, err := readStartupFrame(client)
		if err != nil {
			if errors.Is(err, io.EOF) {
				sess.logger.Debugf("Client terminated connection during startup.")
			} else {
				sess.logger.Debugf("Client startup failed: %s.", err)
			}
			return state, err
		}

		state = StateAwaitStartup

		switch disc {
		case discSSLRequest:
			if sess.tlsCert == nil {
				if _, errW := client.Write([]byte{'N'}); errW != nil {
					return state, errW
				}
				continue
			}

			if _, errW := client.Write([]byte{'S'}); errW != nil {
				return state, errW
			}

			tlsConf := &tls.Config{Certificates: []tls.Certificate{*sess.tlsCert}}
			tlsConn := tls.Server(client, tlsConf)
			if errDeadline := tlsConn.SetDeadline(time.Now().Add(sess.timeout)); errDeadline != nil {
				return state, errDeadline
			}
			if errHs := tlsConn.Handshake(); errHs != nil {
				sess.logger.Infof("Client TLS handshake failed: %s.", errHs)
				return state, errHs
			}
			sess.client = tlsConn
			client = tlsConn
			continue

		case discCancelRequest:
			pid, secret := decodeCancelRequest(raw)
			sess.logger.Debugf("Cancel request for PID %d.", pid)
			_ = secret
			if _, errW := sess.backend.Write(raw); errW != nil {
				sess.logger.Debugf("Cancel forwarding failed: %s.", errW)
			}
			return StateCancelled, nil

		case discStartupMsg:
			params := parseStartupParameters(raw[8:])
			user, hasUser := params["user"]
			database, hasDatabase := params["database"]

			tracef(sess.logger, "Startup parameters: %s", spew.Sdump(params))

			if !hasUser || !hasDatabase {
				_, _ = client.Write(fatalFrame(errDeniedMissingParams))
				return StateDenied, nil
			}

			host := sess.peerHost()
			authCtx, cancel := context.WithTimeout(sess.ctx, sess.timeout)
			authorized := sess.authorizer.Authorize(authCtx, host, user, database)
			timedOut := errors.Is(authCtx.Err(), context.DeadlineExceeded)
			cancel()

			if timedOut {
				// The link deadline armed above expires no later than authCtx,
				// so it is re-armed for the fatal frame write.
				_ = client.SetWriteDeadline(time.Now().Add(sess.timeout))
				_, _ = client.Write(fatalFrame(errAuthorizerTimeout))
				return StateDenied, nil
			}

			if !authorized {
				_, _ = client.Write(fatalFrame(errDeniedUnauthorized))
				return StateDenied, nil
			}

			if _, errW := sess.backend.Write(raw); errW != nil {
				return state, errW
			}

			// The relay re-arms read deadlines per chain; clear the startup
			// write deadlines so they do not bound the whole relay phase.
			_ = client.SetWriteDeadline(time.Time{})
			_ = sess.backend.SetWriteDeadline(time.Time{})

			sess.user = user
			sess.database = database
			return StateAuthorized, nil

		default:
			sess.logger.Infof("Client startup failed: unknown discriminator %v.", disc)
			_, _ = client.Write(fatalFrame(errDeniedUnknownStartup))
			return StateDenied, nil
		}
	}
}
