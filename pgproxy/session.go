package pgproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jackc/pgconn"
	"github.com/lithammer/shortuuid/v4"
	scanUtils "github.com/siemens/GoScans/utils"
)

// errBackendUnavailable is sent to a client when the upstream dial fails.
// No SQLSTATE is claimed, since the failure is the proxy's own, not the
// database's.
var errBackendUnavailable = &pgconn.PgError{
	Severity: "FATAL",
	Message:  "database currently not available",
}

// Session owns one client link and one backend link. It runs the
// startup state machine, and, once authorized, the two Relay Halves, and
// guarantees both links are closed exactly once regardless of how the
// session ends.
type Session struct {
	id       string
	logger   Logger
	client   net.Conn
	backend  net.Conn
	peerAddr string
	timeout  time.Duration
	chainCap int
	tlsCert  *tls.Certificate

	authorizer Authorizer
	ctx        context.Context
	registry   *registry

	user     string
	database string
}

// peerHost extracts the IP portion of the session's client peer address, for
// the authorizer callout's client_ip argument.
func (s *Session) peerHost() string {
	host, _, err := net.SplitHostPort(s.peerAddr)
	if err != nil {
		return s.peerAddr
	}
	return host
}

// run drives one session end to end: startup, then (if authorized) relay
// until either half terminates. Both links are always closed exactly once
// before run returns.
func (s *Session) run() {
	defer func() { _ = s.client.Close() }()
	defer func() { _ = s.backend.Close() }()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Panic: %s%s", r, scanUtils.StacktraceIndented("\t"))
		}
	}()

	state, err := runStartup(s)
	if err != nil {
		s.registry.setState(s.id, StateInit.String())
		s.logger.Debugf("Session %s ended during startup: %s.", s.id, err)
		return
	}
	s.registry.setState(s.id, state.String())

	switch state {
	case StateAuthorized:
		s.logger.Infof("Session %s authorized for '%s'@'%s', relaying.", s.id, s.user, s.database)
		s.relay()
	case StateCancelled:
		s.logger.Debugf("Session %s forwarded a cancel request.", s.id)
	case StateDenied:
		s.logger.Infof("Session %s denied.", s.id)
	default:
		s.logger.Debugf("Session %s ended in state %s.", s.id, state)
	}
}

// relay spawns the two Relay Halves and waits for either to terminate,
// then closes both links to unblock the other.
func (s *Session) relay() {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		runRelayHalf(s.logger, "client->backend", s.client, s.backend, s.chainCap, s.timeout)
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		runRelayHalf(s.logger, "backend->client", s.backend, s.client, s.chainCap, s.timeout)
	}()

	<-done

	// Closing both unblocks whichever half is still waiting on a read.
	_ = s.client.Close()
	_ = s.backend.Close()

	<-done
}

// runRelayHalf is one relay half: reassembles chains from src and
// writes them whole to dst until src closes cleanly, a framing error is
// detected, or an I/O error (including a timeout) occurs.
func runRelayHalf(logger Logger, label string, src chainSource, dst net.Conn, chainCap int, timeout time.Duration) {
	var buf bytes.Buffer

	for {
		err := PullEntireMessage(src, &buf, chainCap, timeout)
		if err != nil {
			var framing *errFraming
			if errors.As(err, &framing) {
				logger.Errorf("Relay %s framing error: %s.", label, err)
			}
			return
		}

		if buf.Len() == 0 {
			return // clean EOF
		}

		tracef(logger, "Relay %s forwarding %d bytes: %s", label, buf.Len(), spew.Sdump(buf.Bytes()))

		if _, errW := dst.Write(buf.Bytes()); errW != nil {
			return
		}
	}
}

// Proxy is a PostgreSQL interception proxy listening on a configured address,
// authorizing each incoming session before forwarding it to a single
// configured upstream.
type Proxy struct {
	logger        Logger
	listener      net.Listener
	upstreamNet   string
	upstreamAddr  string
	tlsCert       *tls.Certificate
	authorizer    Authorizer
	timeout       time.Duration
	chainCap      int
	registry      *registry
	activeCount   Counter
	activeTicker  *time.Ticker
	wg            sync.WaitGroup
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
}

const activeLogInterval = time.Minute

// Init builds a Proxy from a validated Config and Authorizer, and opens the
// listener. It does not start accepting connections yet; call Serve for that.
func Init(logger Logger, cfg *Config, authorizer Authorizer) (*Proxy, error) {
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	upstreamNet, upstreamAddr := resolveUpstream(cfg.Upstream)

	ctx, cancel := context.WithCancel(context.Background())

	p := &Proxy{
		logger:        logger,
		listener:      listener,
		upstreamNet:   upstreamNet,
		upstreamAddr:  upstreamAddr,
		tlsCert:       cfg.Certificate,
		authorizer:    authorizer,
		timeout:       cfg.Timeout,
		chainCap:      cfg.MaxChain,
		registry:      newRegistry(),
		activeTicker:  time.NewTicker(activeLogInterval),
		ctx:           ctx,
		ctxCancelFunc: cancel,
	}

	go func() {
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-p.activeTicker.C:
				p.registry.logActive(p.logger)
			}
		}
	}()

	return p, nil
}

// Serve accepts connections until the listener is closed by Stop.
func (p *Proxy) Serve() {
	p.logger.Infof("PgProxy listening, forwarding to '%s:%s'.", p.upstreamNet, p.upstreamAddr)

	for {
		client, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Errorf("Accept failed: %s.", err)
			continue
		}

		p.activeCount.Inc()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.activeCount.Dec()
			p.handleClient(client)
		}()
	}
}

// Stop shuts the proxy down: the listener is closed to interrupt Accept, and
// Stop waits for every in-flight session to tear itself down.
func (p *Proxy) Stop() {
	p.logger.Infof("PgProxy shutting down.")
	if p.activeCount.Value() > 0 {
		p.logger.Debugf("PgProxy has %d active session(s) left.", p.activeCount.Value())
		p.registry.logActive(p.logger)
	}

	p.ctxCancelFunc()
	p.activeTicker.Stop()
	_ = p.listener.Close()

	p.wg.Wait()
	p.logger.Debugf("PgProxy stopped.")
}

// handleClient creates the Session for one accepted client connection and
// runs it to completion.
func (p *Proxy) handleClient(client net.Conn) {
	defer func() { _ = client.Close() }()

	id := shortuuid.New()[0:10]
	logger := scanUtils.NewTaggedLogger(p.logger, id)
	peerAddr := client.RemoteAddr().String()

	logger.Infof("Client connected from '%s'.", peerAddr)
	defer func() { logger.Infof("Session ended.") }()

	backend, err := net.DialTimeout(p.upstreamNet, p.upstreamAddr, p.timeout)
	if err != nil {
		logger.Errorf("Could not connect to upstream '%s:%s': %s.", p.upstreamNet, p.upstreamAddr, err)
		_, _ = client.Write(fatalFrame(errBackendUnavailable))
		return
	}
	defer func() { _ = backend.Close() }()

	rec := &SessionRecord{ID: id, PeerAddr: peerAddr, StartedAt: time.Now(), State: StateInit.String()}
	p.registry.add(rec)
	defer p.registry.remove(id)

	sess := &Session{
		id:         id,
		logger:     logger,
		client:     client,
		backend:    backend,
		peerAddr:   peerAddr,
		timeout:    p.timeout,
		chainCap:   p.chainCap,
		tlsCert:    p.tlsCert,
		authorizer: p.authorizer,
		ctx:        p.ctx,
		registry:   p.registry,
	}

	sess.run()
}
