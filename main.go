package main

import (
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"pgauthproxy/pgproxy"
)

var (
	app = kingpin.New("pgproxy", "Transparent PostgreSQL interception proxy enforcing external session authorization.")

	flagListen     = app.Flag("listen", "Address:port to accept client connections on.").Default(pgproxy.DefaultListen).String()
	flagUpstream   = app.Flag("upstream", "Unix socket path, or host:port, of the PostgreSQL backend.").Default(pgproxy.DefaultUpstream).String()
	flagAuthScript = app.Flag("auth-script", "External program invoked as (client_ip, role, database); exit 0 authorizes.").Default(pgproxy.DefaultAuthScript).String()
	flagSslBundle  = app.Flag("ssl", "Path to a PEM file containing both certificate and private key.").Default("").String()
	flagTimeout    = app.Flag("timeout", "Per-operation read timeout on both links, and the authorizer callout bound.").Default(pgproxy.DefaultTimeout.String()).Duration()
	flagMaxChain   = app.Flag("max-chain", "Advisory chain reassembly cap, in bytes.").Default(fmt.Sprintf("%d", pgproxy.DefaultMaxChain)).Int()
	flagVerbosity  = app.Flag("verbosity", "One of ERROR, INFO, DEBUG, TRACE.").Default(pgproxy.DefaultVerbosity).String()
)

func main() {

	// Parse CLI flags
	kingpin.MustParse(app.Parse(os.Args[1:]))

	// Build and validate config from the parsed flags
	cfg := &pgproxy.Config{
		Listen:        *flagListen,
		Upstream:      *flagUpstream,
		AuthScript:    *flagAuthScript,
		SSLBundlePath: *flagSslBundle,
		Timeout:       *flagTimeout,
		MaxChain:      *flagMaxChain,
		Verbosity:     *flagVerbosity,
	}

	// Initialize logger, gated by configured verbosity
	logger := newLogger(cfg.Verbosity)

	// Print final message on exit
	defer func() {
		logger.Debugf("PgProxy terminated.")
	}()

	// Catch potential panics to log issue
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Panic: %s", r)
		}
	}()

	if errValidate := cfg.Validate(); errValidate != nil {
		logger.Errorf("Invalid configuration: %s.", errValidate)
		os.Exit(1)
	}

	// Initialize authorizer, invoking the configured external script
	authorizer := &pgproxy.ScriptAuthorizer{Path: cfg.AuthScript, Logger: logger}

	// Initialize PgProxy
	pgProxy, errInit := pgproxy.Init(logger, cfg, authorizer)
	if errInit != nil {
		logger.Errorf("Could not initialize PgProxy: %s.", errInit)
		os.Exit(1)
	}

	// Make sure core gets shut down gracefully
	defer pgProxy.Stop()

	// Listen and serve connections
	logger.Debugf("PgProxy running.")
	pgProxy.Serve()
}

// verbosityRank ranks the configured Verbosities for gating log calls, lowest first.
var verbosityRank = map[string]int{"ERROR": 0, "INFO": 1, "DEBUG": 2, "TRACE": 3}

// cliLogger is a wrapper around Golang's log module fulfilling the Logger
// interface required by pgproxy, gated by the configured verbosity.
type cliLogger struct {
	level int
}

func newLogger(verbosity string) *cliLogger {
	return &cliLogger{level: verbosityRank[verbosity]}
}

func (l *cliLogger) Debugf(format string, v ...interface{}) {
	if l.level >= verbosityRank["DEBUG"] {
		log.Printf("DEBUG\t"+format, v...)
	}
}
func (l *cliLogger) Infof(format string, v ...interface{}) {
	if l.level >= verbosityRank["INFO"] {
		log.Printf("INFO\t"+format, v...)
	}
}
func (l *cliLogger) Warningf(format string, v ...interface{}) {
	if l.level >= verbosityRank["INFO"] {
		log.Printf("WARN\t"+format, v...)
	}
}
func (l *cliLogger) Errorf(format string, v ...interface{}) {
	log.Printf("ERROR\t"+format, v...)
}

// Tracef is recognized by pgproxy's optional tracer interface; it is only
// ever emitted when the configured verbosity is TRACE.
func (l *cliLogger) Tracef(format string, v ...interface{}) {
	if l.level >= verbosityRank["TRACE"] {
		log.Printf("TRACE\t"+format, v...)
	}
}
