package pgproxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	scanUtils "github.com/siemens/GoScans/utils"
)

// Verbosities enumerates the valid Config.Verbosity settings.
var Verbosities = []string{"ERROR", "INFO", "DEBUG", "TRACE"}

// Default configuration knobs.
const (
	DefaultListen     = "0.0.0.0:6000"
	DefaultUpstream   = "/var/run/postgresql/.s.PGSQL.5432"
	DefaultAuthScript = "true"
	DefaultTimeout    = time.Hour
	DefaultMaxChain   = 10_000_000
	DefaultVerbosity  = "INFO"
	defaultPgPort     = 5432
)

// Config bundles the proxy's configuration knobs. Zero-value fields are
// not valid; use NewConfig or populate every field and call Validate.
type Config struct {
	Listen        string        // Address:port to accept client connections on
	Upstream      string        // Unix socket path, or host:port, of the PostgreSQL backend
	AuthScript    string        // External program invoked as (client_ip, role, database)
	SSLBundlePath string        // Optional PEM file containing both certificate and private key
	Timeout       time.Duration // Per-operation read timeout on both links
	MaxChain      int           // Advisory chain reassembly cap, in bytes
	Verbosity     string        // One of Verbosities

	// Certificate is populated by Validate from SSLBundlePath, if set.
	Certificate *tls.Certificate
}

// NewConfig returns a Config populated with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Listen:     DefaultListen,
		Upstream:   DefaultUpstream,
		AuthScript: DefaultAuthScript,
		Timeout:    DefaultTimeout,
		MaxChain:   DefaultMaxChain,
		Verbosity:  DefaultVerbosity,
	}
}

// Validate checks every knob and, if SSLBundlePath is set, loads and parses
// the certificate. It is idempotent.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return &ErrConfig{Field: "listen", Message: err.Error()}
	}

	if strings.TrimSpace(c.Upstream) == "" {
		return &ErrConfig{Field: "upstream", Message: "must not be empty"}
	}

	if strings.TrimSpace(c.AuthScript) == "" {
		return &ErrConfig{Field: "auth-script", Message: "must not be empty"}
	}

	if c.Timeout <= 0 {
		return &ErrConfig{Field: "timeout", Message: "must be positive"}
	}

	if c.MaxChain <= 0 {
		return &ErrConfig{Field: "max-chain", Message: "must be positive"}
	}

	if !scanUtils.StrContained(c.Verbosity, Verbosities) {
		return &ErrConfig{Field: "verbosity", Message: "must be one of " + strings.Join(Verbosities, ", ")}
	}

	if c.SSLBundlePath != "" {
		cert, err := loadBundle(c.SSLBundlePath)
		if err != nil {
			return &ErrConfig{Field: "ssl", Message: err.Error()}
		}
		c.Certificate = cert
	}

	return nil
}

// loadBundle reads a single PEM file containing both a certificate and its
// private key and parses it into a tls.Certificate.
func loadBundle(path string) (*tls.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrCertificate{Message: fmt.Sprintf("could not read bundle: %s", err)}
	}

	cert, err := tls.X509KeyPair(raw, raw)
	if err != nil {
		return nil, &ErrCertificate{Message: fmt.Sprintf("could not parse bundle: %s", err)}
	}

	return &cert, nil
}

// resolveUpstream decides whether the configured upstream string names a
// Unix-domain socket (when it is an existing filesystem path) or a TCP
// host:port (appending the default PostgreSQL port if none was given).
func resolveUpstream(upstream string) (network, address string) {
	if info, err := os.Stat(upstream); err == nil && !info.IsDir() {
		return "unix", upstream
	}

	if _, _, err := net.SplitHostPort(upstream); err == nil {
		return "tcp", upstream
	}

	return "tcp", net.JoinHostPort(upstream, strconv.Itoa(defaultPgPort))
}
