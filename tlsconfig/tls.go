package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Mode is how an account encrypts its submission connection.
type Mode int

const (
	// StartTLS connects in plaintext and upgrades with STARTTLS.
	StartTLS Mode = iota
	// Implicit wraps the connection in TLS from the first byte (SMTPS).
	Implicit
	// None never encrypts; only meant for local relays.
	None
)

func (m Mode) String() string {
	switch m {
	case Implicit:
		return "implicit"
	case None:
		return "none"
	default:
		return "starttls"
	}
}

// ParseMode accepts "starttls", "implicit" (or "ssl", "tls") and "none".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "starttls":
		return StartTLS, nil
	case "implicit", "ssl", "tls":
		return Implicit, nil
	case "none", "plain":
		return None, nil
	default:
		return StartTLS, fmt.Errorf("tlsconfig: unknown encryption mode %q", s)
	}
}

// ModeFromSSL maps the pool file's boolean ssl flag to a Mode.
func ModeFromSSL(ssl bool) Mode {
	if ssl {
		return Implicit
	}
	return StartTLS
}

// Options tune certificate verification for one account.
type Options struct {
	// CAFile adds a PEM bundle to the system roots.
	CAFile             string
	InsecureSkipVerify bool
}

var ErrNoCertificates = errors.New("tlsconfig: no certificates found in CA file")

// Client returns the TLS configuration used to talk to host.
func Client(host string, opts Options) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	caFile := strings.TrimSpace(opts.CAFile)
	if caFile == "" {
		return conf, nil
	}
	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, ErrNoCertificates
	}
	conf.RootCAs = pool
	return conf, nil
}
