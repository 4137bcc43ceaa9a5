package delivery

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
)

// Kind is the closed set of transport failure classes the retry state
// machine branches on.
type Kind int

const (
	// KindUnknown covers failures outside the enumerated classes. They abort
	// the run.
	KindUnknown Kind = iota
	AuthFailure
	GreetingFailure
	SenderRejected
	RecipientRejected
	ConnectFailure
	TransientProtocolError
	NetworkFailure
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	AuthFailure:            "auth",
	GreetingFailure:        "greeting",
	SenderRejected:         "sender_rejected",
	RecipientRejected:      "recipient_rejected",
	ConnectFailure:         "connect",
	TransientProtocolError: "protocol",
	NetworkFailure:         "network",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the failure may heal on reconnect.
func (k Kind) Retryable() bool {
	switch k {
	case ConnectFailure, TransientProtocolError, NetworkFailure:
		return true
	}
	return false
}

// AbortsRun reports whether the failure halts the whole job at once, without
// spending retries.
func (k Kind) AbortsRun() bool {
	return !k.Retryable() && k != RecipientRejected
}

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	// Op is the protocol step that failed: dial, tls, greeting, hello,
	// starttls, auth, mail, rcpt, data, compose.
	Op string
	// Code is the SMTP reply code when the server answered, else 0.
	Code int
	// Recipients lists the refused addresses of a RecipientRejected failure.
	Recipients []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "smtp %s: %s", e.Op, e.Kind)
	if len(e.Recipients) > 0 {
		fmt.Fprintf(&b, " %s", strings.Join(e.Recipients, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind.Retryable() }

func (e *Error) AbortsRun() bool { return e.Kind.AbortsRun() }

// KindOf extracts the failure class of err. Unclassified errors are
// KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// classify turns an error returned while performing op into an *Error.
// Negative server replies map to onReply, broken connections to
// NetworkFailure, and anything else to fallback. A 421 reply means the
// server is closing the channel and is always treated as transient.
func classify(op string, err error, onReply, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	e := &Error{Op: op, Err: err}

	var reply *textproto.Error
	var protoErr textproto.ProtocolError
	switch {
	case errors.As(err, &reply):
		e.Code = reply.Code
		e.Kind = onReply
		if reply.Code == 421 {
			e.Kind = TransientProtocolError
		}
	case errors.As(err, &protoErr):
		e.Kind = TransientProtocolError
	case isCertificateError(err):
		// Certificate problems are configuration, not weather.
		e.Kind = KindUnknown
	case isNetworkError(err):
		e.Kind = NetworkFailure
	default:
		e.Kind = fallback
	}
	return e
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isCertificateError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verify *tls.CertificateVerificationError
	return errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verify)
}
