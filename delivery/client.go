package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"sheetmail/internal/dkim"
	"sheetmail/internal/logger"
	"sheetmail/tlsconfig"
)

const (
	defaultHelloName = "localhost"
	// commandTimeout bounds every network exchange with the server.
	commandTimeout = 2 * time.Minute
	// idleProbeAfter is how long a session may sit unused before a NOOP
	// checks that the server still holds it open.
	idleProbeAfter = time.Minute
)

// Account is the connection identity of one delivery account.
type Account struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Encryption tlsconfig.Mode
	TLS        tlsconfig.Options
}

// Name identifies the account in logs and metrics.
func (a Account) Name() string {
	return fmt.Sprintf("%s@%s:%d", a.Username, a.Host, a.Port)
}

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDialer swaps the network dialer used to reach the server.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithHelloName customises the EHLO identity presented to the server.
func WithHelloName(name string) SessionOption {
	return func(s *Session) {
		if name != "" {
			s.helloName = name
		}
	}
}

// WithSigner DKIM-signs every message sent over the session.
func WithSigner(signer *dkim.Signer) SessionOption {
	return func(s *Session) { s.signer = signer }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = logger.OrNop(log) }
}

// WithTimeout overrides the per-command network deadline.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Session is a persistent authenticated SMTP submission connection. It is
// opened on demand and reused across messages until a failure or Close.
type Session struct {
	acct      Account
	tlsConfig *tls.Config
	dialer    Dialer
	helloName string
	signer    *dkim.Signer
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger

	conn     net.Conn
	client   *smtp.Client
	lastUsed time.Time
}

// NewSession validates acct and prepares a disconnected session.
func NewSession(acct Account, opts ...SessionOption) (*Session, error) {
	if acct.Host == "" {
		return nil, errors.New("delivery: host is required")
	}
	if acct.Port <= 0 || acct.Port > 65535 {
		return nil, fmt.Errorf("delivery: invalid port %d", acct.Port)
	}
	if acct.From == "" {
		return nil, errors.New("delivery: sender address is required")
	}
	tlsConf, err := tlsconfig.Client(acct.Host, acct.TLS)
	if err != nil {
		return nil, err
	}
	s := &Session{
		acct:      acct,
		tlsConfig: tlsConf,
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		helloName: defaultHelloName,
		timeout:   commandTimeout,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Connected reports whether an authenticated connection is open.
func (s *Session) Connected() bool {
	return s.client != nil
}

// Connect dials, negotiates TLS, and authenticates. It is a no-op on an open
// session, except that a session idle for long gets a NOOP first and is
// silently reopened when the server has dropped it.
func (s *Session) Connect(ctx context.Context) error {
	if s.client != nil {
		if s.now().Sub(s.lastUsed) < idleProbeAfter {
			return nil
		}
		s.refreshDeadline()
		if err := s.client.Noop(); err == nil {
			s.lastUsed = s.now()
			return nil
		}
		s.log.Debug().Msg("idle session dropped by server, reconnecting")
		s.Close()
	}

	addr := net.JoinHostPort(s.acct.Host, strconv.Itoa(s.acct.Port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		kind := ConnectFailure
		if isCertificateError(err) {
			kind = KindUnknown
		}
		return &Error{Kind: kind, Op: "dial", Err: err}
	}
	s.conn = conn
	s.refreshDeadline()

	stop := s.watch(ctx)
	defer stop()

	if err := s.handshake(ctx); err != nil {
		s.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	s.lastUsed = s.now()
	s.log.Info().Str("encryption", s.acct.Encryption.String()).Msg("logged in")
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	conn := s.conn
	if s.acct.Encryption == tlsconfig.Implicit {
		tlsConn := tls.Client(conn, s.tlsConfig.Clone())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return classify("tls", err, GreetingFailure, NetworkFailure)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, s.acct.Host)
	if err != nil {
		// A negative or garbled greeting means the endpoint is not ready.
		return classify("greeting", err, ConnectFailure, ConnectFailure)
	}
	s.client = client

	if err := client.Hello(s.helloName); err != nil {
		return classify("hello", err, GreetingFailure, GreetingFailure)
	}

	if s.acct.Encryption == tlsconfig.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return &Error{Kind: GreetingFailure, Op: "starttls", Err: errors.New("server does not offer STARTTLS")}
		}
		if err := client.StartTLS(s.tlsConfig.Clone()); err != nil {
			return classify("starttls", err, GreetingFailure, NetworkFailure)
		}
	}

	if s.acct.Username == "" {
		return nil
	}
	if ok, _ := client.Extension("AUTH"); !ok {
		return &Error{Kind: AuthFailure, Op: "auth", Err: errors.New("server does not offer AUTH")}
	}
	auth := smtp.PlainAuth("", s.acct.Username, s.acct.Password, s.acct.Host)
	if err := client.Auth(auth); err != nil {
		return classify("auth", err, AuthFailure, AuthFailure)
	}
	return nil
}

// Send transmits msg over the open session. A refused recipient resets the
// transaction and leaves the session usable.
func (s *Session) Send(ctx context.Context, msg Message) error {
	if s.client == nil {
		return &Error{Kind: NetworkFailure, Op: "mail", Err: errors.New("session not connected")}
	}
	data, err := Compose(s.acct.From, msg, s.now())
	if err != nil {
		return err
	}
	if data, err = s.signer.Sign(data, s.acct.From); err != nil {
		return &Error{Kind: KindUnknown, Op: "compose", Err: err}
	}

	s.refreshDeadline()
	stop := s.watch(ctx)
	defer stop()

	err = s.transmit(msg.Recipients, data)
	if err != nil && ctx.Err() != nil {
		s.Close()
		return ctx.Err()
	}
	if err == nil {
		s.lastUsed = s.now()
	}
	return err
}

func (s *Session) transmit(recipients []string, data []byte) error {
	if err := s.client.Mail(s.acct.From); err != nil {
		return classify("mail", err, SenderRejected, KindUnknown)
	}

	var refused []string
	var lastReply *textproto.Error
	for _, rcpt := range recipients {
		err := s.client.Rcpt(rcpt)
		if err == nil {
			continue
		}
		var reply *textproto.Error
		if !errors.As(err, &reply) || reply.Code == 421 {
			return classify("rcpt", err, RecipientRejected, KindUnknown)
		}
		refused = append(refused, rcpt)
		lastReply = reply
	}
	if len(refused) > 0 {
		if err := s.client.Reset(); err != nil {
			s.log.Warn().Err(err).Msg("reset after refused recipients failed, dropping session")
			s.Close()
		}
		return &Error{Kind: RecipientRejected, Op: "rcpt", Code: lastReply.Code, Recipients: refused, Err: lastReply}
	}

	w, err := s.client.Data()
	if err != nil {
		return classify("data", err, TransientProtocolError, KindUnknown)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return classify("data", err, TransientProtocolError, NetworkFailure)
	}
	if err := w.Close(); err != nil {
		return classify("data", err, TransientProtocolError, NetworkFailure)
	}
	return nil
}

// Close ends the session politely when possible. It never fails and always
// leaves the session disconnected.
func (s *Session) Close() {
	if s.client != nil {
		if s.conn != nil {
			_ = s.conn.SetDeadline(s.now().Add(5 * time.Second))
		}
		_ = s.client.Quit()
		_ = s.client.Close()
		s.client = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) refreshDeadline() {
	if s.conn != nil {
		_ = s.conn.SetDeadline(s.now().Add(s.timeout))
	}
}

// watch closes the connection when ctx ends so blocked I/O returns.
func (s *Session) watch(ctx context.Context) func() {
	conn := s.conn
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}
