package delivery

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetmail/tlsconfig"
)

const helloName = "sheetmail.test"

// fakeConn drives one scripted SMTP conversation.
type fakeConn struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func (c *fakeConn) reply(lines ...string) {
	for _, l := range lines {
		fmt.Fprint(c.bw, l+"\r\n")
	}
	c.bw.Flush()
}

// expect reads one command and ends the script when it is not allowed.
func (c *fakeConn) expect(allowed ...string) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Errorf("read command error: %v", err)
		runtime.Goexit()
	}
	line = strings.TrimRight(line, "\r\n")
	for _, option := range allowed {
		if line == option {
			return
		}
	}
	c.t.Errorf("unexpected command %q", line)
	runtime.Goexit()
}

func (c *fakeConn) readData() string {
	var lines []string
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			c.t.Errorf("read data error: %v", err)
			runtime.Goexit()
		}
		if line == ".\r\n" {
			return strings.Join(lines, "")
		}
		lines = append(lines, line)
	}
}

// login plays the greeting, EHLO and AUTH PLAIN exchange.
func (c *fakeConn) login(authReply string) {
	c.reply("220 fake.test ESMTP")
	c.expect("EHLO " + helloName)
	c.reply("250-fake.test", "250 AUTH PLAIN")
	c.expect("AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\x00user\x00secret")))
	c.reply(authReply)
}

func (c *fakeConn) accept(rcpts ...string) string {
	c.expect("MAIL FROM:<sender@example.org>")
	c.reply("250 OK")
	for _, r := range rcpts {
		c.expect("RCPT TO:<" + r + ">")
		c.reply("250 OK")
	}
	c.expect("DATA")
	c.reply("354 End data with <CR><LF>.<CR><LF>")
	data := c.readData()
	c.reply("250 OK queued")
	return data
}

// hangup drops the connection and ends the script.
func (c *fakeConn) hangup() {
	_ = c.conn.Close()
	runtime.Goexit()
}

// drain answers whatever the client still sends until it hangs up.
func (c *fakeConn) drain() {
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return
		}
		if strings.HasPrefix(line, "QUIT") {
			c.reply("221 Bye")
			continue
		}
		c.reply("501 ok")
	}
}

// startServer accepts a single connection and runs script on it.
func startServer(t *testing.T, script func(c *fakeConn)) (port int, done <-chan struct{}) {
	t.Helper()
	return startServers(t, script)
}

// startServers accepts one connection per script, in order, and runs each
// script to completion before accepting the next.
func startServers(t *testing.T, scripts ...func(c *fakeConn)) (port int, done <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, script := range scripts {
			conn, err := ln.Accept()
			if err != nil {
				t.Errorf("accept error: %v", err)
				return
			}
			served := make(chan struct{})
			go func() {
				defer close(served)
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				c := &fakeConn{t: t, conn: conn, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}
				defer c.drain()
				script(c)
			}()
			<-served
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, finished
}

func newTestSession(t *testing.T, port int, mode tlsconfig.Mode) *Session {
	t.Helper()
	s, err := NewSession(Account{
		Host:       "127.0.0.1",
		Port:       port,
		Username:   "user",
		Password:   "secret",
		From:       "sender@example.org",
		Encryption: mode,
	}, WithHelloName(helloName), WithTimeout(5*time.Second))
	require.NoError(t, err)
	return s
}

func testMessage(rcpts ...string) Message {
	return Message{Recipients: rcpts, Subject: "Quarterly report", Body: "hello\nworld"}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fake server did not finish")
	}
}

func TestSessionReusesConnection(t *testing.T) {
	dataCh := make(chan string, 2)
	port, done := startServer(t, func(c *fakeConn) {
		c.login("235 2.7.0 Authentication successful")
		dataCh <- c.accept("rcpt@example.com")
		dataCh <- c.accept("other@example.com")
		c.expect("QUIT")
		c.reply("221 Bye")
	})

	s := newTestSession(t, port, tlsconfig.None)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	assert.True(t, s.Connected())

	require.NoError(t, s.Send(ctx, testMessage("rcpt@example.com")))
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Send(ctx, testMessage("other@example.com")))
	s.Close()
	assert.False(t, s.Connected())
	waitDone(t, done)

	first := <-dataCh
	assert.Contains(t, first, "Subject: Quarterly report\r\n")
	assert.Contains(t, first, "To: rcpt@example.com\r\n")
	assert.Contains(t, first, "hello\r\nworld")
	assert.Contains(t, <-dataCh, "To: other@example.com\r\n")
}

func TestSessionAuthFailure(t *testing.T) {
	port, done := startServer(t, func(c *fakeConn) {
		c.login("535 5.7.8 Authentication credentials invalid")
	})

	s := newTestSession(t, port, tlsconfig.None)
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, AuthFailure, KindOf(err))
	assert.False(t, s.Connected())
	waitDone(t, done)
}

func TestSessionRecipientRejectedKeepsSession(t *testing.T) {
	dataCh := make(chan string, 1)
	port, done := startServer(t, func(c *fakeConn) {
		c.login("235 OK")
		c.expect("MAIL FROM:<sender@example.org>")
		c.reply("250 OK")
		c.expect("RCPT TO:<good@example.com>")
		c.reply("250 OK")
		c.expect("RCPT TO:<gone@example.com>")
		c.reply("550 5.1.1 No such user")
		c.expect("RSET")
		c.reply("250 OK")
		dataCh <- c.accept("next@example.com")
	})

	s := newTestSession(t, port, tlsconfig.None)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	err := s.Send(ctx, testMessage("good@example.com", "gone@example.com"))
	require.Error(t, err)
	var smtpErr *Error
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, RecipientRejected, smtpErr.Kind)
	assert.Equal(t, 550, smtpErr.Code)
	assert.Equal(t, []string{"gone@example.com"}, smtpErr.Recipients)
	assert.True(t, s.Connected())

	require.NoError(t, s.Send(ctx, testMessage("next@example.com")))
	assert.Contains(t, <-dataCh, "To: next@example.com")
	s.Close()
	waitDone(t, done)
}

func TestSessionSendFailures(t *testing.T) {
	tests := []struct {
		name   string
		script func(c *fakeConn)
		want   Kind
	}{
		{
			name: "sender refused",
			script: func(c *fakeConn) {
				c.expect("MAIL FROM:<sender@example.org>")
				c.reply("550 5.7.1 Sender not allowed")
			},
			want: SenderRejected,
		},
		{
			name: "data deferred",
			script: func(c *fakeConn) {
				c.expect("MAIL FROM:<sender@example.org>")
				c.reply("250 OK")
				c.expect("RCPT TO:<rcpt@example.com>")
				c.reply("250 OK")
				c.expect("DATA")
				c.reply("451 4.3.0 Try again later")
			},
			want: TransientProtocolError,
		},
		{
			name: "service closing",
			script: func(c *fakeConn) {
				c.expect("MAIL FROM:<sender@example.org>")
				c.reply("250 OK")
				c.expect("RCPT TO:<rcpt@example.com>")
				c.reply("421 4.7.0 Shutting down")
			},
			want: TransientProtocolError,
		},
		{
			name: "connection dropped",
			script: func(c *fakeConn) {
				c.expect("MAIL FROM:<sender@example.org>")
				c.hangup()
			},
			want: NetworkFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, done := startServer(t, func(c *fakeConn) {
				c.login("235 OK")
				tt.script(c)
			})
			s := newTestSession(t, port, tlsconfig.None)
			ctx := context.Background()
			require.NoError(t, s.Connect(ctx))

			err := s.Send(ctx, testMessage("rcpt@example.com"))
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err), err.Error())
			s.Close()
			waitDone(t, done)
		})
	}
}

func TestSessionGreetingRefused(t *testing.T) {
	port, done := startServer(t, func(c *fakeConn) {
		c.reply("554 5.3.2 Not accepting connections")
	})

	s := newTestSession(t, port, tlsconfig.None)
	err := s.Connect(context.Background())
	assert.Equal(t, ConnectFailure, KindOf(err))
	waitDone(t, done)
}

func TestSessionStartTLSRequired(t *testing.T) {
	port, done := startServer(t, func(c *fakeConn) {
		c.reply("220 fake.test ESMTP")
		c.expect("EHLO " + helloName)
		c.reply("250-fake.test", "250 AUTH PLAIN")
	})

	s := newTestSession(t, port, tlsconfig.StartTLS)
	err := s.Connect(context.Background())
	assert.Equal(t, GreetingFailure, KindOf(err))
	assert.True(t, KindOf(err).AbortsRun())
	waitDone(t, done)
}

func TestSessionDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := newTestSession(t, port, tlsconfig.None)
	err = s.Connect(context.Background())
	assert.Equal(t, ConnectFailure, KindOf(err))
	assert.True(t, KindOf(err).Retryable())
}

func TestSessionProbesIdleConnection(t *testing.T) {
	port, done := startServer(t, func(c *fakeConn) {
		c.login("235 OK")
		c.expect("NOOP")
		c.reply("250 OK")
	})

	s := newTestSession(t, port, tlsconfig.None)
	base := time.Now()
	offset := time.Duration(0)
	s.now = func() time.Time { return base.Add(offset) }

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	offset = 2 * time.Minute
	require.NoError(t, s.Connect(ctx))
	assert.True(t, s.Connected())
	s.Close()
	waitDone(t, done)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(Account{Port: 25, From: "a@example.com"})
	assert.Error(t, err)
	_, err = NewSession(Account{Host: "mx", Port: 0, From: "a@example.com"})
	assert.Error(t, err)
	_, err = NewSession(Account{Host: "mx", Port: 25})
	assert.Error(t, err)

	acct := Account{Host: "mail.example.com", Port: 587, Username: "bob", From: "bob@example.com"}
	assert.Equal(t, "bob@mail.example.com:587", acct.Name())
}
