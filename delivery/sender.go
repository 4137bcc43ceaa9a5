package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sheetmail/internal/clock"
	"sheetmail/internal/logger"
	"sheetmail/internal/metrics"
	"sheetmail/quota"
)

// Outcome is the terminal result of delivering one message.
type Outcome int

const (
	Delivered Outcome = iota
	SkippedInvalidInput
	SkippedRecipientRejected
	// FatalAbortRun halts the whole job; the message stays pending.
	FatalAbortRun
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case SkippedInvalidInput:
		return "invalid_input"
	case SkippedRecipientRejected:
		return "recipient_rejected"
	case FatalAbortRun:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// State is the position of a Sender in its retry/reconnect state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Sending
	Retrying
	Aborted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Sending:
		return "sending"
	case Retrying:
		return "retrying"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrRetriesExhausted is returned when every attempt hit a transient failure.
var ErrRetriesExhausted = errors.New("delivery: retries exhausted")

// Transport is the connection an account sends through.
type Transport interface {
	// Connect opens the transport. On an open transport it only checks that
	// the peer still holds it, reopening it when needed.
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	// Close must never fail and always leaves the transport disconnected.
	Close()
	Connected() bool
}

// RetryPolicy bounds the transport retry loop.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithPersist registers the write-back called after quota mutations of an
// account whose state asks for it.
func WithPersist(persist func() error) SenderOption {
	return func(s *Sender) { s.persist = persist }
}

// WithClock replaces the clock used for backoff sleeps.
func WithClock(clk clock.Clock) SenderOption {
	return func(s *Sender) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// WithSenderLogger attaches a logger.
func WithSenderLogger(log zerolog.Logger) SenderOption {
	return func(s *Sender) { s.log = logger.OrNop(log) }
}

// Sender delivers messages for one account, combining its quota tracker with
// its transport.
type Sender struct {
	name      string
	transport Transport
	tracker   *quota.Tracker
	policy    RetryPolicy
	persist   func() error
	clock     clock.Clock
	log       zerolog.Logger
	state     State
}

// NewSender wires a tracker and a transport. MaxRetries below 1 is raised to 1.
func NewSender(name string, transport Transport, tracker *quota.Tracker, policy RetryPolicy, opts ...SenderOption) *Sender {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	s := &Sender{
		name:      name,
		transport: transport,
		tracker:   tracker,
		policy:    policy,
		clock:     clock.Real{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = s.log.With().Str("account", name).Logger()
	metrics.QuotaRemaining.WithLabelValues(name).Set(float64(tracker.State().RemainingInWindow))
	return s
}

func (s *Sender) Name() string { return s.name }

// State returns the current state machine position.
func (s *Sender) State() State { return s.state }

// QuotaState returns a copy of the account's quota bookkeeping.
func (s *Sender) QuotaState() quota.State { return s.tracker.State() }

// PeekNextSend returns the earliest instant the account may send, rolling
// its window over first when due.
func (s *Sender) PeekNextSend() time.Time {
	next, changed := s.tracker.PeekNextSend()
	if changed {
		s.afterQuotaChange()
	}
	return next
}

// AttemptDelivery sends msg, reconnecting and retrying transient failures up
// to the policy's limit. The returned error explains every outcome other
// than Delivered.
func (s *Sender) AttemptDelivery(ctx context.Context, msg Message) (Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return s.abort(err)
		}

		if !s.transport.Connected() {
			s.state = Connecting
		}
		if err := s.transport.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return s.abort(ctx.Err())
			}
			if !KindOf(err).Retryable() {
				s.log.Error().Err(err).Msg("account unusable")
				return s.abort(err)
			}
			lastErr = err
			if err := s.backoff(ctx, attempt, err); err != nil {
				return s.abort(err)
			}
			continue
		}

		s.state = Sending
		err := s.transport.Send(ctx, msg)
		if err == nil {
			s.tracker.RecordSend()
			s.afterQuotaChange()
			s.state = Ready
			s.log.Info().Strs("to", msg.Recipients).Str("subject", msg.Subject).Int("try", attempt).Msg("sent mail")
			return Delivered, nil
		}
		if ctx.Err() != nil {
			return s.abort(ctx.Err())
		}

		kind := KindOf(err)
		switch {
		case kind == RecipientRejected:
			s.state = Ready
			if !s.transport.Connected() {
				s.state = Disconnected
			}
			s.log.Warn().Err(err).Strs("to", msg.Recipients).Msg("recipients refused")
			return SkippedRecipientRejected, err
		case kind.Retryable():
			lastErr = err
			if err := s.backoff(ctx, attempt, err); err != nil {
				return s.abort(err)
			}
		default:
			s.log.Error().Err(err).Msg("unrecoverable send failure")
			return s.abort(err)
		}
	}

	s.log.Error().Err(lastErr).Int("retries", s.policy.MaxRetries).Msg("too many retries, giving up")
	return s.abort(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.policy.MaxRetries, lastErr))
}

// Probe opens and closes the transport once, for connectivity checks.
func (s *Sender) Probe(ctx context.Context) error {
	defer s.Close()
	return s.transport.Connect(ctx)
}

// Close tears the transport down.
func (s *Sender) Close() {
	s.transport.Close()
	s.state = Disconnected
}

// backoff drops the connection and waits before the next attempt. No wait
// follows the final attempt.
func (s *Sender) backoff(ctx context.Context, attempt int, cause error) error {
	s.transport.Close()
	s.state = Retrying
	metrics.DeliveryRetries.WithLabelValues(s.name, KindOf(cause).String()).Inc()
	s.log.Warn().Err(cause).Int("try", attempt).Msg("transport failure")
	if attempt >= s.policy.MaxRetries {
		s.state = Disconnected
		return nil
	}
	s.log.Info().Dur("delay", s.policy.Delay).Msg("reconnecting after delay")
	if err := s.clock.Sleep(ctx, s.policy.Delay); err != nil {
		return err
	}
	s.state = Disconnected
	return nil
}

func (s *Sender) abort(err error) (Outcome, error) {
	s.transport.Close()
	s.state = Aborted
	return FatalAbortRun, err
}

func (s *Sender) afterQuotaChange() {
	st := s.tracker.State()
	metrics.QuotaRemaining.WithLabelValues(s.name).Set(float64(st.RemainingInWindow))
	if !st.PersistOnChange || s.persist == nil {
		return
	}
	if err := s.persist(); err != nil {
		s.log.Error().Err(err).Msg("persist account pool")
	}
}
