package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"sheetmail/delivery"
	"sheetmail/internal/audit"
	"sheetmail/internal/clock"
	"sheetmail/internal/email"
	"sheetmail/internal/logger"
	"sheetmail/internal/metrics"
)

var (
	// ErrRunAborted is returned when a fatal delivery outcome halted the run.
	ErrRunAborted = errors.New("queue: run aborted")
	// ErrInterrupted is returned when the run context ended mid-run.
	ErrInterrupted = errors.New("queue: run interrupted")
)

// Summary counts the terminal outcomes reached during a run.
type Summary struct {
	Delivered         int
	InvalidInput      int
	RecipientRejected int
}

// Total is the number of rows whose status was written.
func (s Summary) Total() int {
	return s.Delivered + s.InvalidInput + s.RecipientRejected
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the clock used to wait for accounts.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) {
		if clk != nil {
			d.clock = clk
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = logger.OrNop(log) }
}

// WithAllowedDomains restricts recipients to the given domains. Messages
// addressed elsewhere are skipped as invalid input. An empty list allows
// every domain.
func WithAllowedDomains(domains []string) Option {
	return func(d *Dispatcher) {
		if len(domains) == 0 {
			d.allowed = nil
			return
		}
		d.allowed = make(map[string]struct{}, len(domains))
		for _, dom := range domains {
			d.allowed[strings.ToLower(strings.TrimSpace(dom))] = struct{}{}
		}
	}
}

// WithJournal records every terminal outcome in j.
func WithJournal(j *audit.Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// Dispatcher drains a Source through the scheduler's accounts, one message
// at a time.
type Dispatcher struct {
	source  Source
	sched   *Scheduler
	clock   clock.Clock
	log     zerolog.Logger
	allowed map[string]struct{}
	journal *audit.Journal
}

// NewDispatcher wires a source to a scheduler.
func NewDispatcher(source Source, sched *Scheduler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source: source,
		sched:  sched,
		clock:  clock.Real{},
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Run processes pending messages until the source is exhausted. Every
// terminal outcome is written to the source before the next message is
// read. A fatal outcome leaves its message pending and ends the run with
// ErrRunAborted, or ErrInterrupted when ctx was canceled.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for {
		if err := ctx.Err(); err != nil {
			return sum, d.interrupted(err)
		}

		msg, err := d.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			d.log.Info().
				Int("delivered", sum.Delivered).
				Int("invalid", sum.InvalidInput).
				Int("rejected", sum.RecipientRejected).
				Msg("message source exhausted")
			return sum, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return sum, d.interrupted(ctx.Err())
			}
			metrics.RunAborts.WithLabelValues("source").Inc()
			return sum, fmt.Errorf("%w: read message source: %w", ErrRunAborted, err)
		}

		if err := d.dispatch(ctx, msg, &sum); err != nil {
			return sum, err
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message, sum *Summary) error {
	log := d.log.With().Int64("row", int64(msg.Row)).Logger()

	out, err := d.validate(msg)
	if err != nil {
		log.Warn().Err(err).Msg("skipping invalid message")
		sum.InvalidInput++
		return d.finish(ctx, msg.Row, "", delivery.SkippedInvalidInput, err)
	}

	acct, at := d.sched.Select()
	if wait := at.Sub(d.clock.Now()); wait > 0 {
		log.Info().Str("account", acct.Name()).Dur("wait", wait).Msg("waiting for account")
		metrics.SchedulerWait.Observe(wait.Seconds())
		if err := d.clock.Sleep(ctx, wait); err != nil {
			return d.interrupted(err)
		}
	} else {
		metrics.SchedulerWait.Observe(0)
	}

	outcome, err := acct.AttemptDelivery(ctx, out)
	switch outcome {
	case delivery.Delivered:
		sum.Delivered++
		return d.finish(ctx, msg.Row, acct.Name(), outcome, nil)
	case delivery.SkippedRecipientRejected:
		sum.RecipientRejected++
		return d.finish(ctx, msg.Row, acct.Name(), outcome, err)
	default:
		if ctx.Err() != nil {
			return d.interrupted(ctx.Err())
		}
		metrics.RunAborts.WithLabelValues("delivery").Inc()
		log.Error().Err(err).Str("account", acct.Name()).Msg("fatal delivery failure, halting")
		return fmt.Errorf("%w: row %d via %s: %w", ErrRunAborted, msg.Row, acct.Name(), err)
	}
}

// validate turns a row into a deliverable message.
func (d *Dispatcher) validate(msg Message) (delivery.Message, error) {
	if strings.TrimSpace(msg.Subject) == "" {
		return delivery.Message{}, errors.New("empty subject")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return delivery.Message{}, errors.New("empty body")
	}
	rcpts, err := email.ParseList(msg.To)
	if err != nil {
		return delivery.Message{}, err
	}
	if d.allowed != nil {
		for _, rcpt := range rcpts {
			dom, err := email.Domain(rcpt)
			if err != nil {
				return delivery.Message{}, err
			}
			if _, ok := d.allowed[dom]; !ok {
				return delivery.Message{}, fmt.Errorf("recipient domain %s not allowed", dom)
			}
		}
	}
	return delivery.Message{Recipients: rcpts, Subject: msg.Subject, Body: msg.Body}, nil
}

// finish persists the terminal status of row. The outcome is already decided,
// so the write outlives a canceled run context.
func (d *Dispatcher) finish(ctx context.Context, row RowID, account string, outcome delivery.Outcome, cause error) error {
	status := Error
	if outcome == delivery.Delivered {
		status = Sent
	}
	metrics.Messages.WithLabelValues(outcome.String()).Inc()
	d.journal.Record(audit.Entry{Row: int64(row), Account: account, Outcome: outcome.String(), Err: cause})

	if err := d.source.SetStatus(context.WithoutCancel(ctx), row, status); err != nil {
		metrics.RunAborts.WithLabelValues("status").Inc()
		return fmt.Errorf("%w: record status of row %d: %w", ErrRunAborted, row, err)
	}
	d.log.Debug().Int64("row", int64(row)).Stringer("status", status).Msg("status recorded")
	return nil
}

func (d *Dispatcher) interrupted(cause error) error {
	metrics.RunAborts.WithLabelValues("interrupted").Inc()
	d.log.Warn().Err(cause).Msg("run interrupted")
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

// Drain counts the pending messages left in source without changing them.
func Drain(ctx context.Context, source Source) (int, error) {
	n := 0
	for {
		if _, err := source.Next(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n++
	}
}
