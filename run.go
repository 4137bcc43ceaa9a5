package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sheetmail/delivery"
	"sheetmail/health"
	"sheetmail/internal/audit"
	"sheetmail/internal/clock"
	"sheetmail/internal/config"
	"sheetmail/internal/dkim"
	"sheetmail/queue"
	"sheetmail/quota"
	"sheetmail/storage"
)

var errChecksFailed = errors.New("connectivity checks failed")

// execute loads the pool and the source and runs the selected mode.
func execute(ctx context.Context, opts *options, log zerolog.Logger) error {
	runID := uuid.NewString()
	log = log.With().Str("run", runID[:8]).Logger()

	pool, err := config.LoadPool(opts.poolPath)
	if err != nil {
		return err
	}
	log.Info().Str("pool", pool.Path()).Int("accounts", len(pool.Accounts)).Msg("loaded account pool")

	if opts.metricsAddr != "" {
		srv, ln, err := health.StartHealthServer(opts.metricsAddr, log)
		if err != nil {
			return fmt.Errorf("start metrics listener: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			_ = ln.Close()
		}()
	}

	clk := clock.Real{}
	senders, err := buildSenders(pool, opts, clk, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range senders {
			s.Close()
		}
	}()

	srcOpts := opts.srcOpts
	srcOpts.ReadOnly = opts.noSend || opts.test
	src, err := storage.Open(opts.sourcePath, srcOpts, log)
	if err != nil {
		return err
	}
	defer src.Close()

	if opts.test {
		return checkConnectivity(ctx, senders, src, log)
	}

	var journal *audit.Journal
	if opts.auditFile != "" {
		if journal, err = audit.Open(opts.auditFile, runID); err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		defer journal.Close()
	}

	accounts := make([]queue.Account, len(senders))
	for i, s := range senders {
		accounts[i] = s
	}
	sched, err := queue.NewScheduler(accounts...)
	if err != nil {
		return err
	}
	d := queue.NewDispatcher(src, sched,
		queue.WithClock(clk),
		queue.WithLogger(log),
		queue.WithAllowedDomains(config.AllowedRecipientDomains()),
		queue.WithJournal(journal),
	)

	start := time.Now()
	sum, err := d.Run(ctx)
	log.Info().
		Int("delivered", sum.Delivered).
		Int("invalid", sum.InvalidInput).
		Int("rejected", sum.RecipientRejected).
		Dur("elapsed", time.Since(start)).
		Bool("dry_run", opts.noSend).
		Msg("run finished")
	return err
}

// buildSenders creates one sender per pool entry, in pool order. Quota
// changes of accounts flagged update_config rewrite the whole pool file,
// except in a dry run where nothing is written back.
func buildSenders(pool *config.Pool, opts *options, clk clock.Clock, log zerolog.Logger) ([]*delivery.Sender, error) {
	var spool *storage.Spool
	if opts.noSend {
		var err error
		if spool, err = storage.NewSpool(opts.spoolDir); err != nil {
			return nil, err
		}
		log.Warn().Str("spool", spool.Dir()).Msg("dry run, messages are spooled and nothing is written back")
	}

	senders := make([]*delivery.Sender, 0, len(pool.Accounts))
	persist := func() error {
		for i, s := range senders {
			pool.Accounts[i].ApplyQuota(s.QuotaState())
		}
		return pool.Save()
	}

	for _, entry := range pool.Accounts {
		acct, err := entry.Account()
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", entry.Name(), err)
		}
		st, err := entry.QuotaState()
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", entry.Name(), err)
		}
		acctLog := log.With().Str("account", acct.Name()).Logger()

		tracker, err := quota.NewTracker(st, clk, acctLog)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.Name(), err)
		}
		signer, err := dkim.New(entry.DKIM())
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.Name(), err)
		}

		var transport delivery.Transport
		if spool != nil {
			transport = storage.NewSpoolTransport(spool, acct.From, signer)
		} else {
			session, err := delivery.NewSession(acct,
				delivery.WithHelloName(config.HelloName()),
				delivery.WithSigner(signer),
				delivery.WithLogger(acctLog),
			)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", acct.Name(), err)
			}
			transport = session
		}

		senderOpts := []delivery.SenderOption{
			delivery.WithClock(clk),
			delivery.WithSenderLogger(log),
		}
		if spool == nil {
			senderOpts = append(senderOpts, delivery.WithPersist(persist))
		}
		senders = append(senders, delivery.NewSender(acct.Name(), transport, tracker,
			delivery.RetryPolicy{MaxRetries: opts.retries, Delay: opts.retryDelay}, senderOpts...))

		acctLog.Info().
			Str("pacing", st.Pacing.String()).
			Int("remaining", tracker.State().RemainingInWindow).
			Int("allowed", st.AllowedPerWindow).
			Time("next_send", tracker.State().NextSend).
			Str("dkim_selector", signer.Selector()).
			Msg("account ready")
	}
	return senders, nil
}

// checkConnectivity logs into every account in parallel and counts the
// pending rows of src. Nothing is sent or written.
func checkConnectivity(ctx context.Context, senders []*delivery.Sender, src queue.Source, log zerolog.Logger) error {
	results := make([]error, len(senders))
	var g errgroup.Group
	for i, s := range senders {
		g.Go(func() error {
			results[i] = s.Probe(ctx)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, s := range senders {
		if err := results[i]; err != nil {
			failed++
			log.Error().Err(err).Str("account", s.Name()).Stringer("kind", delivery.KindOf(err)).Msg("account check failed")
			continue
		}
		log.Info().Str("account", s.Name()).Msg("account check passed")
	}

	pending, err := queue.Drain(ctx, src)
	if err != nil {
		log.Error().Err(err).Msg("reading message source failed")
		failed++
	} else {
		log.Info().Int("pending", pending).Msg("message source readable")
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errChecksFailed, failed, len(senders)+1)
	}
	return nil
}
