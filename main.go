package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sheetmail/internal/config"
	"sheetmail/internal/logger"
	"sheetmail/queue"
	"sheetmail/storage"
)

// options collects the command line of one invocation.
type options struct {
	poolPath   string
	sourcePath string
	srcOpts    storage.Options

	logLevel string
	logFile  string

	test   bool
	noSend bool

	retries     int
	retryDelay  time.Duration
	spoolDir    string
	metricsAddr string
	auditFile   string
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, queue.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{srcOpts: storage.DefaultOptions()}

	cmd := &cobra.Command{
		Use:   "sheetmail [flags] SOURCE",
		Short: "Send the rows of a spreadsheet or SQLite table through a pool of rate-limited SMTP accounts",
		Long: `sheetmail delivers one message per pending row of SOURCE (.xlsx or .sqlite)
through the accounts of the pool file, pacing every account to its provider quota.
Each row's status column is set to 1 once sent and 2 when the row cannot be sent,
so an interrupted job can be re-run without sending a row twice.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.sourcePath = args[0]
			if opts.poolPath == "" {
				return errors.New("--config is required")
			}
			if opts.test && opts.noSend {
				return errors.New("--test and --nosend are mutually exclusive")
			}

			var extra []io.Writer
			if opts.logFile != "" {
				f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
				if err != nil {
					return err
				}
				defer f.Close()
				extra = append(extra, f)
			}
			log, err := logger.New(opts.logLevel, extra...)
			if err != nil {
				return err
			}
			return execute(cmd.Context(), opts, log)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.poolPath, "config", "c", "", "account pool file (.json, .toml or .yaml)")
	f.StringVarP(&opts.logLevel, "loglvl", "l", "INFO", "log level: DEBUG, INFO, WARN or ERROR")
	f.StringVarP(&opts.logFile, "logfile", "f", "", "also write JSON logs to this file")
	f.IntVarP(&opts.srcOpts.RowOffset, "rowoffset", "r", opts.srcOpts.RowOffset, "header rows to skip")
	f.IntVarP(&opts.srcOpts.ColTo, "colmail", "m", opts.srcOpts.ColTo, "recipient column (0-based)")
	f.IntVarP(&opts.srcOpts.ColSubject, "colsubject", "s", opts.srcOpts.ColSubject, "subject column (0-based)")
	f.IntVarP(&opts.srcOpts.ColBody, "colbody", "b", opts.srcOpts.ColBody, "body column (0-based)")
	f.IntVarP(&opts.srcOpts.ColStatus, "colsend", "o", opts.srcOpts.ColStatus, "status column (0-based)")
	f.StringVarP(&opts.srcOpts.StaticSubject, "staticsubject", "x", "", "use this subject for every message")
	f.IntVarP(&opts.srcOpts.SheetIndex, "sheetindex", "i", 0, "worksheet index (0-based)")
	f.StringVar(&opts.srcOpts.Table, "table", opts.srcOpts.Table, "table name of a SQLite source")
	f.BoolVar(&opts.test, "test", false, "check every account and the source, send nothing")
	f.BoolVar(&opts.noSend, "nosend", false, "dry run: pace as usual but write messages to the spool instead")
	f.IntVar(&opts.retries, "retries", config.Retries(), "delivery attempts per message")
	f.DurationVar(&opts.retryDelay, "retry-delay", config.RetryDelay(), "pause between delivery attempts")
	f.StringVar(&opts.spoolDir, "spool-dir", config.SpoolDir(), "directory for dry-run messages")
	f.StringVar(&opts.metricsAddr, "metrics-addr", config.MetricsAddr(), "serve /healthz and /metrics on this address")
	f.StringVar(&opts.auditFile, "audit-file", config.AuditFile(), "append one JSON line per message outcome")

	return cmd
}
