package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/slotwatch/internal/challenge"
	"github.com/me/slotwatch/internal/config"
	"github.com/me/slotwatch/internal/notify"
	"github.com/me/slotwatch/internal/orchestrator"
	"github.com/me/slotwatch/internal/server"
	"github.com/me/slotwatch/internal/session"
	"github.com/me/slotwatch/internal/slot"
	"github.com/me/slotwatch/internal/store"
	"github.com/me/slotwatch/pkg/bbdc"
)

// Version is reported by the status server.
var Version = "dev"

type runOptions struct {
	policyPath    string
	minInterval   time.Duration
	maxInterval   time.Duration
	maxAttempts   int
	minConfidence float64
	language      string
	timeout       time.Duration
	statusAddr    string
	ledgerPath    string
	dryRun        bool
	once          bool
}

func newRunCmd(recognizers RecognizerFactory) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polling and booking loop",
		Long: `Logs in, reports the account status, then polls released practical slots
every --min-interval to --max-interval and books every slot the policy accepts.

Credentials and Telegram settings come from the environment (USERID, PASSWORD,
BOT_TOKEN, CHAT_ID1, CHAT_ID2) or from --env-file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), recognizers, opts)
		},
	}

	cmd.Flags().StringVar(&opts.policyPath, "policy", "", "YAML policy file (default: built-in rules)")
	cmd.Flags().DurationVar(&opts.minInterval, "min-interval", orchestrator.DefaultMinInterval, "Shortest pause between cycles")
	cmd.Flags().DurationVar(&opts.maxInterval, "max-interval", orchestrator.DefaultMaxInterval, "Longest pause between cycles")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", challenge.DefaultMaxAttempts, "Captcha instances tried per solve (0 = unbounded)")
	cmd.Flags().Float64Var(&opts.minConfidence, "min-confidence", challenge.DefaultMinConfidence, "Minimum OCR confidence (0-1)")
	cmd.Flags().StringVar(&opts.language, "lang", "eng", "OCR language")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", bbdc.DefaultTimeout, "HTTP timeout per service call")
	cmd.Flags().StringVar(&opts.statusAddr, "status-addr", "", "Serve status on this address (e.g. :8080)")
	cmd.Flags().StringVar(&opts.ledgerPath, "ledger", ":memory:", "SQLite ledger path")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Shortlist slots but never book")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Run a single cycle and exit")

	return cmd
}

func (o runOptions) validate() error {
	switch {
	case o.minInterval <= 0:
		return fmt.Errorf("--min-interval must be positive")
	case o.maxInterval < o.minInterval:
		return fmt.Errorf("--max-interval %s is shorter than --min-interval %s", o.maxInterval, o.minInterval)
	case o.minConfidence < 0 || o.minConfidence > 1:
		return fmt.Errorf("--min-confidence must be between 0 and 1")
	case o.maxAttempts < 0:
		return fmt.Errorf("--max-attempts must not be negative")
	}
	return nil
}

func loadPolicy(path string) (slot.Policy, error) {
	if path == "" {
		return slot.DefaultPolicy(), nil
	}
	return slot.LoadPolicy(path)
}

func runBot(ctx context.Context, recognizers RecognizerFactory, opts runOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	cfg, err := config.Load(flagEnvFile)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	policy, err := loadPolicy(opts.policyPath)
	if err != nil {
		return err
	}

	rec, err := recognizers(opts.language)
	if err != nil {
		return fmt.Errorf("open recognizer: %w", err)
	}
	defer rec.Close()

	solverCfg := challenge.DefaultConfig()
	solverCfg.MaxAttempts = opts.maxAttempts
	solverCfg.MinConfidence = opts.minConfidence
	solver := challenge.NewSolver(rec, solverCfg, logger)

	api := bbdc.NewClient(cfg.Client(opts.timeout), logger)
	sessions := session.NewManager(api, solver, session.Credentials{UserID: cfg.UserID, Password: cfg.Password}, logger)

	sinks := notify.Multi{notify.NewLogSink(logger)}
	if cfg.Notifications() {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:     cfg.BotToken,
			InfoChat:  cfg.InfoChat,
			AlertChat: cfg.AlertChat,
		}, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, tg)
	} else {
		logger.Warn("BOT_TOKEN not set; notifications go to the log only")
	}

	ledger, err := store.NewSQLiteStore(opts.ledgerPath, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()
	if err := ledger.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}

	orch := orchestrator.New(api, sessions, solver, sinks, orchestrator.Config{
		CourseType:  cfg.CourseType,
		Location:    loc,
		Policy:      policy,
		MinInterval: opts.minInterval,
		MaxInterval: opts.maxInterval,
		DryRun:      opts.dryRun,
	}, logger, orchestrator.WithLedger(ledger))

	if opts.statusAddr != "" {
		srv := server.New(orch, logger, server.WithLedger(ledger), server.WithVersion(Version))
		go func() {
			if err := srv.ListenAndServe(ctx, opts.statusAddr); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	if opts.once {
		return orch.Tick(ctx)
	}
	if err := orch.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
