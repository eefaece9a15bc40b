package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/vulnsync/internal/config"
	"github.com/rcourtman/vulnsync/internal/finding"
	"github.com/rcourtman/vulnsync/internal/logging"
	"github.com/rcourtman/vulnsync/internal/reconcile"
	"github.com/rcourtman/vulnsync/internal/setup"
	"github.com/rcourtman/vulnsync/pkg/jira"
	"github.com/rcourtman/vulnsync/pkg/tlsutil"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type syncFlags struct {
	metricsAddr   string
	ignoreLastRun bool
	debug         bool
	noUpdate      bool
	noCreate      bool
}

var syncOpts syncFlags

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile findings with Jira",
	Long: `Read the configured finding export, then create, update and close Jira
tickets so they match it. On success the run start time is written back to
the configuration as source.last_run.`,
	Example: `  # Regular run
  vulnsync sync -c /etc/vulnsync/vulnsync.yaml

  # Refresh every ticket regardless of the last run, keep the cache for inspection
  vulnsync sync --ignore-last-run --debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSync(ctx, cmd.OutOrStdout(), configPath, syncOpts)
	},
}

func init() {
	f := syncCmd.Flags()
	f.StringVar(&syncOpts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run (e.g. :9091)")
	f.BoolVar(&syncOpts.ignoreLastRun, "ignore-last-run", false, "update every matched ticket, not only findings changed since the last run")
	f.BoolVar(&syncOpts.debug, "debug", false, "debug logging, a single worker, and keep the mapping cache after the run")
	f.BoolVar(&syncOpts.noUpdate, "no-update", false, "do not write source.last_run back to the configuration")
	f.BoolVar(&syncOpts.noCreate, "no-create-fields", false, "fail instead of creating missing Jira custom fields")
}

func runSync(ctx context.Context, out io.Writer, path string, flags syncFlags) error {
	cfg, err := loadConfig(path, flags.debug)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Configuration is invalid")
		return err
	}

	if flags.metricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		done := startMetricsServer(metricsCtx, flags.metricsAddr)
		defer func() {
			cancel()
			<-done
		}()
	}

	client, err := newJiraClient(cfg)
	if err != nil {
		return err
	}

	res, err := setup.Resolve(ctx, cfg, client, setup.Options{CreateFields: !flags.noCreate})
	if err != nil {
		log.Error().Err(err).Msg("Failed to link configuration to Jira")
		return err
	}

	opts := res.ProcessorOptions(cfg)
	opts.IgnoreLastRun = flags.ignoreLastRun
	opts.Debug = flags.debug
	proc, err := reconcile.New(client, opts)
	if err != nil {
		return err
	}

	source, err := buildSource(ctx, cfg)
	if err != nil {
		return err
	}

	summary, err := proc.Sync(ctx, source)
	if err != nil {
		log.Error().Err(err).Str("run_id", summary.RunID).Msg("Sync failed")
		return err
	}

	if !flags.noUpdate {
		if err := cfg.SaveLastRun(summary.Started); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "run %s: created %d, updated %d, closed %d, skipped %d, errors %d in %s\n",
		summary.RunID, summary.Created, summary.Updated, summary.Closed, summary.Skipped, summary.Errors,
		summary.Duration().Round(time.Millisecond))
	return nil
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig(path string, debug bool) (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "vulnsync"})

	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Str("config_file", path).Msg("Failed to load configuration")
		return nil, err
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     level,
		Component: "vulnsync",
		FilePath:  cfg.Log.File,
	})
	return cfg, nil
}

func newJiraClient(cfg *config.Config) (*jira.Client, error) {
	j := cfg.Jira
	tlsutil.SetDNSCacheTTL(j.DNSCacheTTL)
	client, err := jira.NewClient(jira.ClientConfig{
		URL:         j.URL,
		User:        j.User,
		APIToken:    j.APIToken,
		BearerToken: j.BearerToken,
		APIVersion:  j.APIVersion,
		VerifySSL:   j.VerifyTLS(),
		Fingerprint: j.Fingerprint,
		Timeout:     j.Timeout,
		MaxConns:    j.MaxWorkers * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	return client, nil
}

// buildSource wires the finding export for the configured platform.
func buildSource(ctx context.Context, cfg *config.Config) (*finding.FileSource, error) {
	src := &finding.FileSource{
		FindingsPath:   cfg.Source.FindingsPath,
		DeadAssetsPath: cfg.Source.DeadAssetsPath,
	}

	switch cfg.Source.Platform {
	case config.PlatformTSC:
		sourceType := cfg.Source.SourceType
		if sourceType == "" {
			sourceType = "cumulative"
		}
		src.Normalizer = &finding.Analysis{SourceType: sourceType}
	default:
		n := &finding.VulnExport{CloseAccepted: cfg.Source.CloseAccepted}
		if cfg.Source.AssetsPath != "" {
			assets, err := finding.LoadAssets(ctx, cfg.Source.AssetsPath)
			if err != nil {
				return nil, fmt.Errorf("load assets: %w", err)
			}
			log.Info().Int("assets", len(assets)).Msg("Loaded asset export")
			n.Assets = assets
		}
		src.Normalizer = n
	}
	return src, nil
}
