package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/browser"
	"github.com/khlab/paperpull/internal/config"
	"github.com/khlab/paperpull/internal/crawler"
	"github.com/khlab/paperpull/internal/creds"
	"github.com/khlab/paperpull/internal/download"
	"github.com/khlab/paperpull/internal/observability"
	"github.com/khlab/paperpull/internal/quota"
	"github.com/khlab/paperpull/internal/scheduler"
	"github.com/khlab/paperpull/internal/session"
)

// newCrawlCmd creates and configures the `crawl` command.
func newCrawlCmd() *cobra.Command {
	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the multi-year bulk download batch",
		// PreRunE finalizes configuration before RunE: flags bound here
		// override the config file and environment with the right
		// precedence.
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("year") && cmd.Flags().Changed("years") {
				return errors.New("--year and --years are mutually exclusive")
			}
			if err := viper.BindPFlag("crawl.base_path", cmd.Flags().Lookup("save-path")); err != nil {
				return err
			}
			if err := viper.BindPFlag("crawl.journal", cmd.Flags().Lookup("journal")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.mode", cmd.Flags().Lookup("mode")); err != nil {
				return err
			}
			if err := viper.BindPFlag("credentials.file", cmd.Flags().Lookup("credentials")); err != nil {
				return err
			}
			if err := viper.BindPFlag("crawl.years", cmd.Flags().Lookup("years")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-unmarshal now that the flags are bound.
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			if year, _ := cmd.Flags().GetInt("year"); cmd.Flags().Changed("year") {
				cfg.Crawl.Years = []int{year}
			}
			if len(cfg.Crawl.Years) == 0 {
				return errors.New("no target years configured")
			}
			if cfg.Crawl.BasePath == "" {
				return errors.New("a save path is required (--save-path or crawl.base_path)")
			}

			cfg.Creds.Username, _ = cmd.Flags().GetString("username")
			cfg.Creds.Password, _ = cmd.Flags().GetString("password")
			credentials, err := creds.Resolve(cfg.Creds, logger)
			if err != nil {
				return err
			}

			logger.Info("Starting crawl batch",
				zap.Ints("years", cfg.Crawl.Years),
				zap.String("journal", cfg.Crawl.Journal),
				zap.String("base_path", cfg.Crawl.BasePath),
				zap.Bool("headless", browser.ResolveMode(cfg.Browser.Mode)),
			)

			summary, err := runBatch(ctx, cfg, credentials, logger)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return errors.New("crawl aborted by user signal")
				}
				return err
			}

			fmt.Printf("\nRun %s: %d completed, %d aborted\n", summary.RunID, summary.Completed(), summary.Failed())
			for _, outcome := range summary.Outcomes {
				fmt.Printf("  %s\n", outcome)
			}

			if summary.Completed() == 0 {
				return errors.New("every target aborted")
			}
			return nil
		},
	}

	crawlCmd.Flags().IntSlice("years", nil, "Target years to crawl, in order. (Overrides config/env)")
	crawlCmd.Flags().Int("year", 0, "Single target year; mutually exclusive with --years.")
	crawlCmd.Flags().StringP("save-path", "s", "", "Base directory; PDFs land in <save-path>/<year>/.")
	crawlCmd.Flags().String("journal", "", "Publication title used for the facet filter. (Overrides config/env)")
	crawlCmd.Flags().String("mode", "auto", "Browser mode: auto, headless, or windowed.")
	crawlCmd.Flags().StringP("username", "u", "", "Login identity; takes precedence over the credential file.")
	crawlCmd.Flags().StringP("password", "p", "", "Login secret; takes precedence over the credential file.")
	crawlCmd.Flags().String("credentials", "credentials.json", "Path to the credential file.")

	return crawlCmd
}

// runBatch wires the components together and runs the scheduler.
func runBatch(ctx context.Context, cfg *config.Config, credentials creds.Credentials, logger *zap.Logger) (*schemas.RunSummary, error) {
	manager, err := browser.NewManager(ctx, cfg.Browser, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	defer manager.Shutdown()

	driver, err := manager.NewDriver()
	if err != nil {
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	sess := session.New(driver, cfg.Site, logger)
	controller := quota.New(cfg.Quota, logger)
	tracker := download.NewTracker(cfg.Download, logger)
	machine := crawler.New(sess, controller, tracker, cfg.Site, cfg.Crawl,
		credentials.Username, credentials.Password, logger)
	sched := scheduler.New(sess, machine, cfg.Crawl, credentials, logger)

	return sched.Run(ctx, scheduler.Targets(cfg.Crawl)), nil
}

func init() {
	rootCmd.AddCommand(newCrawlCmd())
}
