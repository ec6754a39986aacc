package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"linkscrub/internal/cache"
	"linkscrub/internal/config"
	"linkscrub/internal/crawler"
	"linkscrub/internal/health"
	"linkscrub/internal/metrics"
)

var (
	mirrorURL    string
	mirrorOutput string
	mirrorDepth  int
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror a site to disk with scrubbed links",
	Long: `mirror crawls crawl.start_url breadth-first and saves every in-scope page
under the output directory. Links are passed through the plugin chain before
they are fetched, so presigned parameters never reach the saved copy.`,
	Args: cobra.NoArgs,
	RunE: runMirror,
}

func init() {
	rootCmd.AddCommand(mirrorCmd)
	mirrorCmd.Flags().StringVar(&mirrorURL, "url", "", "Start URL (overrides crawl.start_url)")
	mirrorCmd.Flags().StringVar(&mirrorOutput, "output", "", "Output directory (overrides crawl.output_dir)")
	mirrorCmd.Flags().IntVar(&mirrorDepth, "depth", 0, "Mirror depth, 0 for unlimited (overrides crawl.depth)")
}

func runMirror(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	applyMirrorFlags(cmd, cfg)

	if err := cfg.ValidateMirror(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry := metrics.NewRegistry()
	if cfg.HealthPort > 0 {
		healthServer := health.New(cfg.HealthPort, registry)
		go func() {
			if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Health server failed", "error", err)
			}
		}()
		defer healthServer.Stop()
		healthServer.MarkReady()
	}

	var seen crawler.Seen
	if cfg.Redis.Enabled() {
		redisCache, err := cache.New(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to create cache client: %w", err)
		}
		defer redisCache.Close()
		seen = redisCache
	}

	manager, err := newPluginManager(cfg)
	if err != nil {
		return err
	}
	defer closePlugins(manager)

	c, err := crawler.New(cfg, manager, seen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := c.Run(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Mirrored %d pages (%d bytes) to %s: %d links rewritten, %d rejected, %d errors\n",
		stats.Pages, stats.Bytes, cfg.Crawl.OutputDir, stats.Rewritten, stats.Rejected, stats.Errors)
	return err
}

func applyMirrorFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Crawl.StartURL = mirrorURL
	}
	if flags.Changed("output") {
		cfg.Crawl.OutputDir = mirrorOutput
	}
	if flags.Changed("depth") {
		cfg.Crawl.Depth = mirrorDepth
	}
}
