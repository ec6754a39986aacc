package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"linkscrub/internal/links"
	"linkscrub/pkg/linkplugin"
)

var stripParams []string

var stripCmd = &cobra.Command{
	Use:   "strip [URL...]",
	Short: "Run URLs through the plugin chain",
	Long: `strip passes each URL argument, or each line of standard input when no
arguments are given, through the plugin chain and prints the result, one per
line. Rejected links are still printed and are logged to standard error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("")
		if err != nil {
			return err
		}
		cfg.StripParams = append(cfg.StripParams, stripParams...)

		manager, err := newPluginManager(cfg)
		if err != nil {
			return err
		}
		defer closePlugins(manager)

		return stripLinks(cmd.Context(), manager, args, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(stripCmd)
	stripCmd.Flags().StringSliceVar(&stripParams, "param", nil, "Additional query parameter to strip (repeatable)")
}

func stripLinks(ctx context.Context, detector links.Detector, args []string, in io.Reader, out io.Writer) error {
	emit := func(raw string) error {
		link := &linkplugin.Link{URL: raw, Tag: "cli"}
		if !detector.LinkDetected(ctx, link) {
			slog.Info("Link rejected", "url", raw)
		}
		_, err := fmt.Fprintln(out, link.URL)
		return err
	}

	if len(args) > 0 {
		for _, arg := range args {
			if err := emit(arg); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(in)
	// Presigned URLs routinely exceed bufio's default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := emit(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}
