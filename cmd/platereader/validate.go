package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "configuration ok")
		fmt.Fprintf(out, "  node:          %s\n", cfg.Node.Name)
		fmt.Fprintf(out, "  srt ingest:    %s\n", cfg.Ingest.SRTAddr)
		fmt.Fprintf(out, "  mjpeg sources: %d\n", len(cfg.Ingest.MJPEGSources))
		fmt.Fprintf(out, "  api:           %s\n", cfg.Broadcast.Addr)
		fmt.Fprintf(out, "  workers:       %d\n", cfg.Pool.WorkerCount)
		fmt.Fprintf(out, "  inference:     %s\n", cfg.Inference.Endpoint)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "platereader %s\n", version)
	},
}
