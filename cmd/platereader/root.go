package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/config"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "platereader",
	Short: "Distributed license plate recognition node",
	Long: `platereader ingests camera streams over SRT or MJPEG-over-HTTP, splits
them into JPEG frames, runs each frame through a recognition engine, and
broadcasts plate detections over HTTPS and HTTP/3.`,
	SilenceUsage: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		// A .env file is a development convenience; loading it before
		// config.Load keeps the usual precedence, environment over file.
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(); err != nil {
				return fmt.Errorf("load .env: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath,
		"path to the configuration file")
	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}
