package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/speaker-transcript/internal/app"
	"github.com/codebuildervaibhav/speaker-transcript/internal/config"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	globalConfig  *config.Config
	configLoadErr error
)

var rootCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Speaker-attributed transcripts from video",
	Long: `transcribe - turn a video into a transcript with one paragraph per
speaker turn.

Only one job runs at a time on a machine. The job lock file is shared with
the HTTP server, so a CLI run and a server upload never overlap.

Examples:
  transcribe run meeting.mp4
  transcribe run meeting.mp4 --estimate 20 --keep -o meeting.txt
  transcribe status
  transcribe release --force`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(driveAuthCmd)
}

func initConfig() {
	cfg, err := app.LoadConfig(cfgFile)
	if err != nil {
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// getConfig returns the loaded configuration or the deferred load error.
func getConfig() (*config.Config, error) {
	if globalConfig == nil {
		if configLoadErr != nil {
			return nil, fmt.Errorf("config not available: %w", configLoadErr)
		}
		return nil, fmt.Errorf("config not loaded")
	}
	return globalConfig, nil
}

// newLogger logs to stderr so stdout stays clean for the transcript.
func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return app.NewLogger(os.Stderr, level)
}

func printVerbose(w io.Writer, format string, args ...any) {
	if verbose {
		fmt.Fprintf(w, "[verbose] "+format+"\n", args...)
	}
}
