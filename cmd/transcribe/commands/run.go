package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/speaker-transcript/internal/app"
	"github.com/codebuildervaibhav/speaker-transcript/internal/queue"
	"github.com/codebuildervaibhav/speaker-transcript/internal/transcription"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

var (
	runEstimate float64
	runKeep     bool
	runUser     string
	runName     string
	runOutput   string
)

var runCmd = &cobra.Command{
	Use:   "run <video>",
	Short: "Transcribe one video file",
	Long: `Transcribe a video file and print the speaker-attributed transcript.

The job lock is claimed for the whole run. If another job holds it the
command fails straight away with the holder's details.

Examples:
  transcribe run meeting.mp4
  transcribe run meeting.mp4 --estimate 20 --user alice
  transcribe run meeting.mp4 --keep -o meeting.txt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		video, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		if _, err := os.Stat(video); err != nil {
			return fmt.Errorf("video not found: %w", err)
		}
		if !transcription.ValidateMediaFormat(video) {
			return fmt.Errorf("unsupported video format: %s", filepath.Ext(video))
		}
		if runKeep {
			cfg.Storage.KeepArtifacts = true
		}
		estimate := runEstimate
		if estimate <= 0 {
			estimate = cfg.Lock.EstimatedMinutes
		}
		name := runName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(video), filepath.Ext(video))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := newLogger(cfg)
		a, err := app.New(ctx, cfg, nil, logger)
		if err != nil {
			return err
		}
		printVerbose(cmd.ErrOrStderr(), "Using device: %s", a.Arbiter.Accelerator().Name())
		printVerbose(cmd.ErrOrStderr(), "Job lock: %s", a.Lock.Path())

		rec, runErr := a.Dispatcher.Run(ctx, queue.Request{
			Name:             name,
			Source:           types.SourceCLI,
			VideoPath:        video,
			Holder:           runUser,
			EstimatedMinutes: estimate,
		})
		if rec == nil {
			return runErr
		}

		for _, ev := range rec.Events().Since(0) {
			if ev.Type == queue.EventWarning || ev.Type == queue.EventError || verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s %s\n", ev.Type, ev.Stage, ev.Message)
			}
		}
		if runErr != nil {
			return runErr
		}

		result := rec.Result()
		if runOutput != "" {
			if err := os.WriteFile(runOutput, []byte(result.Text+"\n"), 0o644); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), result.Text)
		}

		if result.LocalPath != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Saved: %s\n", result.LocalPath)
		}
		if result.GDriveURL != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Drive: %s\n", result.GDriveURL)
		}
		if runKeep {
			fmt.Fprintf(cmd.ErrOrStderr(), "Artifacts kept in %s\n", rec.WorkDir())
		}
		if n := len(result.Failures); n > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d clip(s) skipped\n", n)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Float64Var(&runEstimate, "estimate", 0, "estimated minutes shown to other users while the job runs")
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "keep the working directory (audio, report, clips)")
	runCmd.Flags().StringVar(&runUser, "user", "", "holder name recorded in the job lock")
	runCmd.Flags().StringVar(&runName, "name", "", "transcript name (default: video file name)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "write the transcript to a file instead of stdout")
}
