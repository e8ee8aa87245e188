package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/speaker-transcript/internal/joblock"
)

var (
	statusJSON   bool
	releaseForce bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the shared job lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := openLock()
		if err != nil {
			return err
		}
		st, err := lock.Status()
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		fmt.Fprint(cmd.OutOrStdout(), describe(st, time.Now()))
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Clear a job lock left by a crashed process",
	Long: `Reset the job lock to free.

Only use this when the holder is gone. Releasing the lock under a running
job lets a second job start on the same device.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := openLock()
		if err != nil {
			return err
		}
		st, err := lock.Status()
		if err != nil {
			return err
		}
		if !st.IsBusy {
			fmt.Fprintln(cmd.OutOrStdout(), "Job lock is already free")
			return nil
		}
		if !releaseForce {
			return fmt.Errorf("job lock held by %s; pass --force to release it", st.HolderID())
		}
		if err := lock.Release(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released job lock held by %s\n", st.HolderID())
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the lock file state as JSON")
	releaseCmd.Flags().BoolVar(&releaseForce, "force", false, "release even though the lock is held")
}

func openLock() (*joblock.Lock, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	return joblock.New(cfg.Lock.Path, newLogger(cfg))
}

func describe(st joblock.State, now time.Time) string {
	if !st.IsBusy {
		return "Status: free\n"
	}
	out := fmt.Sprintf("Status: busy\nHolder: %s\n", st.HolderID())
	if st.StartTime != nil {
		elapsed := now.Sub(*st.StartTime).Round(time.Second)
		out += fmt.Sprintf("Started: %s (%s ago)\n", st.StartTime.Format(time.RFC3339), elapsed)
	}
	if st.EstimatedMinutes != nil {
		out += fmt.Sprintf("Estimated: %.0f min\n", *st.EstimatedMinutes)
	}
	return out
}
