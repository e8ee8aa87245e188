package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/speaker-transcript/internal/storage"
)

var driveAuthCmd = &cobra.Command{
	Use:   "drive-auth",
	Short: "Authorize Google Drive uploads",
	Long: `Run the OAuth consent flow for Google Drive and cache the token.

Reads google_drive.credentials_file and writes google_drive.token_file.
The server uploads transcripts to Drive once the token exists.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		creds := cfg.GoogleDrive.CredentialsFile
		if creds == "" {
			return fmt.Errorf("google_drive.credentials_file is not set")
		}
		if err := storage.AuthorizeDrive(cmd.Context(), creds, cfg.GoogleDrive.TokenFile, os.Stdin, cmd.OutOrStdout()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", cfg.GoogleDrive.TokenFile)
		return nil
	},
}
