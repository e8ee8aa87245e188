// Command transcribe runs the speaker transcription pipeline from the shell.
//
// Usage:
//
//	transcribe [flags] <command> [args]
//
// Commands:
//
//	run         - Transcribe one video file
//	status      - Show the shared job lock
//	release     - Clear a job lock left by a crashed process
//	drive-auth  - Authorize Google Drive uploads
package main

import (
	"fmt"
	"os"

	"github.com/codebuildervaibhav/speaker-transcript/cmd/transcribe/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
