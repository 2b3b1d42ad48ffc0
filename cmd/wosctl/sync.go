package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type TriggerSyncResult struct {
	Success     bool `json:"success"`
	FilesQueued int  `json:"files_queued"`
}

var syncSandboxID string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Local-cloud sync commands",
}

var syncTriggerCmd = &cobra.Command{
	Use:   "trigger <local-path>",
	Short: "Queue changed files under a local path for upload to its sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := Dial()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		payload := map[string]string{
			"local_path": args[0],
			"sandbox_id": syncSandboxID,
		}
		var res TriggerSyncResult
		if err := client.Call("trigger-local-cloud-sync", payload, &res, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sync triggered, %d file(s) queued.\n", res.FilesQueued)
	},
}

func init() {
	syncTriggerCmd.Flags().StringVar(&syncSandboxID, "sandbox-id", "", "Sandbox to start a session against when none exists")
	syncCmd.AddCommand(syncTriggerCmd)
	rootCmd.AddCommand(syncCmd)
}
