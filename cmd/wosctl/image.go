package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type EnsureImageResult struct {
	Status          string `json:"status"`
	PercentComplete int    `json:"percent_complete"`
}

type pullProgress struct {
	Ref      string `json:"ref"`
	Status   string `json:"status"`
	Percent  int    `json:"percent"`
	Progress string `json:"progress"`
	Cause    string `json:"cause"`
}

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Image admission commands",
}

var imageEnsureCmd = &cobra.Command{
	Use:   "ensure <ref>",
	Short: "Ensure an image is present on the daemon, pulling if needed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := Dial()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		ref := args[0]
		onEvent := func(event string, payload json.RawMessage) {
			if event != "image-pull-progress" {
				return
			}
			var p pullProgress
			if json.Unmarshal(payload, &p) != nil || p.Ref != ref {
				return
			}
			if p.Progress != "" {
				fmt.Printf("\r%s %3d%% %s    ", p.Status, p.Percent, p.Progress)
			} else {
				fmt.Printf("\r%s %3d%%    ", p.Status, p.Percent)
			}
		}

		var res EnsureImageResult
		if err := client.Call("ensure-image", map[string]string{"ref": ref}, &res, onEvent); err != nil {
			fmt.Println()
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nImage %s: %s (%d%%)\n", ref, res.Status, res.PercentComplete)
	},
}

func init() {
	imageCmd.AddCommand(imageEnsureCmd)
	rootCmd.AddCommand(imageCmd)
}
