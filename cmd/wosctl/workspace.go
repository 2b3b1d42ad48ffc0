package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type WorkspaceRow struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Path        string `json:"path,omitempty"`
	SandboxID   string `json:"sandbox_id,omitempty"`
	Status      string `json:"status"`
	TaskID      string `json:"task_id"`
	TaskRunID   string `json:"task_run_id"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type CreateLocalResult struct {
	Success       bool   `json:"success"`
	Pending       bool   `json:"pending"`
	TaskID        string `json:"task_id"`
	TaskRunID     string `json:"task_run_id"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspacePath string `json:"workspace_path"`
	WorkspaceURL  string `json:"workspace_url"`
}

type CreateCloudResult struct {
	TaskID      string `json:"task_id"`
	TaskRunID   string `json:"task_run_id"`
	WorkspaceID string `json:"workspace_id"`
	Pending     bool   `json:"pending"`
}

var (
	wsRepoURL    string
	wsProject    string
	wsBranch     string
	wsBaseBranch string
	wsEnv        string
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Workspace management commands",
}

var wsCreateLocalCmd = &cobra.Command{
	Use:   "create-local <task-id>",
	Short: "Create a local workspace for a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := Dial()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		payload := map[string]string{
			"task_id":     args[0],
			"repo_url":    wsRepoURL,
			"project":     wsProject,
			"branch":      wsBranch,
			"base_branch": wsBaseBranch,
		}
		var res CreateLocalResult
		if err := client.Call("create-local-workspace", payload, &res, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Workspace reserved, provisioning in background.\n")
		fmt.Printf("Workspace ID: %s\n", res.WorkspaceID)
		fmt.Printf("Path: %s\n", res.WorkspacePath)
		fmt.Printf("Check status: wosctl workspace get %s\n", res.WorkspaceID)
	},
}

var wsCreateCloudCmd = &cobra.Command{
	Use:   "create-cloud <task-id>",
	Short: "Create a cloud sandbox workspace for a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := Dial()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		payload := map[string]string{
			"task_id":     args[0],
			"environment": wsEnv,
			"repo_url":    wsRepoURL,
		}
		var res CreateCloudResult
		if err := client.Call("create-cloud-workspace", payload, &res, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sandbox launch accepted.\n")
		fmt.Printf("Workspace ID: %s\n", res.WorkspaceID)
		fmt.Printf("Check status: wosctl workspace get %s\n", res.WorkspaceID)
	},
}

var wsGetCmd = &cobra.Command{
	Use:   "get <workspace-id>",
	Short: "Get workspace details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := Dial()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		var ws WorkspaceRow
		if err := client.Call("get-workspace", map[string]string{"workspace_id": args[0]}, &ws, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printResult(ws)
	},
}

var wsStopCmd = &cobra.Command{
	Use:   "stop <workspace-id>",
	Short: "Stop a workspace and tear down its remote resources",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := Dial()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		var ws WorkspaceRow
		if err := client.Call("stop-workspace", map[string]string{"workspace_id": args[0]}, &ws, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Workspace %s stopped.\n", ws.WorkspaceID)
	},
}

func init() {
	wsCreateLocalCmd.Flags().StringVar(&wsRepoURL, "repo-url", "", "Git repository to clone")
	wsCreateLocalCmd.Flags().StringVar(&wsProject, "project", "", "Project name used in the workspace directory")
	wsCreateLocalCmd.Flags().StringVar(&wsBranch, "branch", "", "Branch to check out")
	wsCreateLocalCmd.Flags().StringVar(&wsBaseBranch, "base-branch", "", "Base branch to track")
	wsCreateCloudCmd.Flags().StringVar(&wsEnv, "environment", "", "Provider environment name")
	wsCreateCloudCmd.Flags().StringVar(&wsRepoURL, "repo-url", "", "Git repository for the sandbox")

	workspaceCmd.AddCommand(wsCreateLocalCmd, wsCreateCloudCmd, wsGetCmd, wsStopCmd)
	rootCmd.AddCommand(workspaceCmd)
}
