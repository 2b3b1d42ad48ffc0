package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
)

func printResult(v interface{}) {
	if output == "json" {
		json.NewEncoder(os.Stdout).Encode(v)
		return
	}
	printTable(v)
}

func printTable(v interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	switch data := v.(type) {
	case []WorkspaceRow:
		if len(data) == 0 {
			fmt.Println("No workspaces found.")
			return
		}
		fmt.Fprintln(w, "WORKSPACE ID\tNAME\tKIND\tSTATUS\tTASK\tCREATED")
		for _, ws := range data {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ws.WorkspaceID, ws.Name, ws.Kind, ws.Status, ws.TaskID, ws.CreatedAt)
		}
	case WorkspaceRow:
		fmt.Fprintf(w, "Workspace ID:\t%s\n", data.WorkspaceID)
		fmt.Fprintf(w, "Name:\t%s\n", data.Name)
		fmt.Fprintf(w, "Kind:\t%s\n", data.Kind)
		fmt.Fprintf(w, "Status:\t%s\n", data.Status)
		if data.Path != "" {
			fmt.Fprintf(w, "Path:\t%s\n", data.Path)
		}
		if data.SandboxID != "" {
			fmt.Fprintf(w, "Sandbox ID:\t%s\n", data.SandboxID)
		}
		fmt.Fprintf(w, "Task ID:\t%s\n", data.TaskID)
		fmt.Fprintf(w, "Task Run ID:\t%s\n", data.TaskRunID)
		fmt.Fprintf(w, "Created:\t%s\n", data.CreatedAt)
	default:
		json.NewEncoder(os.Stdout).Encode(v)
	}
	w.Flush()
}
