package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the worker subprocess",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status any
			if err := newAPIClient(opts.Addr).do("POST", "/v1/worker/start", nil, &status); err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker subprocess",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status any
			if err := newAPIClient(opts.Addr).do("POST", "/v1/worker/stop", nil, &status); err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var taskType, projectID string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskType == "" {
				return fmt.Errorf("--task-type is required")
			}
			if projectID == "" {
				return fmt.Errorf("--project-id is required")
			}
			reqBody := map[string]any{"task_type": taskType, "project_id": projectID}
			var resp map[string]any
			if err := newAPIClient(opts.Addr).do("POST", "/v1/tasks", reqBody, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&taskType, "task-type", "", "Type of task to submit")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Project id the task belongs to")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an in-flight task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := newAPIClient(opts.Addr).do("POST", "/v1/tasks/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the worker's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status any
			if err := newAPIClient(opts.Addr).do("GET", "/v1/status", nil, &status); err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks any
			if err := newAPIClient(opts.Addr).do("GET", "/v1/tasks", nil, &tasks); err != nil {
				return err
			}
			return printJSON(tasks)
		},
	}
}

func newResetBreakerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker",
		Short: "Reset a tripped circuit breaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status any
			if err := newAPIClient(opts.Addr).do("POST", "/v1/worker/reset-breaker", nil, &status); err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}
