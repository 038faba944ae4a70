package main

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"neuron/internal/jsonx"
)

func newConfirmCommand() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "confirm <execution-id>",
		Short: "Approve or deny a tool execution awaiting confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := newContainer(ctx, cfg)
			if err != nil {
				return err
			}
			defer container.Close(ctx)

			executionID := args[0]
			if exec, err := container.Executions.Get(ctx, executionID); err == nil {
				params, _ := jsonx.MarshalIndent(exec.Input, "  ", "  ")
				fmt.Printf("%s wants to run %s\n", bold(exec.AgentID), cyan(exec.ToolName))
				fmt.Printf("  %s\n", gray(string(params)))
			}

			prompt := promptui.Select{
				Label: "Decision",
				Items: []string{"Approve", "Deny"},
			}
			idx, _, err := prompt.Run()
			if err != nil {
				return err
			}
			approve := idx == 0

			if err := container.Runner.Confirm(ctx, executionID, userID, approve); err != nil {
				return err
			}
			if approve {
				fmt.Println(green("approved"))
			} else {
				fmt.Println(yellow("denied"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "local", "deciding user id")
	return cmd
}
