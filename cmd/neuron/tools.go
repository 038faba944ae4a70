package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"neuron/internal/toolregistry"
)

func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and manage tool permissions",
	}
	cmd.AddCommand(newToolsListCommand(), newToolsGrantCommand(), newToolsRevokeCommand())
	return cmd
}

func newToolsListCommand() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			for _, def := range container.Registry.List() {
				tool, err := container.Registry.Get(def.Name)
				if err != nil {
					continue
				}
				md := tool.Metadata()
				state := green("enabled")
				if !md.Enabled {
					state = gray("disabled")
				}
				danger := ""
				if md.Dangerous {
					danger = red(" dangerous")
				}
				fmt.Printf("  %-16s %-10s %s%s\n", bold(def.Name), state, gray(def.Description), danger)

				if agentID != "" {
					perms, err := container.Ledger.Permissions(ctx, agentID)
					if err == nil {
						for _, p := range perms {
							if p.ToolName == def.Name && p.RevokedAt == nil {
								fmt.Printf("    %s %v\n", cyan("granted:"), p.Scopes)
							}
						}
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "show grants held by this agent")
	return cmd
}

func newToolsGrantCommand() *cobra.Command {
	var (
		userID       string
		scopes       []string
		expiresIn    time.Duration
		maxDaily     int
		maxTotal     int
		confirmation bool
	)

	cmd := &cobra.Command{
		Use:   "grant <agent-id> <tool-name>",
		Short: "Grant an agent permission to use a tool",
		Args:  cobra.ExactArgs(2),
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

			parsed := make([]toolregistry.Scope, 0, len(scopes))
			for _, raw := range scopes {
				scope, err := toolregistry.ParseScope(raw)
				if err != nil {
					return err
				}
				parsed = append(parsed, scope)
			}

			spec := toolregistry.GrantSpec{
				Scopes:              parsed,
				MaxDailyUses:        maxDaily,
				MaxTotalUses:        maxTotal,
				RequireConfirmation: confirmation,
				GrantedBy:           userID,
			}
			if expiresIn > 0 {
				expiry := time.Now().Add(expiresIn)
				spec.ExpiresAt = &expiry
			}

			perm, err := container.Ledger.Grant(ctx, userID, args[0], args[1], spec)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s may use %s with scopes %v (grant %s)\n",
				green("granted:"), args[0], bold(args[1]), perm.Scopes, gray(perm.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "local", "granting user id")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"execute"}, "scopes: read, write, execute, delete, admin")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "grant lifetime, e.g. 24h (0 = no expiry)")
	cmd.Flags().IntVar(&maxDaily, "max-daily", 0, "daily use cap (0 = unlimited)")
	cmd.Flags().IntVar(&maxTotal, "max-total", 0, "total use cap (0 = unlimited)")
	cmd.Flags().BoolVar(&confirmation, "require-confirmation", false, "require per-call confirmation")
	return cmd
}

func newToolsRevokeCommand() *cobra.Command {
	var (
		userID string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "revoke <agent-id> <tool-name>",
		Short: "Revoke an agent's permission to use a tool",
		Args:  cobra.ExactArgs(2),
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

			if err := container.Ledger.Revoke(ctx, userID, args[0], args[1], userID, reason); err != nil {
				return err
			}
			fmt.Printf("%s %s may no longer use %s\n", yellow("revoked:"), args[0], bold(args[1]))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "local", "revoking user id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
	return cmd
}
