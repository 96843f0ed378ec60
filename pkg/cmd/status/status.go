package status

import (
	"context"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"expose/internal/cmdutil"
	"expose/internal/config"
	"expose/internal/executor"
	"expose/internal/firewall"
	"expose/internal/rule"
	"expose/internal/types"
)

func NewStatusCmd(cfg config.Config) *cobra.Command {
	var identityFile string

	cmd := &cobra.Command{
		Use:     "status <identifier> <mode> <destination>",
		Short:   "Show what is installed for a forwarding instance",
		Long:    "Query the destination host for the table owned by this identifier and mode and show the redirects it carries.",
		Example: "  expose status test_redir tcp root@vps",
		Args:    cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			desc, applier, err := target(cfg, args, identityFile)
			if err != nil {
				cmdutil.PrintE(err.Error())
				cmdutil.Exit(cmdutil.ExitFailure)
			}

			cmdutil.StartLoading("Querying...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			obs, err := applier.Check(ctx, desc)
			cmdutil.StopLoading()

			if err != nil {
				cmdutil.PrintE(err.Error())
				cmdutil.Exit(cmdutil.ExitFailure)
			}

			if !obs.Present {
				cmdutil.Print("No redirect installed under " + desc.TableName())
				return
			}

			tw := table.NewWriter()
			tw.AppendHeader(table.Row{"Table", "Protocol", "Port", "Target"})
			for _, next := range obs.Redirects {
				tw.AppendRow(table.Row{desc.TableName(), next.Protocol, next.Port, next.Target})
			}
			cmdutil.Print("")
			cmdutil.Print(tw.Render())
		},
	}

	cmd.Flags().StringVarP(&identityFile, "identity", "i", cfg.IdentityFile, "The ssh identity file to use")
	return cmd
}

// target builds a query-only descriptor (no local endpoint) plus the applier
// for the destination.
func target(cfg config.Config, args []string, identityFile string) (types.RuleDescriptor, firewall.Applier, error) {
	if err := rule.ValidateIdentifier(args[0]); err != nil {
		return types.RuleDescriptor{}, nil, err
	}
	proto, err := types.ParseProtocol(args[1])
	if err != nil {
		return types.RuleDescriptor{}, nil, err
	}

	desc := types.RuleDescriptor{Identifier: args[0], Protocol: proto}

	if args[2] == "local" {
		return desc, firewall.NewLocal(), nil
	}

	dest, err := executor.ParseDestination(args[2])
	if err != nil {
		return types.RuleDescriptor{}, nil, err
	}
	exec, err := executor.NewSSH(dest, identityFile, cfg.ConnectTimeout)
	if err != nil {
		return types.RuleDescriptor{}, nil, err
	}
	return desc, firewall.NewRemote(exec), nil
}
