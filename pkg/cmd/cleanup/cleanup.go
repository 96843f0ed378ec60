package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"expose/internal/cmdutil"
	"expose/internal/config"
	"expose/internal/executor"
	"expose/internal/firewall"
	"expose/internal/misc"
	"expose/internal/rule"
	"expose/internal/types"
)

func NewCleanupCmd(cfg config.Config) *cobra.Command {
	var (
		identityFile string
		yes          bool
	)

	cmd := &cobra.Command{
		Use:     "cleanup <identifier> <mode> <destination>",
		Short:   "Remove a redirect left behind by an earlier run",
		Long:    "Delete the table owned by this identifier and mode from the destination host. Use this when a run exited reporting that removal could not be confirmed. Removing a table that is already gone is a success.",
		Example: "  expose cleanup test_redir tcp root@vps",
		Args:    cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			desc, applier, err := target(cfg, args, identityFile)
			if err != nil {
				cmdutil.PrintE(err.Error())
				cmdutil.Exit(cmdutil.ExitFailure)
			}

			if !yes {
				p := promptui.Prompt{
					Label:     fmt.Sprintf("Delete table %q on %s", desc.TableName(), args[2]),
					IsConfirm: true,
				}
				result, err := p.Run()
				if err != nil || !misc.StrContains(result, []string{"Yes", "yes", "y"}) {
					cmdutil.Print("Aborted.")
					return
				}
			}

			if err := remove(cfg, applier, desc); err != nil {
				cmdutil.PrintE(err.Error())
				cmdutil.Exit(cmdutil.ExitFailure)
			}
			cmdutil.PrintS("Removed (or already absent): " + desc.TableName())
		},
	}

	cmd.Flags().StringVarP(&identityFile, "identity", "i", cfg.IdentityFile, "The ssh identity file to use")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func remove(cfg config.Config, applier firewall.Applier, desc types.RuleDescriptor) error {
	var last error

	for attempt := 0; attempt < cfg.TeardownRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(cfg.TeardownRetryDelay)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		last = applier.Remove(ctx, desc)
		cancel()

		if last == nil || firewall.IsPrerequisiteMissing(last) {
			return last
		}
	}
	return last
}

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
