package run

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"expose/internal/cmdutil"
	"expose/internal/config"
	"expose/internal/executor"
	"expose/internal/firewall"
	"expose/internal/lifecycle"
	"expose/internal/misc"
	"expose/internal/rule"
	"expose/internal/types"
	"expose/logger"
)

func NewRunCmd(cfg config.Config) *cobra.Command {
	var (
		identityFile  string
		checkInterval time.Duration
		retries       int
		reconnect     bool
	)
	mValidator := validator.New(validator.WithRequiredStructEnabled())

	cmd := &cobra.Command{
		Use:     "run <identifier> <mode> <destination> <remote-port> <local-target>",
		Short:   "Install a packet redirect on a remote host and hold it until terminated",
		Long:    "Install an nftables redirect on the destination host that forwards packets arriving on the remote port to the local target, keep it installed while this process runs, and remove it on exit. The destination is an ssh target ([user@]host[:port]) or the literal \"local\" to program this machine directly.",
		Example: "  expose run test_redir tcp root@vps 9912 100.82.95.116:9912",
		Args:    cobra.ExactArgs(5),
		Run: func(cmd *cobra.Command, args []string) {
			params := &types.RunParams{
				Identifier:  args[0],
				Mode:        args[1],
				Destination: args[2],
				RemotePort:  args[3],
				LocalTarget: args[4],
			}
			if err := mValidator.Struct(params); err != nil {
				cmdutil.PrintE(err.Error())
				cmdutil.Exit(cmdutil.ExitFailure)
			}

			desc, err := deriveDescriptor(params)
			if err != nil {
				cmdutil.PrintE(err.Error())
				cmdutil.Exit(cmdutil.ExitFailure)
			}

			applier, err := buildApplier(cfg, params.Destination, identityFile)
			if err != nil {
				cmdutil.PrintE(err.Error())
				cmdutil.Exit(cmdutil.ExitFailure)
			}

			opts := lifecycle.Options{
				CheckInterval:      checkInterval,
				TeardownRetries:    retries,
				TeardownRetryDelay: cfg.TeardownRetryDelay,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for {
				logger.Info("applying redirect",
					zap.String("descriptor", desc.String()),
					zap.String("destination", params.Destination))

				result := lifecycle.New(applier, desc, opts).Run(ctx)

				switch result.Outcome {
				case lifecycle.OutcomeClean:
					cmdutil.PrintS("Redirect removed, all cleaned up.")
					cmdutil.Exit(cmdutil.ExitOK)

				case lifecycle.OutcomeTeardownUnconfirmed:
					cmdutil.PrintE(result.Err.Error())
					cmdutil.PrintW(fmt.Sprintf(
						"Removal could not be confirmed: table %q may still exist on %s.\nRun `expose cleanup %s %s %s` once the host is reachable again.",
						desc.TableName(), params.Destination,
						desc.Identifier, desc.Protocol, params.Destination))
					cmdutil.Exit(cmdutil.ExitTeardownUnconfirmed)

				case lifecycle.OutcomeApplyFailed:
					cmdutil.PrintE(fmt.Sprintf("Applying %s failed: %v", desc.String(), result.Err))
					cmdutil.Exit(cmdutil.ExitFailure)

				case lifecycle.OutcomeRuntimeFailed:
					if !reconnect {
						cmdutil.PrintE(fmt.Sprintf("Redirect %s broke: %v", desc.TableName(), result.Err))
						cmdutil.Exit(cmdutil.ExitFailure)
					}

					logger.Error("redirect broke, reconnecting",
						zap.Error(result.Err),
						zap.Duration("delay", cfg.ReconnectDelay))
					select {
					case <-time.After(cfg.ReconnectDelay):
					case <-ctx.Done():
						cmdutil.Exit(cmdutil.ExitOK)
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&identityFile, "identity", "i", cfg.IdentityFile, "The ssh identity file to use")
	cmd.Flags().DurationVar(&checkInterval, "check-interval", cfg.CheckInterval, "How often to re-verify the installed redirect (0 disables)")
	cmd.Flags().IntVar(&retries, "retries", cfg.TeardownRetries, "Removal attempts before giving up on teardown")
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "Re-apply after a runtime failure instead of exiting")
	return cmd
}

func deriveDescriptor(params *types.RunParams) (types.RuleDescriptor, error) {
	proto, err := types.ParseProtocol(params.Mode)
	if err != nil {
		return types.RuleDescriptor{}, err
	}

	remotePort, err := strconv.ParseUint(params.RemotePort, 10, 16)
	if err != nil {
		return types.RuleDescriptor{}, fmt.Errorf("invalid remote port %q", params.RemotePort)
	}

	host, port, err := net.SplitHostPort(params.LocalTarget)
	if err != nil {
		return types.RuleDescriptor{}, err
	}
	ip, err := misc.ResolveIPv4(host)
	if err != nil {
		return types.RuleDescriptor{}, err
	}

	return rule.Derive(params.Identifier, proto, uint16(remotePort), net.JoinHostPort(ip, port))
}

func buildApplier(cfg config.Config, destination, identityFile string) (firewall.Applier, error) {
	if destination == "local" {
		return firewall.NewLocal(), nil
	}

	dest, err := executor.ParseDestination(destination)
	if err != nil {
		return nil, err
	}

	exec, err := executor.NewSSH(dest, identityFile, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	return firewall.NewRemote(exec), nil
}
