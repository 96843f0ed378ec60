package cmd

import (
	"github.com/spf13/cobra"

	"expose/internal/config"
	"expose/pkg/cmd/cleanup"
	"expose/pkg/cmd/run"
	"expose/pkg/cmd/status"
)

func New(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expose",
		Short: "expose - publish a local service through a remote host's packet filter",
	}

	cmd.AddCommand(run.NewRunCmd(cfg))
	cmd.AddCommand(status.NewStatusCmd(cfg))
	cmd.AddCommand(cleanup.NewCleanupCmd(cfg))
	return cmd
}
