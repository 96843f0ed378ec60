package cmdutil

import (
	"os"

	"expose/logger"
)

// Exit codes surfaced by every subcommand. ExitTeardownUnconfirmed is
// distinct from plain failure because it means a rule may still be installed
// on the target host.
const (
	ExitOK                  = 0
	ExitFailure             = 1
	ExitTeardownUnconfirmed = 3
)

func Exit(code int) {
	logger.Sync()
	os.Exit(code)
}
