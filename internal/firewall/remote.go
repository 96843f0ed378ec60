package firewall

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"expose/internal/executor"
	"expose/internal/rule"
	"expose/internal/types"
	"expose/logger"
)

type remoteApplier struct {
	exec executor.Executor
}

// NewRemote returns an applier that drives the nft command line on a host
// behind the given executor. Command text is built here; the executor stays a
// dumb transport.
func NewRemote(exec executor.Executor) Applier {
	return &remoteApplier{exec: exec}
}

func (a *remoteApplier) Check(ctx context.Context, d types.RuleDescriptor) (*Observation, error) {
	res, err := a.exec.Run(ctx, rule.ListCommand(d), "")
	if err != nil {
		return nil, err
	}

	if !res.Success() {
		if perr := prerequisiteFrom(res); perr != nil {
			return nil, perr
		}
		if tableAbsent(res) {
			return &Observation{Present: false, Raw: res.Stderr}, nil
		}
		return nil, errors.Errorf("listing table %s failed: %s", d.TableName(), output(res))
	}

	return parseObservation(res.Stdout), nil
}

func (a *remoteApplier) Apply(ctx context.Context, d types.RuleDescriptor) (*types.AppliedRuleHandle, error) {
	obs, err := a.Check(ctx, d)
	if err != nil {
		return nil, err
	}

	if obs.Present {
		if obs.Matches(d) {
			logger.Info("redirect already installed",
				zap.String("table", d.TableName()))
			if err := a.removeStaleSibling(ctx, d); err != nil {
				return nil, err
			}
			return newHandle(d), nil
		}
		if !obs.Managed() {
			return nil, &VerificationError{
				Table:  d.TableName(),
				Detail: "an unrelated table already uses this name; refusing to replace it",
			}
		}
		logger.Info("replacing stale redirect",
			zap.String("table", d.TableName()))
	}

	res, err := a.exec.Run(ctx, rule.InstallCommand(), rule.InstallScript(d))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if perr := prerequisiteFrom(res); perr != nil {
			return nil, perr
		}
		return nil, errors.Errorf("installing redirect failed: %s", output(res))
	}

	// A dropped connection can leave the script half-read on the far side,
	// so success is only what a fresh query confirms.
	obs, err = a.Check(ctx, d)
	if err != nil {
		return nil, err
	}
	if !obs.Matches(d) {
		return nil, &VerificationError{
			Table:  d.TableName(),
			Detail: "installed state does not match the requested redirect",
		}
	}

	if err := a.removeStaleSibling(ctx, d); err != nil {
		return nil, err
	}

	logger.Info("redirect installed",
		zap.String("table", d.TableName()),
		zap.String("redirect", rule.RedirectLine(d)))
	return newHandle(d), nil
}

// removeStaleSibling deletes the table the same identifier owned under the
// other protocol, if one is left over from an earlier run. Without this, a
// protocol change would leave both redirects installed side by side.
func (a *remoteApplier) removeStaleSibling(ctx context.Context, d types.RuleDescriptor) error {
	sibling := d.Sibling()

	obs, err := a.Check(ctx, sibling)
	if err != nil {
		return err
	}
	if !obs.Present {
		return nil
	}
	if !obs.Managed() {
		logger.Warn("table with sibling protocol name exists but is not ours, leaving it alone",
			zap.String("table", sibling.TableName()))
		return nil
	}

	logger.Info("removing stale sibling table", zap.String("table", sibling.TableName()))
	return a.Remove(ctx, sibling)
}

func (a *remoteApplier) Remove(ctx context.Context, d types.RuleDescriptor) error {
	res, err := a.exec.Run(ctx, rule.DeleteCommand(d), "")
	if err != nil {
		return err
	}

	if res.Success() || tableAbsent(res) {
		logger.Info("redirect removed", zap.String("table", d.TableName()))
		return nil
	}

	if perr := prerequisiteFrom(res); perr != nil {
		return perr
	}
	return errors.Errorf("removing table %s failed: %s", d.TableName(), output(res))
}

// tableAbsent recognises the errors nft emits when the named table does not
// exist, which both Check and Remove treat as a normal outcome.
func tableAbsent(res *executor.Result) bool {
	return strings.Contains(res.Stderr, "No such file or directory") ||
		strings.Contains(res.Stderr, "does not exist")
}

// prerequisiteFrom detects a host that cannot run nft at all: the binary is
// missing (shells exit 127) or the user has no netlink privilege.
func prerequisiteFrom(res *executor.Result) *PrerequisiteError {
	switch {
	case res.ExitCode == 127 || strings.Contains(res.Stderr, "command not found"):
		return &PrerequisiteError{Detail: "nft is not installed on the target host"}
	case strings.Contains(res.Stderr, "Operation not permitted"),
		strings.Contains(res.Stderr, "Permission denied"):
		return &PrerequisiteError{Detail: "user is not allowed to manage nftables on the target host (run as root)"}
	default:
		return nil
	}
}

func output(res *executor.Result) string {
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(res.Stdout)
}
