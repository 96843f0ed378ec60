package lifecycle

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"expose/internal/firewall"
	"expose/internal/types"
	"expose/logger"
)

type State string

const (
	StateIdle        State = "idle"
	StateInstalling  State = "installing"
	StateActive      State = "active"
	StateTearingDown State = "tearing_down"
	StateRemoved     State = "removed"
	StateFailed      State = "failed"
)

type Outcome string

const (
	// OutcomeClean: teardown confirmed after a normal run (or after the
	// user cancelled before installation finished).
	OutcomeClean Outcome = "clean"

	// OutcomeApplyFailed: the redirect never reached a confirmed state.
	OutcomeApplyFailed Outcome = "apply_failed"

	// OutcomeRuntimeFailed: the redirect was active but the hold broke
	// (rule dropped or host unreachable); teardown was still confirmed.
	OutcomeRuntimeFailed Outcome = "runtime_failed"

	// OutcomeTeardownUnconfirmed: removal retries were exhausted, the
	// remote table may still exist and needs manual cleanup.
	OutcomeTeardownUnconfirmed Outcome = "teardown_unconfirmed"
)

type (
	Options struct {
		// CheckInterval is how often the redirect is re-queried while
		// active. Zero or negative disables the health probe.
		CheckInterval time.Duration

		// TeardownRetries is the total number of removal attempts
		// before giving up.
		TeardownRetries int

		TeardownRetryDelay time.Duration

		// TeardownTimeout bounds each individual removal attempt.
		TeardownTimeout time.Duration
	}

	Result struct {
		Outcome Outcome
		Err     error
	}

	// Guard bounds the installed redirect's lifetime to the process run:
	// install, hold until the context is cancelled or the redirect breaks,
	// then guarantee a teardown attempt on every path out.
	Guard struct {
		applier firewall.Applier
		desc    types.RuleDescriptor
		opts    Options
		state   State
		handle  *types.AppliedRuleHandle
	}
)

func New(applier firewall.Applier, desc types.RuleDescriptor, opts Options) *Guard {
	if opts.TeardownRetries <= 0 {
		opts.TeardownRetries = 3
	}
	if opts.TeardownRetryDelay <= 0 {
		opts.TeardownRetryDelay = 5 * time.Second
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 30 * time.Second
	}

	return &Guard{
		applier: applier,
		desc:    desc,
		opts:    opts,
		state:   StateIdle,
	}
}

func (g *Guard) State() State {
	return g.state
}

// Run drives one full lifecycle. Cancelling ctx is the only way to leave the
// active hold from outside; the guard never exits it without attempting
// teardown.
func (g *Guard) Run(ctx context.Context) Result {
	g.transition(StateInstalling)

	handle, err := g.applier.Apply(ctx, g.desc)
	if err != nil {
		// Partial state cannot be ruled out unless the host could not
		// run nft at all, so removal is attempted speculatively.
		// Removal of a table that was never created is a no-op.
		if !firewall.IsPrerequisiteMissing(err) {
			g.speculativeRemove()
		}
		g.transition(StateFailed)

		if errors.Is(err, context.Canceled) {
			logger.Info("cancelled before installation completed")
			return Result{Outcome: OutcomeClean}
		}
		return Result{Outcome: OutcomeApplyFailed, Err: err}
	}

	g.handle = handle
	g.transition(StateActive)
	holdErr := g.hold(ctx)

	g.transition(StateTearingDown)
	if err := g.teardown(); err != nil {
		g.transition(StateFailed)
		return Result{Outcome: OutcomeTeardownUnconfirmed, Err: err}
	}

	g.handle = nil
	g.transition(StateRemoved)

	if holdErr != nil {
		return Result{Outcome: OutcomeRuntimeFailed, Err: holdErr}
	}
	return Result{Outcome: OutcomeClean}
}

// hold blocks while the redirect is active. A nil return means ctx was
// cancelled (the normal way out); an error means the redirect itself broke.
func (g *Guard) hold(ctx context.Context) error {
	if g.opts.CheckInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(g.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			obs, err := g.applier.Check(ctx, g.desc)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "health check failed")
			}
			if !obs.Matches(g.desc) {
				return errors.Errorf("redirect %s disappeared from the target host", g.desc.TableName())
			}
		}
	}
}

// teardown runs after the run context is already cancelled, so each attempt
// gets its own bounded context.
func (g *Guard) teardown() error {
	var last error

	for attempt := 1; attempt <= g.opts.TeardownRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.TeardownTimeout)
		err := g.applier.Remove(ctx, g.desc)
		cancel()

		if err == nil {
			return nil
		}
		last = err

		if firewall.IsPrerequisiteMissing(err) {
			// The host cannot run nft: retrying will not change that.
			break
		}

		logger.Warn("removal attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("retries", g.opts.TeardownRetries),
			zap.Error(err))
		if attempt < g.opts.TeardownRetries {
			time.Sleep(g.opts.TeardownRetryDelay)
		}
	}

	return errors.Wrapf(last, "removal of %s unconfirmed after %d attempts", g.desc.TableName(), g.opts.TeardownRetries)
}

func (g *Guard) speculativeRemove() {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.TeardownTimeout)
	defer cancel()

	if err := g.applier.Remove(ctx, g.desc); err != nil {
		logger.Warn("best-effort cleanup failed",
			zap.String("table", g.desc.TableName()),
			zap.Error(err))
	}
}

func (g *Guard) transition(next State) {
	logger.Debug("lifecycle transition",
		zap.String("from", string(g.state)),
		zap.String("to", string(next)))
	g.state = next
}
