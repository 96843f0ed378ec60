package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expose/internal/executor"
	"expose/internal/firewall"
	"expose/internal/rule"
	"expose/internal/types"
	"expose/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init("development")
	os.Exit(m.Run())
}

type fakeApplier struct {
	mu          sync.Mutex
	applyErr    error
	checkObs    *firewall.Observation
	checkErr    error
	removeErr   error
	applyCalls  int
	checkCalls  int
	removeCalls int

	applied chan struct{}
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: make(chan struct{}, 1)}
}

func (f *fakeApplier) Apply(_ context.Context, d types.RuleDescriptor) (*types.AppliedRuleHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++

	if f.applyErr != nil {
		return nil, f.applyErr
	}

	select {
	case f.applied <- struct{}{}:
	default:
	}
	return &types.AppliedRuleHandle{Descriptor: d}, nil
}

func (f *fakeApplier) Check(context.Context, types.RuleDescriptor) (*firewall.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	return f.checkObs, f.checkErr
}

func (f *fakeApplier) Remove(context.Context, types.RuleDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	return f.removeErr
}

func (f *fakeApplier) removed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeCalls
}

func testDescriptor(t *testing.T) types.RuleDescriptor {
	t.Helper()
	d, err := rule.Derive("test_redir", types.ProtocolTCP, 9912, "100.82.95.116:9912")
	require.NoError(t, err)
	return d
}

func runGuard(g *Guard, ctx context.Context) chan Result {
	results := make(chan Result, 1)
	go func() {
		results <- g.Run(ctx)
	}()
	return results
}

func TestGuardCleanTeardownOnCancel(t *testing.T) {
	applier := newFakeApplier()
	guard := New(applier, testDescriptor(t), Options{
		TeardownRetryDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	results := runGuard(guard, ctx)

	<-applier.applied
	cancel()

	result := <-results
	assert.Equal(t, OutcomeClean, result.Outcome)
	assert.NoError(t, result.Err)
	assert.Equal(t, 1, applier.applyCalls)
	assert.Equal(t, 1, applier.removed())
	assert.Equal(t, StateRemoved, guard.State())
}

func TestGuardApplyFailureAttemptsCleanup(t *testing.T) {
	applier := newFakeApplier()
	applier.applyErr = &firewall.VerificationError{Table: "test_redir_tcp", Detail: "mismatch"}
	guard := New(applier, testDescriptor(t), Options{TeardownRetryDelay: time.Millisecond})

	result := guard.Run(context.Background())

	assert.Equal(t, OutcomeApplyFailed, result.Outcome)
	assert.True(t, firewall.IsVerificationFailed(result.Err))
	// Partial state cannot be ruled out, so a best-effort remove runs.
	assert.Equal(t, 1, applier.removed())
	assert.Equal(t, StateFailed, guard.State())
}

func TestGuardSkipsCleanupWhenPrerequisiteMissing(t *testing.T) {
	applier := newFakeApplier()
	applier.applyErr = &firewall.PrerequisiteError{Detail: "nft is not installed"}
	guard := New(applier, testDescriptor(t), Options{TeardownRetryDelay: time.Millisecond})

	result := guard.Run(context.Background())

	assert.Equal(t, OutcomeApplyFailed, result.Outcome)
	// Nothing was installed and nothing can be removed.
	assert.Equal(t, 0, applier.removed())
}

func TestGuardCancelledDuringInstall(t *testing.T) {
	applier := newFakeApplier()
	applier.applyErr = &executor.TransportError{Op: "command cancelled", Err: context.Canceled}
	guard := New(applier, testDescriptor(t), Options{TeardownRetryDelay: time.Millisecond})

	result := guard.Run(context.Background())

	// A signal during install aborts the attempt but still removes
	// speculatively and exits clean.
	assert.Equal(t, OutcomeClean, result.Outcome)
	assert.Equal(t, 1, applier.removed())
}

func TestGuardTeardownRetriesExhausted(t *testing.T) {
	applier := newFakeApplier()
	applier.removeErr = &executor.TransportError{Op: "dial", Err: errors.New("host unreachable")}
	guard := New(applier, testDescriptor(t), Options{
		TeardownRetries:    3,
		TeardownRetryDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	results := runGuard(guard, ctx)

	<-applier.applied
	cancel()

	result := <-results
	assert.Equal(t, OutcomeTeardownUnconfirmed, result.Outcome)
	assert.Error(t, result.Err)
	assert.Equal(t, 3, applier.removed())
	assert.Equal(t, StateFailed, guard.State())
}

func TestGuardHealthProbeFailureTriggersTeardown(t *testing.T) {
	applier := newFakeApplier()
	// Table still present but the redirect is gone.
	applier.checkObs = &firewall.Observation{Present: true}
	guard := New(applier, testDescriptor(t), Options{
		CheckInterval:      5 * time.Millisecond,
		TeardownRetryDelay: time.Millisecond,
	})

	result := guard.Run(context.Background())

	assert.Equal(t, OutcomeRuntimeFailed, result.Outcome)
	assert.Error(t, result.Err)
	assert.Equal(t, 1, applier.removed())
	assert.Equal(t, StateRemoved, guard.State())
}

func TestGuardHealthProbeTransportFailure(t *testing.T) {
	applier := newFakeApplier()
	applier.checkErr = &executor.TransportError{Op: "dial", Err: errors.New("host unreachable")}
	guard := New(applier, testDescriptor(t), Options{
		CheckInterval:      5 * time.Millisecond,
		TeardownRetryDelay: time.Millisecond,
	})

	result := guard.Run(context.Background())

	assert.Equal(t, OutcomeRuntimeFailed, result.Outcome)
	assert.True(t, executor.IsTransport(result.Err))
	assert.Equal(t, 1, applier.removed())
}
