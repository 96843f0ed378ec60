package firewall

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"expose/internal/types"
)

type (
	// Applier owns all mutation of the target host's packet filter. No
	// other code path issues filter commands; the remote ruleset stays the
	// single source of truth and is re-queried before every mutation.
	Applier interface {
		// Apply installs the descriptor's redirect idempotently: an
		// identical table already in place is left untouched, a stale
		// table under the same name is atomically replaced, and the
		// installed state is re-queried afterwards to confirm it
		// matches the descriptor.
		Apply(ctx context.Context, d types.RuleDescriptor) (*types.AppliedRuleHandle, error)

		// Check queries the current state of the descriptor's table
		// without mutating anything.
		Check(ctx context.Context, d types.RuleDescriptor) (*Observation, error)

		// Remove deletes the descriptor's table. Removing a table that
		// does not exist is a success, so teardown can be run
		// speculatively after partial failures.
		Remove(ctx context.Context, d types.RuleDescriptor) error
	}

	// Redirect is one dnat rule as observed on the target host.
	Redirect struct {
		Protocol types.Protocol
		Port     uint16
		Target   string
	}

	// Observation is the result of querying the table named by a
	// descriptor.
	Observation struct {
		Present   bool
		Redirects []Redirect
		Raw       string
	}

	// VerificationError means the observed filter state diverges from the
	// descriptor after an apparently successful command sequence, or that
	// the table name is occupied by an object this tool does not own.
	VerificationError struct {
		Table  string
		Detail string
	}

	// PrerequisiteError means the target host cannot run nft at all:
	// the tooling is missing or the user lacks privilege. Not retried.
	PrerequisiteError struct {
		Detail string
	}
)

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for table %s: %s", e.Table, e.Detail)
}

func (e *PrerequisiteError) Error() string {
	return "remote prerequisite missing: " + e.Detail
}

func IsVerificationFailed(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}

func IsPrerequisiteMissing(err error) bool {
	var pe *PrerequisiteError
	return errors.As(err, &pe)
}

// Matches reports whether the observed table carries exactly the redirect the
// descriptor asks for.
func (o *Observation) Matches(d types.RuleDescriptor) bool {
	if !o.Present || len(o.Redirects) != 1 {
		return false
	}

	r := o.Redirects[0]
	return r.Protocol == d.Protocol && r.Port == d.RemotePort && r.Target == d.LocalTarget.String()
}

// Managed reports whether the observed table looks like one this tool
// created, as opposed to an unrelated object that happens to share the name.
// A foreign table is never replaced silently.
func (o *Observation) Managed() bool {
	return o.Present &&
		strings.Contains(o.Raw, "type nat hook prerouting") &&
		strings.Contains(o.Raw, "type nat hook postrouting")
}

func parseObservation(raw string) *Observation {
	redirects := lo.FilterMap(strings.Split(raw, "\n"), func(line string, _ int) (Redirect, bool) {
		return parseRedirect(line)
	})

	return &Observation{
		Present:   true,
		Redirects: redirects,
		Raw:       raw,
	}
}

// parseRedirect matches lines of the form nft prints when listing a table:
//
//	tcp dport 9912 dnat to 100.82.95.116:9912
func parseRedirect(line string) (Redirect, bool) {
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[1] != "dport" || fields[3] != "dnat" || fields[4] != "to" {
		return Redirect{}, false
	}

	proto, err := types.ParseProtocol(fields[0])
	if err != nil {
		return Redirect{}, false
	}

	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil || port == 0 {
		return Redirect{}, false
	}

	return Redirect{
		Protocol: proto,
		Port:     uint16(port),
		Target:   fields[5],
	}, true
}

func newHandle(d types.RuleDescriptor) *types.AppliedRuleHandle {
	return &types.AppliedRuleHandle{
		ID:         uuid.New(),
		Descriptor: d,
		AppliedAt:  time.Now(),
	}
}
