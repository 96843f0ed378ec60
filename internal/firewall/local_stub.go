//go:build !linux

package firewall

import (
	"context"

	"expose/internal/types"
)

type localStub struct{}

func (localStub) Apply(context.Context, types.RuleDescriptor) (*types.AppliedRuleHandle, error) {
	return nil, &PrerequisiteError{Detail: "local nftables access requires linux"}
}

func (localStub) Check(context.Context, types.RuleDescriptor) (*Observation, error) {
	return nil, &PrerequisiteError{Detail: "local nftables access requires linux"}
}

func (localStub) Remove(context.Context, types.RuleDescriptor) error {
	return &PrerequisiteError{Detail: "local nftables access requires linux"}
}

func NewLocal() Applier {
	return localStub{}
}
