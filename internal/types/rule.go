package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

func ParseProtocol(value string) (Protocol, error) {
	switch Protocol(value) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolUDP:
		return ProtocolUDP, nil
	default:
		return "", fmt.Errorf("unknown protocol: %s (expected tcp or udp)", value)
	}
}

type (
	// Endpoint is a host:port pair. The remote side only ever needs the
	// port, the local target needs both.
	Endpoint struct {
		Host string
		Port uint16
	}

	// RuleDescriptor is the canonical description of one forwarding
	// instance. The same tuple always maps to the same remote table name,
	// which is what makes re-applying idempotent.
	RuleDescriptor struct {
		Identifier  string
		Protocol    Protocol
		RemotePort  uint16
		LocalTarget Endpoint
	}

	// AppliedRuleHandle proves a rule matching its descriptor was
	// confirmed installed on the remote host. Only the applier creates
	// one, and the lifecycle guard destroys it exactly once.
	AppliedRuleHandle struct {
		ID         uuid.UUID
		Descriptor RuleDescriptor
		AppliedAt  time.Time
	}

	// RunParams is the raw user intent as it arrives from the CLI,
	// validated before any descriptor is derived from it.
	RunParams struct {
		Identifier  string `validate:"required"`
		Mode        string `validate:"required,oneof=tcp udp"`
		Destination string `validate:"required"`
		RemotePort  string `validate:"required"`
		LocalTarget string `validate:"required,hostname_port"`
	}
)

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// TableName is the canonical name of the nft table owned by this
// descriptor. Identifier and protocol both feed into it, so re-running
// the same identifier under a different protocol targets a different
// table instead of colliding with the old one.
func (r RuleDescriptor) TableName() string {
	return fmt.Sprintf("%s_%s", r.Identifier, r.Protocol)
}

// Sibling is the descriptor for the same identifier under the other
// protocol. Its table is swept away on apply so that re-running an identifier
// with a changed protocol never leaves both objects installed.
func (r RuleDescriptor) Sibling() RuleDescriptor {
	s := r
	if r.Protocol == ProtocolTCP {
		s.Protocol = ProtocolUDP
	} else {
		s.Protocol = ProtocolTCP
	}
	return s
}

func (r RuleDescriptor) String() string {
	return fmt.Sprintf("%s %s :%d -> %s", r.TableName(), r.Protocol, r.RemotePort, r.LocalTarget)
}
