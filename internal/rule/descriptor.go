package rule

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"

	"expose/internal/types"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidPort       = errors.New("invalid port")
	ErrInvalidEndpoint   = errors.New("invalid endpoint")

	// nft table names are bare tokens in the ruleset grammar. Restricting
	// identifiers to this shape means they never need quoting or escaping.
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateIdentifier rejects identifiers that cannot be used verbatim as an
// nft table name. Validation happens here, before any remote command is
// built, never by escaping later.
func ValidateIdentifier(identifier string) error {
	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidIdentifier, identifier, identifierPattern.String())
	}
	return nil
}

// Derive translates user intent into a canonical rule descriptor. It is pure:
// no I/O, no remote interaction, and deterministic for identical inputs.
func Derive(identifier string, protocol types.Protocol, remotePort uint16, localTarget string) (types.RuleDescriptor, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return types.RuleDescriptor{}, err
	}

	if remotePort == 0 {
		return types.RuleDescriptor{}, fmt.Errorf("%w: remote port must not be 0", ErrInvalidPort)
	}

	local, err := parseEndpoint(localTarget)
	if err != nil {
		return types.RuleDescriptor{}, err
	}

	return types.RuleDescriptor{
		Identifier:  identifier,
		Protocol:    protocol,
		RemotePort:  remotePort,
		LocalTarget: local,
	}, nil
}

func parseEndpoint(value string) (types.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(value)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("%w: %s", ErrInvalidEndpoint, err)
	}

	if host == "" {
		return types.Endpoint{}, fmt.Errorf("%w: host part of %q is empty", ErrInvalidEndpoint, value)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("%w: %q is not a valid port", ErrInvalidPort, portStr)
	}
	if port == 0 {
		return types.Endpoint{}, fmt.Errorf("%w: local port must not be 0", ErrInvalidPort)
	}

	return types.Endpoint{Host: host, Port: uint16(port)}, nil
}
