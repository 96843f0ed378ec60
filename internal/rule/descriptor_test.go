package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"expose/internal/types"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name        string
		identifier  string
		protocol    types.Protocol
		remotePort  uint16
		localTarget string
		expectedErr error
		expected    types.RuleDescriptor
	}{
		{
			name:        "valid tcp redirect",
			identifier:  "test_redir",
			protocol:    types.ProtocolTCP,
			remotePort:  9912,
			localTarget: "100.82.95.116:9912",
			expected: types.RuleDescriptor{
				Identifier:  "test_redir",
				Protocol:    types.ProtocolTCP,
				RemotePort:  9912,
				LocalTarget: types.Endpoint{Host: "100.82.95.116", Port: 9912},
			},
		},
		{
			name:        "identifier with dash",
			identifier:  "test-redir",
			protocol:    types.ProtocolTCP,
			remotePort:  9912,
			localTarget: "100.82.95.116:9912",
			expectedErr: ErrInvalidIdentifier,
		},
		{
			name:        "identifier with shell metacharacters",
			identifier:  "x; rm -rf /",
			protocol:    types.ProtocolTCP,
			remotePort:  9912,
			localTarget: "100.82.95.116:9912",
			expectedErr: ErrInvalidIdentifier,
		},
		{
			name:        "identifier starting with digit",
			identifier:  "9redir",
			protocol:    types.ProtocolUDP,
			remotePort:  9912,
			localTarget: "100.82.95.116:9912",
			expectedErr: ErrInvalidIdentifier,
		},
		{
			name:        "zero remote port",
			identifier:  "test_redir",
			protocol:    types.ProtocolTCP,
			remotePort:  0,
			localTarget: "100.82.95.116:9912",
			expectedErr: ErrInvalidPort,
		},
		{
			name:        "zero local port",
			identifier:  "test_redir",
			protocol:    types.ProtocolTCP,
			remotePort:  9912,
			localTarget: "100.82.95.116:0",
			expectedErr: ErrInvalidPort,
		},
		{
			name:        "empty local host",
			identifier:  "test_redir",
			protocol:    types.ProtocolTCP,
			remotePort:  9912,
			localTarget: ":9912",
			expectedErr: ErrInvalidEndpoint,
		},
		{
			name:        "target without port",
			identifier:  "test_redir",
			protocol:    types.ProtocolTCP,
			remotePort:  9912,
			localTarget: "100.82.95.116",
			expectedErr: ErrInvalidEndpoint,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Derive(test.identifier, test.protocol, test.remotePort, test.localTarget)
			if test.expectedErr != nil {
				assert.ErrorIs(t, err, test.expectedErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expected, got)
		})
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	first, err := Derive("test_redir", types.ProtocolTCP, 9912, "100.82.95.116:9912")
	assert.NoError(t, err)

	second, err := Derive("test_redir", types.ProtocolTCP, 9912, "100.82.95.116:9912")
	assert.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.TableName(), second.TableName())
}

func TestTableNamesDoNotCollide(t *testing.T) {
	tcp, err := Derive("test_redir", types.ProtocolTCP, 9912, "100.82.95.116:9912")
	assert.NoError(t, err)
	udp, err := Derive("test_redir", types.ProtocolUDP, 9912, "100.82.95.116:9912")
	assert.NoError(t, err)
	other, err := Derive("other_redir", types.ProtocolTCP, 9912, "100.82.95.116:9912")
	assert.NoError(t, err)

	assert.NotEqual(t, tcp.TableName(), udp.TableName())
	assert.NotEqual(t, tcp.TableName(), other.TableName())
	assert.Equal(t, "test_redir_tcp", tcp.TableName())
	assert.Equal(t, "test_redir_udp", udp.TableName())

	// The sibling of a descriptor is the same identifier under the other
	// protocol, which is exactly the udp table here.
	assert.Equal(t, udp.TableName(), tcp.Sibling().TableName())
	assert.Equal(t, tcp.TableName(), udp.Sibling().TableName())
}
