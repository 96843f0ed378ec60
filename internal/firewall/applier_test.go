package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expose/internal/types"
)

func TestParseObservation(t *testing.T) {
	obs := parseObservation(listing("100.82.95.116:9912").Stdout)

	assert.True(t, obs.Present)
	require.Len(t, obs.Redirects, 1)
	assert.Equal(t, Redirect{
		Protocol: types.ProtocolTCP,
		Port:     9912,
		Target:   "100.82.95.116:9912",
	}, obs.Redirects[0])
	assert.True(t, obs.Managed())
}

func TestObservationMatches(t *testing.T) {
	d := testDescriptor(t)

	tests := []struct {
		name     string
		obs      *Observation
		expected bool
	}{
		{
			name:     "matching redirect",
			obs:      parseObservation(listing("100.82.95.116:9912").Stdout),
			expected: true,
		},
		{
			name:     "different target",
			obs:      parseObservation(listing("10.0.0.1:80").Stdout),
			expected: false,
		},
		{
			name:     "absent table",
			obs:      &Observation{Present: false},
			expected: false,
		},
		{
			name: "no redirects",
			obs:  &Observation{Present: true},
		},
		{
			name: "more than one redirect",
			obs: &Observation{
				Present: true,
				Redirects: []Redirect{
					{Protocol: types.ProtocolTCP, Port: 9912, Target: "100.82.95.116:9912"},
					{Protocol: types.ProtocolTCP, Port: 9913, Target: "100.82.95.116:9913"},
				},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, test.obs.Matches(d))
		})
	}
}

func TestParseRedirectIgnoresUnrelatedLines(t *testing.T) {
	for _, line := range []string{
		"",
		"masquerade",
		"type nat hook prerouting priority dstnat; policy accept;",
		"tcp dport notaport dnat to 1.2.3.4:5",
		"icmp dport 9912 dnat to 1.2.3.4:5",
	} {
		_, ok := parseRedirect(line)
		assert.False(t, ok, "line %q should not parse", line)
	}

	redir, ok := parseRedirect("udp dport 53 dnat to 10.1.2.3:5353")
	require.True(t, ok)
	assert.Equal(t, Redirect{Protocol: types.ProtocolUDP, Port: 53, Target: "10.1.2.3:5353"}, redir)
}
