package misc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrContains(t *testing.T) {
	assert.True(t, StrContains("a", []string{"a", "b", "c"}))
	assert.False(t, StrContains("d", []string{"a", "b", "c"}))
	assert.False(t, StrContains("a", nil))
}

func TestResolveIPv4(t *testing.T) {
	tests := []struct {
		name     string
		args     string
		expected string
		wantErr  bool
	}{
		{
			name:     "ipv4 literal passes through",
			args:     "100.82.95.116",
			expected: "100.82.95.116",
		},
		{
			name:    "ipv6 literal is rejected",
			args:    "2001:db8::1",
			wantErr: true,
		},
		{
			name:     "localhost resolves",
			args:     "localhost",
			expected: "127.0.0.1",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ResolveIPv4(test.args)
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expected, got)
		})
	}
}
