package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/boiler/internal/status"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	type Case struct {
		line      string
		expectLen int
		expectErr string
	}
	cases := []Case{
		{"", 0, ""},
		{"help", 1, ""},
		{"scan read", 2, ""},
		{"read send loop=3", 6, ""},
		{"s100 sig=fail3", 2, ""},
		{"log=yes dns log=no", 3, ""},
		{"loop=0 scan", 0, "loop=0"},
		{"reboot", 0, "command=reboot"},
		{"sx", 0, "pause=sx"},
		{"sig=purple", 0, "signal=purple"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.line, func(t *testing.T) {
			t.Parallel()
			cmds, err := parseLine(c.line)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expectLen, len(cmds))
		})
	}
}

func TestParseSignal(t *testing.T) {
	t.Parallel()

	s, err := parseSignal("fail7")
	require.NoError(t, err)
	assert.Equal(t, status.Failure(7), s)
	_, err = parseSignal("fail9")
	assert.Error(t, err)
	s, err = parseSignal("network_up")
	require.NoError(t, err)
	assert.Equal(t, status.KindNetworkUp, s.Kind)
}
