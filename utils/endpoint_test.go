package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeerSpec(t *testing.T) {
	cases := []struct {
		spec string
		id   int
		host string
		port int
	}{
		{"localhost:50052", NoNodeID, "localhost", 50052},
		{"10.0.0.2", NoNodeID, "10.0.0.2", 50051},
		{"3@peer-b:6000", 3, "peer-b", 6000},
		{" 1@host ", 1, "host", 50051},
		{"[::1]:7000", NoNodeID, "::1", 7000},
		{"[::1]", NoNodeID, "::1", 50051},
		{"node2@h:1", 2, "h", 1},
	}
	for _, c := range cases {
		t.Run(c.spec, func(t *testing.T) {
			id, host, port, err := ParsePeerSpec(c.spec, 50051)
			require.NoError(t, err)
			assert.Equal(t, c.id, id)
			assert.Equal(t, c.host, host)
			assert.Equal(t, c.port, port)
		})
	}
}

func TestParsePeerSpecInvalid(t *testing.T) {
	for _, spec := range []string{"", "x@host:1", "-1@host", "host:port", "host:70000", ":5000", "a:b:c"} {
		_, _, _, err := ParsePeerSpec(spec, 50051)
		assert.Error(t, err, spec)
	}
}

func TestParseNodeID(t *testing.T) {
	for in, want := range map[string]int{"0": 0, "7": 7, "node3": 3, "Node-2": 2, " 5 ": 5} {
		got, err := ParseNodeID(in, 8)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"8", "-1", "abc", ""} {
		_, err := ParseNodeID(in, 8)
		assert.Error(t, err, in)
	}
}

func TestFormatPeerSpec(t *testing.T) {
	assert.Equal(t, "2@localhost:50051", FormatPeerSpec(2, "localhost", 50051))
	assert.Equal(t, "[::1]:80", FormatPeerSpec(NoNodeID, "::1", 80))

	id, host, port, err := ParsePeerSpec(FormatPeerSpec(4, "::1", 9000), 1)
	require.NoError(t, err)
	assert.Equal(t, []any{4, "::1", 9000}, []any{id, host, port})
}
