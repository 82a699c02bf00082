package ladder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTagRoundTrip(t *testing.T) {
	in := Tag{Prefix: "XG", Scope: "MAIN", Strategy: "exit", RungIndex: 3}
	raw := in.Format()
	require.Equal(t, "XG:MAIN:exit:R3", raw)

	out, ok := ParseTag(raw)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestTagStopSentinel(t *testing.T) {
	in := Tag{Prefix: "XG", Scope: "SUB1", Strategy: "exit", IsStop: true}
	raw := in.Format()
	require.Equal(t, "XG:SUB1:exit:SL", raw)

	out, ok := ParseTag(raw)
	require.True(t, ok)
	require.True(t, out.IsStop)
	require.Equal(t, 0, out.RungIndex)
}

func TestParseTagRejectsForeignIDs(t *testing.T) {
	cases := []string{
		"",
		"x1234567890",                  // venue-generated id
		"XG:MAIN:exit",                 // missing slot
		"XG:MAIN:exit:Q3",              // bad slot letter
		"XG:MAIN:exit:R0",              // rung indexes are 1-based
		"XG:MAIN:exit:Rx",              // non-numeric index
		":MAIN:exit:R1",                // empty prefix
		"XG::exit:R1",                  // empty scope
		"grid-BTCUSDT-17-a0b1c2d3e4f5", // other bots' ids
	}
	for _, raw := range cases {
		_, ok := ParseTag(raw)
		require.False(t, ok, "raw=%q", raw)
	}
}

func TestOwned(t *testing.T) {
	require.True(t, Owned("XG:MAIN:exit:R1", "XG"))
	require.False(t, Owned("XG:MAIN:exit:R1", "OTHER"))
	require.False(t, Owned("manual-close", "XG"))
}
