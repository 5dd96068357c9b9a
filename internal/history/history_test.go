package history_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokenfeed/internal/history"
	"tokenfeed/internal/provider/synthetic"
)

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]history.Timeframe{
		"":     history.Timeframe24h,
		"1h":   history.Timeframe1h,
		"24H":  history.Timeframe24h,
		" 7d ": history.Timeframe7d,
		"30d":  history.Timeframe30d,
	} {
		got, err := history.ParseTimeframe(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
	_, err := history.ParseTimeframe("1y")
	require.Error(t, err)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	// Arrange
	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	gen := synthetic.New(synthetic.DefaultConfig())
	b := history.NewBuilder(gen, func() time.Time { return now })
	base := gen.Generate("AAPL").PriceUSD

	// Act
	s := b.Build("aapl", history.Timeframe7d, 7)

	// Assert
	require.Equal(t, "AAPL", s.Symbol)
	require.Equal(t, history.Timeframe7d, s.Timeframe)
	require.Equal(t, 7, s.Count)
	require.Len(t, s.Data, 7)
	require.Equal(t, now.UnixMilli(), s.Data[6].Timestamp)
	for i, p := range s.Data {
		if i > 0 {
			require.Equal(t, 24*time.Hour.Milliseconds(), p.Timestamp-s.Data[i-1].Timestamp)
		}
		require.InDelta(t, base, p.Price, base*0.025+0.01)
		require.Positive(t, p.Volume)
	}
}

func TestBuild_StableAcrossCalls(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := history.NewBuilder(synthetic.New(synthetic.DefaultConfig()), func() time.Time { return now })

	require.Equal(t, b.Build("TSLA", history.Timeframe24h, 24), b.Build("TSLA", history.Timeframe24h, 24))
}

func TestBuild_ClampsLimit(t *testing.T) {
	t.Parallel()

	b := history.NewBuilder(synthetic.New(synthetic.DefaultConfig()), nil)
	require.Equal(t, 100, b.Build("X", history.Timeframe1h, 1000).Count)
	require.Equal(t, 1, b.Build("X", history.Timeframe1h, 0).Count)
}
