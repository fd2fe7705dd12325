package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyNextDoublesUntilCap(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	interval := 5 * time.Minute
	want := []time.Duration{
		5 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		40 * time.Minute,
		40 * time.Minute,
		40 * time.Minute,
	}
	for k, expected := range want {
		require.Equal(t, expected, p.Next(interval, k), "failures=%d", k)
	}
}

func TestPolicyNextMatchesFormula(t *testing.T) {
	t.Parallel()

	p := New(Config{Multiplier: 2, MaxFactor: 8})
	for _, interval := range []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute} {
		for k := 0; k < 10; k++ {
			factor := 1 << k
			if factor > 8 {
				factor = 8
			}
			require.Equal(t, interval*time.Duration(factor), p.Next(interval, k))
		}
	}
}

func TestPolicyCustomConfig(t *testing.T) {
	t.Parallel()

	p := New(Config{Multiplier: 3, MaxFactor: 4})
	require.Equal(t, 3*time.Minute, p.Next(time.Minute, 1))
	require.Equal(t, 4*time.Minute, p.Next(time.Minute, 2))
	require.Equal(t, 4.0, p.MaxFactor())
	require.Equal(t, time.Duration(0), p.Next(0, 3))
}
