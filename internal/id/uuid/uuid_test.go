package uuid

import (
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

var _ monitor.IDGenerator = (*Generator)(nil)

func TestNewIDIsUniqueVersion7(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{}, 64)
	for range 64 {
		id, err := gen.NewID()
		require.NoError(t, err)

		parsed, err := googleuuid.Parse(id)
		require.NoError(t, err)
		require.Equal(t, googleuuid.Version(7), parsed.Version())

		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
