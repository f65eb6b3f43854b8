package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsVersion7(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)
	parsed, err := goUUID.Parse(id)
	require.NoError(t, err)
	require.EqualValues(t, 7, parsed.Version())
}

func TestIDsAreUnique(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := gen.MustID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
