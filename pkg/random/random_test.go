package random

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := ID()
		require.Len(t, id, idLen)
		require.Regexp(t, "^[0-9a-f]+$", id)
		require.False(t, seen[id])
		seen[id] = true
	}
}
