package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDIsRandom(t *testing.T) {
	require := require.New(t)

	a, b := NewID(), NewID()
	require.NotEqual(a, b)
	require.Len(a.String(), 32)
}
