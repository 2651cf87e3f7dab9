package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := DeriveKey("some password", tmp, "salt")
	require.Nil(err)
	key2, err := DeriveKey("some password", tmp, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))
}

func TestDeriveKeyDifferentSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := DeriveKey("some password", tmp, "salt1")
	require.Nil(err)
	key2, err := DeriveKey("some password", tmp, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}
