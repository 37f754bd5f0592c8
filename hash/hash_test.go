package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestSum(t *testing.T) {
	expected := blake3.Sum256([]byte("helloworld"))
	require.Equal(t, expected, Sum([]byte("hello"), []byte("world")))
	// pooled hashers must not leak state between calls
	require.Equal(t, expected, Sum([]byte("helloworld")))
	require.Equal(t, blake3.Sum256(nil), Sum())
}

func TestDeriveKey(t *testing.T) {
	a := make([]byte, 8)
	b := make([]byte, 8)
	DeriveKey("ctx one", []byte("material"), a)
	DeriveKey("ctx two", []byte("material"), b)
	require.NotEqual(t, a, b)
	c := make([]byte, 8)
	DeriveKey("ctx one", []byte("material"), c)
	require.Equal(t, a, c)
}
