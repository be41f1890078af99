package kernelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	e := New("pmm", "out of memory")
	require.Equal(t, "pmm: out of memory", e.Error())
}

func TestErrorIs(t *testing.T) {
	a := New("pmm", "out of memory")
	b := New("pmm", "out of memory")
	c := New("pmm", "bad parameter")

	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, c))
	require.False(t, errors.Is(a, errors.New("out of memory")))
}
