package debugdetect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetPresence(t *testing.T) {
	t.Cleanup(func() { present.Store(false) })
	present.Store(false)
}

func TestPresentBeforeInit(t *testing.T) {
	resetPresence(t)
	require.False(t, Present())
}

func TestInitWith(t *testing.T) {
	resetPresence(t)
	initWith(func() (bool, error) { return true, nil })
	require.True(t, Present())
}

func TestInitWithError(t *testing.T) {
	resetPresence(t)
	initWith(func() (bool, error) { return true, errors.New("no status") })
	require.False(t, Present())
}

func TestInitOnce(t *testing.T) {
	Init()
	first := Present()
	present.Store(!first)
	Init()
	require.Equal(t, !first, Present(), "Init must not check twice")
	present.Store(first)
}
