package resource

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCloser struct {
	id    int
	order *[]int
	err   error
}

func (c *recordingCloser) Close() error {
	*c.order = append(*c.order, c.id)
	return c.err
}

func TestScope_RemovesTempFiles(t *testing.T) {
	s := NewScope(t.TempDir())

	f, err := s.CreateTempFile("att-*.bin")
	require.NoError(t, err)
	_, err = f.WriteString("payload")
	require.NoError(t, err)

	name := f.Name()
	require.FileExists(t, name)
	assert.Equal(t, []string{name}, s.TempFiles())

	require.NoError(t, s.Close())
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err))
}

func TestScope_ClosesInReverseOrder(t *testing.T) {
	s := NewScope("")
	var order []int
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Track(&recordingCloser{id: i, order: &order}))
	}

	require.NoError(t, s.Close())
	assert.Equal(t, []int{3, 2, 1}, order)

	require.NoError(t, s.Close(), "second close is a no-op")
	assert.Len(t, order, 3)
}

func TestScope_JoinsErrors(t *testing.T) {
	s := NewScope("")
	var order []int
	boom := errors.New("boom")
	require.NoError(t, s.Track(&recordingCloser{id: 1, order: &order, err: boom}))
	require.NoError(t, s.Track(&recordingCloser{id: 2, order: &order}))

	err := s.Close()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{2, 1}, order, "a failing closer must not stop the others")
}

func TestScope_RejectsAfterClose(t *testing.T) {
	s := NewScope(t.TempDir())
	require.NoError(t, s.Close())

	_, err := s.CreateTempFile("x")
	assert.ErrorIs(t, err, ErrClosed)

	var order []int
	err = s.Track(&recordingCloser{id: 7, order: &order})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []int{7}, order, "late closers are closed right away")
}
