package pid

import (
	"os"
	"strconv"
	"testing"

	"codeberg.org/mutker/npuctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	Dir = t.TempDir()

	require.NoError(t, Write())

	data, err := os.ReadFile(Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	// Rewriting our own PID is allowed.
	require.NoError(t, Write())

	require.NoError(t, Remove())
	_, err = os.Stat(Path())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, Remove(), "removing a missing file is not an error")
}

func TestWriteRefusesLiveOwner(t *testing.T) {
	Dir = t.TempDir()

	// PID 1 always exists.
	require.NoError(t, os.WriteFile(Path(), []byte("1"), 0o600))

	err := Write()
	if err == nil {
		t.Skip("signalling pid 1 not permitted in this environment")
	}
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteReplacesStaleFile(t *testing.T) {
	Dir = t.TempDir()

	require.NoError(t, os.WriteFile(Path(), []byte("not-a-pid"), 0o600))
	require.NoError(t, Write())
}
