package backing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBlockDeviceSize_NotABlockDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = blockDeviceSize(f.Fd())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLKGETSIZE64")
}

func TestBlockDeviceSize_LoopDevice(t *testing.T) {
	f, err := os.Open("/dev/loop0")
	if err != nil {
		t.Skipf("no loop device available: %v", err)
	}
	defer f.Close()

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(int(f.Fd()), &st))
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		t.Skip("/dev/loop0 is not a block device")
	}
	size, err := blockDeviceSize(f.Fd())
	if err != nil {
		// an unbound loop device has no size
		t.Skipf("loop device not usable: %v", err)
	}
	assert.Zero(t, size%512)
}
