package backing

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jvs-project/replvol/pkg/model"
)

// FileOpener opens block devices and regular files. Regular files are
// handy for loop-style test setups; their size is the file size.
type FileOpener struct {
	claims *claims
}

// NewFileOpener returns an opener with its own claim table.
func NewFileOpener() *FileOpener {
	return &FileOpener{claims: newClaims()}
}

type fileDevice struct {
	f        *os.File
	path     string
	id       string
	capacity uint64
	release  func()
	once     sync.Once
}

// Open opens path read-write and claims it for holder.
func (o *FileOpener) Open(path string, holder any) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	var (
		id    string
		bytes uint64
	)
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		id = fmt.Sprintf("blk:%d", st.Rdev)
		bytes, err = blockDeviceSize(f.Fd())
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("query size of %s: %w", path, err)
		}
	case unix.S_IFREG:
		id = fmt.Sprintf("file:%d:%d", st.Dev, st.Ino)
		bytes = uint64(st.Size)
	default:
		f.Close()
		return nil, fmt.Errorf("%s is neither a block device nor a regular file", path)
	}

	if err := o.claims.claim(id, holder); err != nil {
		f.Close()
		return nil, err
	}

	return &fileDevice{
		f:        f,
		path:     path,
		id:       id,
		capacity: bytes >> model.SectorShift,
		release:  func() { o.claims.release(id) },
	}, nil
}

// blockDeviceSize returns the size in bytes of the block device open on fd.
func blockDeviceSize(fd uintptr) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("ioctl BLKGETSIZE64: %w", errno)
	}
	return size, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *fileDevice) Path() string                             { return d.path }
func (d *fileDevice) ID() string                               { return d.id }
func (d *fileDevice) Capacity() uint64                         { return d.capacity }
func (d *fileDevice) Sync() error                              { return d.f.Sync() }

func (d *fileDevice) Close() error {
	var err error
	d.once.Do(func() {
		d.release()
		err = d.f.Close()
	})
	return err
}
