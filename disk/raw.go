package disk

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawDevice is the Raw backend: a pre-partitioned block device, opened
// O_DIRECT with no preallocation (the partition's size *is* the capacity)
// and no file-level header (spec.md §6.3) — identity is carried entirely
// by which device path the caller configured. Requires the device to have
// been prepared by the operator (partitioned, permissions granted); this
// package does not attempt that preparation.
type rawDevice struct {
	mu       sync.Mutex
	fd       int
	pageSize int
	size     int64
	tail     int64
	closed   int32
}

func openRaw(devicePath string, pageSize int) (Backend, error) {
	if devicePath == "" {
		return nil, ErrUnknownMode
	}
	fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		return nil, err
	}
	size, err := deviceSize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &rawDevice{fd: fd, pageSize: pageSize, size: size}, nil
}

func deviceSize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	if st.Size > 0 {
		return st.Size, nil
	}
	// Block devices report a regular size of 0 via fstat; BLKGETSIZE64
	// returns the device's real byte capacity.
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.BLKGETSIZE64), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}

func (d *rawDevice) checkAligned(offset int64, buf []byte) error {
	if !isAligned(offset, d.pageSize) || !isAligned(int64(len(buf)), d.pageSize) {
		return ErrMisaligned
	}
	if offset+int64(len(buf)) > d.size {
		return ErrMisaligned
	}
	return nil
}

func (d *rawDevice) ReadAt(buf []byte, offset int64) (int, error) {
	if atomic.LoadInt32(&d.closed) != 0 {
		return 0, ErrClosed
	}
	if err := d.checkAligned(offset, buf); err != nil {
		return 0, err
	}
	return unix.Pread(d.fd, buf, offset)
}

func (d *rawDevice) WriteAt(data []byte, offset int64) error {
	if atomic.LoadInt32(&d.closed) != 0 {
		return ErrClosed
	}
	if err := d.checkAligned(offset, data); err != nil {
		return err
	}
	_, err := unix.Pwrite(d.fd, data, offset)
	return err
}

// Append on a raw device tracks its own tail since the device has no
// growable end-of-file; callers are responsible for not exceeding the
// device's fixed capacity.
func (d *rawDevice) Append(data []byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAligned(d.tail, data); err != nil {
		return d.tail, err
	}
	n, err := unix.Pwrite(d.fd, data, d.tail)
	if err != nil {
		return d.tail, err
	}
	d.tail += int64(n)
	return d.tail, nil
}

func (d *rawDevice) Size() (int64, error) {
	return d.size, nil
}

func (d *rawDevice) Sync() error {
	if atomic.LoadInt32(&d.closed) != 0 {
		return nil
	}
	return unix.Fsync(d.fd)
}

func (d *rawDevice) Close() error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}
	return unix.Close(d.fd)
}
