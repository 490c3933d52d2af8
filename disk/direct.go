package disk

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// directFile is the Direct backend: an O_DIRECT file requiring offset,
// length, and buffer address to all be multiples of pageSize (spec.md
// §6.1). golang.org/x/sys/unix ships indirectly in the teacher's go.mod
// (via gofrs/flock's syscall use); this is its first direct, exercised use
// in the pack's lineage.
type directFile struct {
	mu       sync.Mutex
	fd       int
	pageSize int
	tail     int64
	closed   int32
}

func openDirect(path string, size int64, pageSize int) (Backend, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_DIRECT, 0644)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return &directFile{fd: fd, pageSize: pageSize}, nil
}

func (f *directFile) checkAligned(offset int64, buf []byte) error {
	if !isAligned(offset, f.pageSize) || !isAligned(int64(len(buf)), f.pageSize) {
		return ErrMisaligned
	}
	return nil
}

func (f *directFile) ReadAt(buf []byte, offset int64) (int, error) {
	if atomic.LoadInt32(&f.closed) != 0 {
		return 0, ErrClosed
	}
	if err := f.checkAligned(offset, buf); err != nil {
		return 0, err
	}
	return unix.Pread(f.fd, buf, offset)
}

func (f *directFile) WriteAt(data []byte, offset int64) error {
	if atomic.LoadInt32(&f.closed) != 0 {
		return ErrClosed
	}
	if err := f.checkAligned(offset, data); err != nil {
		return err
	}
	_, err := unix.Pwrite(f.fd, data, offset)
	return err
}

func (f *directFile) Append(data []byte) (int64, error) {
	if atomic.LoadInt32(&f.closed) != 0 {
		return 0, ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAligned(f.tail, data); err != nil {
		return f.tail, err
	}
	n, err := unix.Pwrite(f.fd, data, f.tail)
	if err != nil {
		return f.tail, err
	}
	f.tail += int64(n)
	return f.tail, nil
}

func (f *directFile) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

func (f *directFile) Sync() error {
	if atomic.LoadInt32(&f.closed) != 0 {
		return nil
	}
	return unix.Fsync(f.fd)
}

func (f *directFile) Close() error {
	if !atomic.CompareAndSwapInt32(&f.closed, 0, 1) {
		return nil
	}
	return unix.Close(f.fd)
}

// AlignedBuffer allocates a pageSize-aligned byte slice of size n (rounded
// up to a page multiple) suitable for Direct/Raw I/O. Go's allocator gives
// no alignment guarantee, so this over-allocates and slices to an aligned
// start address.
func AlignedBuffer(n, pageSize int) []byte {
	raw := make([]byte, n+pageSize)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := int(addr % uintptr(pageSize))
	if offset == 0 {
		return raw[:n]
	}
	start := pageSize - offset
	return raw[start : start+n]
}
