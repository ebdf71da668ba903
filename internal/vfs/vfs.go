// Package vfs is the guest's read-only view of the host filesystem. Paths are
// resolved under a root directory and never escape it.
package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Darwin errno values reported to the guest.
const (
	ENOENT = 2
	EBADF  = 9
	EACCES = 13
	EINVAL = 22
	EROFS  = 30
)

// Errno is an error the guest sees through errno.
type Errno int

func (e Errno) Error() string {
	switch e {
	case ENOENT:
		return "no such file or directory"
	case EBADF:
		return "bad file descriptor"
	case EACCES:
		return "permission denied"
	case EINVAL:
		return "invalid argument"
	case EROFS:
		return "read-only file system"
	}
	return "errno " + strconv.Itoa(int(e))
}

// firstFD leaves room for stdin, stdout and stderr.
const firstFD = 3

// FS maps guest paths under Root and tracks the guest's open descriptors.
type FS struct {
	root string

	mu   sync.Mutex
	fds  map[int]*os.File
	next int
}

// New returns a filesystem rooted at root. An empty root has no files.
func New(root string) *FS {
	return &FS{root: root, fds: make(map[int]*os.File), next: firstFD}
}

// Root is the host directory guest paths resolve under.
func (f *FS) Root() string { return f.root }

// Path maps a guest path to its host path.
func (f *FS) Path(guest string) (string, error) {
	if f.root == "" || guest == "" {
		return "", Errno(ENOENT)
	}
	return filepath.Join(f.root, filepath.Clean("/"+guest)), nil
}

// Open opens guest for reading and returns its descriptor.
func (f *FS) Open(guest string) (int, error) {
	p, err := f.Path(guest)
	if err != nil {
		return -1, err
	}
	file, err := os.Open(p)
	if err != nil {
		return -1, errnoOf(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fd := f.next
	f.next++
	f.fds[fd] = file
	return fd, nil
}

func (f *FS) file(fd int) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.fds[fd]
	if !ok {
		return nil, Errno(EBADF)
	}
	return file, nil
}

// Read reads up to n bytes from fd. At end of file it returns no data and
// no error.
func (f *FS) Read(fd int, n int) ([]byte, error) {
	file, err := f.file(fd)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := file.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errnoOf(err)
	}
	return buf[:got], nil
}

// ReadAt reads up to n bytes at off without moving the file offset.
func (f *FS) ReadAt(fd int, n int, off int64) ([]byte, error) {
	file, err := f.file(fd)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := file.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errnoOf(err)
	}
	return buf[:got], nil
}

// Seek moves the offset of fd. whence follows lseek.
func (f *FS) Seek(fd int, off int64, whence int) (int64, error) {
	file, err := f.file(fd)
	if err != nil {
		return -1, err
	}
	if whence < io.SeekStart || whence > io.SeekEnd {
		return -1, Errno(EINVAL)
	}
	pos, err := file.Seek(off, whence)
	if err != nil {
		return -1, errnoOf(err)
	}
	return pos, nil
}

// Stat describes the file at guest.
func (f *FS) Stat(guest string) (fs.FileInfo, error) {
	p, err := f.Path(guest)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, errnoOf(err)
	}
	return info, nil
}

// Fstat describes an open descriptor.
func (f *FS) Fstat(fd int) (fs.FileInfo, error) {
	file, err := f.file(fd)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		return nil, errnoOf(err)
	}
	return info, nil
}

// Close releases fd.
func (f *FS) Close(fd int) error {
	f.mu.Lock()
	file, ok := f.fds[fd]
	delete(f.fds, fd)
	f.mu.Unlock()
	if !ok {
		return Errno(EBADF)
	}
	file.Close()
	return nil
}

// OpenCount reports the number of open descriptors.
func (f *FS) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fds)
}

// CloseAll releases every descriptor.
func (f *FS) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, file := range f.fds {
		file.Close()
		delete(f.fds, fd)
	}
}

func errnoOf(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Errno(ENOENT)
	case errors.Is(err, fs.ErrPermission):
		return Errno(EACCES)
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return Errno(EINVAL)
}
