package sys

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

var debugMode atomic.Bool

// FileHandle is the subset of *os.File used by the storage layers. Tests
// substitute it to inject I/O failures.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

// SetDebugMode makes subsequently opened files log open/close and register
// themselves in the open-file table.
func SetDebugMode(mode bool) {
	debugMode.Store(mode)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	if debugMode.Load() {
		return newDebugFile(f), nil
	}
	return &RealFile{f: f}, nil
}

var Rename RenameHandler = os.Rename

var Remove RemoveHandler = func(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Create truncates or creates name for read/write.
func Create(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// Open opens name read-only.
func Open(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

// SyncDir fsyncs a directory so renames and creates inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !os.IsPermission(err) {
		return err
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path, fsyncs it and
// renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		Remove(tmp)
		return err
	}
	if err := Rename(tmp, path); err != nil {
		Remove(tmp)
		return err
	}
	return SyncDir(filepath.Dir(path))
}

var _ FileHandle = (*RealFile)(nil)

type RealFile struct {
	f *os.File
}

func (rf *RealFile) Write(p []byte) (int, error)                { return rf.f.Write(p) }
func (rf *RealFile) Read(p []byte) (int, error)                 { return rf.f.Read(p) }
func (rf *RealFile) ReadAt(p []byte, off int64) (int, error)    { return rf.f.ReadAt(p, off) }
func (rf *RealFile) Seek(offset int64, whence int) (int64, error) { return rf.f.Seek(offset, whence) }
func (rf *RealFile) Stat() (os.FileInfo, error)                 { return rf.f.Stat() }
func (rf *RealFile) Sync() error                                { return rf.f.Sync() }
func (rf *RealFile) Truncate(size int64) error                  { return rf.f.Truncate(size) }
func (rf *RealFile) Name() string                               { return rf.f.Name() }
func (rf *RealFile) Close() error                               { return rf.f.Close() }

// Fd exposes the descriptor for Preallocate.
func (rf *RealFile) Fd() uintptr { return rf.f.Fd() }
