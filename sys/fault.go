package sys

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Faults controls injected failures for files opened while InjectFaults is
// active. Only paths containing Match are affected.
type Faults struct {
	Match string

	failWrites  atomic.Bool
	failSyncs   atomic.Bool
	writeErr    atomic.Value // error
	beforeWrite atomic.Value // func()
	beforeSync  atomic.Value // func()
}

// BeforeWrite runs fn ahead of every Write on matching files, before any
// injected failure (nil clears). fn may block to hold a writer in place.
func (fl *Faults) BeforeWrite(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	fl.beforeWrite.Store(fn)
}

// BeforeSync runs fn ahead of every Sync on matching files (nil clears).
func (fl *Faults) BeforeSync(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	fl.beforeSync.Store(fn)
}

// FailWrites makes every Write on matching files return err (nil clears).
func (fl *Faults) FailWrites(err error) {
	if err == nil {
		fl.failWrites.Store(false)
		return
	}
	fl.writeErr.Store(err)
	fl.failWrites.Store(true)
}

// FailSyncs makes Sync on matching files return err (nil clears).
func (fl *Faults) FailSyncs(err error) {
	if err == nil {
		fl.failSyncs.Store(false)
		return
	}
	fl.writeErr.Store(err)
	fl.failSyncs.Store(true)
}

func (fl *Faults) err() error {
	if v, ok := fl.writeErr.Load().(error); ok {
		return v
	}
	return os.ErrInvalid
}

var faultMu sync.Mutex

// InjectFaults wraps OpenFile so handles for matching paths consult fl.
// The returned function restores the previous handler.
func InjectFaults(fl *Faults) (restore func()) {
	faultMu.Lock()
	prev := OpenFile
	OpenFile = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
		h, err := prev(name, flag, perm)
		if err != nil || !strings.Contains(name, fl.Match) {
			return h, err
		}
		return &faultyFile{FileHandle: h, faults: fl}, nil
	}
	faultMu.Unlock()
	return func() {
		faultMu.Lock()
		OpenFile = prev
		faultMu.Unlock()
	}
}

type faultyFile struct {
	FileHandle
	faults *Faults
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if fn, ok := ff.faults.beforeWrite.Load().(func()); ok {
		fn()
	}
	if ff.faults.failWrites.Load() {
		return 0, ff.faults.err()
	}
	return ff.FileHandle.Write(p)
}

func (ff *faultyFile) Sync() error {
	if fn, ok := ff.faults.beforeSync.Load().(func()); ok {
		fn()
	}
	if ff.faults.failSyncs.Load() {
		return ff.faults.err()
	}
	return ff.FileHandle.Sync()
}

func (ff *faultyFile) Fd() uintptr {
	if fd, ok := ff.FileHandle.(interface{ Fd() uintptr }); ok {
		return fd.Fd()
	}
	return ^uintptr(0)
}
