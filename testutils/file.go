package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"go.viam.com/test"
)

// TempFile creates a temporary file for a test process to write into, or
// fails the test if it cannot. It returns the file and a clean-up function.
func TempFile(tb testing.TB) (*os.File, func()) {
	tb.Helper()
	//nolint:gosec
	f, err := os.Create(filepath.Join(tb.TempDir(), "proc-out.txt"))
	test.That(tb, err, test.ShouldBeNil)

	return f, func() {
		// The file lives in a TB.TempDir directory and is removed with it.
		test.That(tb, f.Close(), test.ShouldBeNil)
	}
}

// WatchedFile creates a temporary file plus a watcher on it, so a test can
// block on the file being written to instead of polling for it. It returns
// the watcher, the file, and a clean-up function.
func WatchedFile(tb testing.TB) (*fsnotify.Watcher, *os.File, func()) {
	tb.Helper()
	f, cleanupFile := TempFile(tb)

	watcher, err := fsnotify.NewWatcher()
	test.That(tb, err, test.ShouldBeNil)
	test.That(tb, watcher.Add(f.Name()), test.ShouldBeNil)

	return watcher, f, func() {
		test.That(tb, watcher.Close(), test.ShouldBeNil)
		cleanupFile()
	}
}
