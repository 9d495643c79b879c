// Package testutils contains helpers shared by the call queue tests.
package testutils

import (
	"os"
	"testing"

	"github.com/pkg/errors"

	"github.com/liftover/callqueue"
)

var noSkip = false

func skipWithError(t *testing.T, err error) {
	t.Helper()
	if noSkip {
		t.Fatal(err)
		return
	}
	t.Skip(err)
}

func backingMongoDBURI() (string, error) {
	mongoURI, ok := os.LookupEnv("TEST_MONGODB_URI")
	if !ok || mongoURI == "" {
		return "", errors.New("no MongoDB URI found")
	}
	return mongoURI, nil
}

// SkipUnlessBackingMongoDBURI verifies there is a backing MongoDB URI to use.
func SkipUnlessBackingMongoDBURI(t *testing.T) {
	t.Helper()
	_, err := backingMongoDBURI()
	if err == nil {
		return
	}
	skipWithError(t, err)
}

// BackingMongoDBURI returns the backing MongoDB URI to use.
func BackingMongoDBURI(t *testing.T) string {
	t.Helper()
	mongoURI, err := backingMongoDBURI()
	if err != nil {
		skipWithError(t, err)
		return ""
	}
	return mongoURI
}

func ffmpegBinPath() (string, error) {
	binPath, ok := os.LookupEnv("TEST_FFMPEG_BIN")
	if !ok || binPath == "" {
		return "", errors.New("no ffmpeg binary found")
	}
	return binPath, nil
}

// FFmpegBinPath returns the path of an ffmpeg binary to test against.
func FFmpegBinPath(t *testing.T) string {
	t.Helper()
	binPath, err := ffmpegBinPath()
	if err != nil {
		skipWithError(t, err)
		return ""
	}
	return binPath
}

// VerifyTestMain preforms various runtime checks on code that runs in TestMain.
func VerifyTestMain(m *testing.M) {
	exitCode := m.Run()
	if err := callqueue.FindGoroutineLeaks(); err != nil {
		println("goroutine leak(s) detected:", err.Error())
		os.Exit(1)
	}
	os.Exit(exitCode)
}
