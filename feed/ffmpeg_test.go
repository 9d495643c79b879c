package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

// captureBin writes a stand-in for ffmpeg that records its arguments and
// then idles, so the spawned command line can be inspected.
func captureBin(t *testing.T, oneShotAssetArg bool) (binPath, argsPath string) {
	t.Helper()
	dir := t.TempDir()
	binPath = filepath.Join(dir, "ffmpeg")
	argsPath = filepath.Join(dir, "args.txt")
	script := fmt.Sprintf("#!/bin/bash\nprintf '%%s\\n' \"$@\" > %s\n", argsPath)
	if oneShotAssetArg {
		// The real binary would write its last argument (the output file).
		script += "touch \"${!#}\"\n"
	} else {
		script += "while true; do sleep 1; done\n"
	}
	test.That(t, os.WriteFile(binPath, []byte(script), 0o700), test.ShouldBeNil)
	return binPath, argsPath
}

func capturedArgs(t *testing.T, argsPath string) []string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		rd, err := os.ReadFile(argsPath)
		if err == nil && len(rd) > 0 {
			return strings.Split(strings.TrimSpace(string(rd)), "\n")
		}
		if time.Now().After(deadline) {
			t.Fatal("arguments never captured")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewFFmpegEncoder(t *testing.T) {
	logger := golog.NewTestLogger(t)

	_, err := NewFFmpegEncoder(FFmpegConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "idle_source")

	encoder, err := NewFFmpegEncoder(FFmpegConfig{IdleSource: "idle.mp4"}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, encoder.IdleSourcePath(), test.ShouldEqual, "idle.mp4")
}

func TestFFmpegEncoderSpawnIdleFeed(t *testing.T) {
	logger := golog.NewTestLogger(t)
	binPath, argsPath := captureBin(t, false)
	encoder, err := NewFFmpegEncoder(FFmpegConfig{BinPath: binPath, IdleSource: "idle.mp4"}, logger)
	test.That(t, err, test.ShouldBeNil)

	proc, err := encoder.SpawnIdleFeed(context.Background(), SlotConfig{ID: "slot1", OutputURL: "srt://localhost:9001"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, proc.ID(), test.ShouldEqual, "slot1-idle")
	args := capturedArgs(t, argsPath)
	test.That(t, proc.Stop(), test.ShouldBeNil)
	joined := strings.Join(args, " ")
	test.That(t, joined, test.ShouldContainSubstring, "-stream_loop -1")
	test.That(t, joined, test.ShouldContainSubstring, "-i idle.mp4")
	test.That(t, joined, test.ShouldContainSubstring, "-c:v libx264")
	test.That(t, joined, test.ShouldContainSubstring, "-tune zerolatency")
	test.That(t, joined, test.ShouldContainSubstring, "-f mpegts")
	// The output URL is the final argument.
	test.That(t, args[len(args)-1], test.ShouldEqual, "srt://localhost:9001")
}

func TestFFmpegEncoderSpawnLiveFeed(t *testing.T) {
	logger := golog.NewTestLogger(t)
	binPath, argsPath := captureBin(t, false)
	encoder, err := NewFFmpegEncoder(FFmpegConfig{BinPath: binPath, IdleSource: "idle.mp4"}, logger)
	test.That(t, err, test.ShouldBeNil)

	proc, err := encoder.SpawnLiveFeed(
		context.Background(),
		SlotConfig{ID: "slot2", OutputURL: "srt://localhost:9002"},
		staticSource("/tmp/caller.sdp"),
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, proc.ID(), test.ShouldEqual, "slot2-live")
	args := capturedArgs(t, argsPath)
	test.That(t, proc.Stop(), test.ShouldBeNil)
	joined := strings.Join(args, " ")
	test.That(t, joined, test.ShouldContainSubstring, "-protocol_whitelist file,udp,rtp")
	test.That(t, joined, test.ShouldContainSubstring, "-i /tmp/caller.sdp")
	test.That(t, args[len(args)-1], test.ShouldEqual, "srt://localhost:9002")
}

func TestFFmpegEncoderEnsureIdleSource(t *testing.T) {
	logger := golog.NewTestLogger(t)
	binPath, argsPath := captureBin(t, true)
	idlePath := filepath.Join(t.TempDir(), "assets", "idle.mp4")
	encoder, err := NewFFmpegEncoder(FFmpegConfig{BinPath: binPath, IdleSource: idlePath}, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, encoder.EnsureIdleSource(context.Background()), test.ShouldBeNil)
	_, err = os.Stat(idlePath)
	test.That(t, err, test.ShouldBeNil)

	rd, err := os.ReadFile(argsPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(rd), test.ShouldContainSubstring, "lavfi")
	test.That(t, string(rd), test.ShouldContainSubstring, "anullsrc")

	// A second call sees the existing asset and spawns nothing.
	test.That(t, os.Remove(argsPath), test.ShouldBeNil)
	test.That(t, encoder.EnsureIdleSource(context.Background()), test.ShouldBeNil)
	_, err = os.Stat(argsPath)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}
