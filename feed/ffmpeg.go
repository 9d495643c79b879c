package feed

import (
	"context"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// A Source is an opaque handle to a caller's live media, produced by the
// signaling collaborator. The encoder only needs somewhere to read from.
type Source interface {
	// IngestURL is an input the encoder can consume (an SDP file path or a
	// protocol URL, depending on how the media session was negotiated).
	IngestURL() string
}

// An Encoder spawns the external processes that push a slot's outbound
// signal. The supervisor does not know or care how the feed is produced.
type Encoder interface {
	// SpawnIdleFeed launches the placeholder feed for an unoccupied slot.
	SpawnIdleFeed(ctx context.Context, slot SlotConfig) (Process, error)

	// SpawnLiveFeed launches the feed carrying the given caller media.
	SpawnLiveFeed(ctx context.Context, slot SlotConfig, src Source) (Process, error)
}

// FFmpegConfig configures the ffmpeg-backed encoder.
type FFmpegConfig struct {
	// BinPath is the ffmpeg executable. Defaults to "ffmpeg" on PATH.
	BinPath string `json:"bin_path,omitempty"`
	// IdleSource is the looping media file streamed to unoccupied slots.
	IdleSource string `json:"idle_source"`
	// LogOutput enables debug logging of ffmpeg stderr.
	LogOutput bool `json:"log_output,omitempty"`
}

// An FFmpegEncoder produces slot feeds by running ffmpeg: an endless loop of
// the idle asset for unoccupied slots, and a transcode of the caller's media
// for live ones, both muxed as MPEG-TS to the slot's output URL.
type FFmpegEncoder struct {
	cfg    FFmpegConfig
	logger golog.Logger
}

// NewFFmpegEncoder returns an encoder using the given configuration.
func NewFFmpegEncoder(cfg FFmpegConfig, logger golog.Logger) (*FFmpegEncoder, error) {
	if cfg.BinPath == "" {
		cfg.BinPath = "ffmpeg"
	}
	if cfg.IdleSource == "" {
		return nil, errors.New("ffmpeg encoder: idle_source required")
	}
	return &FFmpegEncoder{cfg: cfg, logger: logger.Named("ffmpeg")}, nil
}

// SpawnIdleFeed starts streaming the idle asset to the slot in a loop.
func (e *FFmpegEncoder) SpawnIdleFeed(ctx context.Context, slot SlotConfig) (Process, error) {
	args := append([]string{
		"-re",
		"-stream_loop", "-1",
		"-i", e.cfg.IdleSource,
	}, outputArgs(slot.OutputURL)...)
	return e.spawn(ctx, slot.ID+"-idle", args)
}

// SpawnLiveFeed starts transcoding the caller's media to the slot.
func (e *FFmpegEncoder) SpawnLiveFeed(ctx context.Context, slot SlotConfig, src Source) (Process, error) {
	args := append([]string{
		"-protocol_whitelist", "file,udp,rtp",
		"-i", src.IngestURL(),
	}, outputArgs(slot.OutputURL)...)
	return e.spawn(ctx, slot.ID+"-live", args)
}

func (e *FFmpegEncoder) spawn(ctx context.Context, id string, args []string) (Process, error) {
	proc := NewProcess(ProcessConfig{
		ID:   id,
		Name: e.cfg.BinPath,
		Args: args,
		Log:  e.cfg.LogOutput,
	}, e.logger)
	if err := proc.Start(ctx); err != nil {
		return nil, errors.Wrapf(err, "error spawning feed %q", id)
	}
	return proc, nil
}

// outputArgs is the common low-latency encode tail of every feed: H.264 +
// AAC in MPEG-TS, tuned the way the downstream vision mixer expects.
func outputArgs(outputURL string) []string {
	return []string{
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-b:v", "4000k",
		"-maxrate", "4000k",
		"-bufsize", "8000k",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "48000",
		"-f", "mpegts",
		outputURL,
	}
}

// EnsureIdleSource generates the idle asset (ten seconds of black video and
// silence) if it does not already exist.
func (e *FFmpegEncoder) EnsureIdleSource(ctx context.Context) error {
	if _, err := os.Stat(e.cfg.IdleSource); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.cfg.IdleSource), 0o750); err != nil {
		return err
	}
	proc := NewProcess(ProcessConfig{
		ID:   "idle-source-gen",
		Name: e.cfg.BinPath,
		Args: []string{
			"-f", "lavfi",
			"-i", "color=c=black:s=1920x1080:r=30",
			"-f", "lavfi",
			"-i", "anullsrc=channel_layout=stereo:sample_rate=48000",
			"-t", "10",
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-c:a", "aac",
			e.cfg.IdleSource,
		},
		OneShot: true,
		Log:     e.cfg.LogOutput,
	}, e.logger)
	if err := proc.Start(ctx); err != nil {
		return errors.Wrap(err, "error generating idle source")
	}
	e.logger.Infow("idle source created", "path", e.cfg.IdleSource)
	return nil
}

// IdleSourcePath returns the path of the idle asset.
func (e *FFmpegEncoder) IdleSourcePath() string {
	return e.cfg.IdleSource
}
