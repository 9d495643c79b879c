// Package signal negotiates real-time media sessions with callers' browsers
// and turns them into media handles the slot encoder can consume.
package signal

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/liftover/callqueue"
)

// ErrSignalingFailed is returned when a caller's media session could not be
// negotiated. It is an expected condition (bad SDP, unreachable media), never
// a crash.
var ErrSignalingFailed = errors.New("media signaling failed")

// DefaultICEServers is the default set of ICE servers used for session
// negotiation. There is no guarantee that the defaults here will remain
// usable.
var DefaultICEServers = []webrtc.ICEServer{
	{
		URLs: []string{"stun:stun.l.google.com:19302"},
	},
}

// Options configure a Signaler.
type Options struct {
	// ICEServers used for negotiation; DefaultICEServers when empty.
	ICEServers []webrtc.ICEServer
	// IngestDir is where per-caller session description files for the
	// encoder are written. Defaults to the system temp directory.
	IngestDir string
}

// A Signaler accepts callers' session offers and answers them, producing an
// opaque media handle per caller.
type Signaler struct {
	config    webrtc.Configuration
	ingestDir string
	logger    golog.Logger
}

// NewSignaler returns a new signaler with the given options.
func NewSignaler(opts Options, logger golog.Logger) *Signaler {
	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	ingestDir := opts.IngestDir
	if ingestDir == "" {
		ingestDir = os.TempDir()
	}
	return &Signaler{
		config:    webrtc.Configuration{ICEServers: servers},
		ingestDir: ingestDir,
		logger:    logger.Named("signal"),
	}
}

func newAPI() (*webrtc.API, error) {
	m := webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	var settingEngine webrtc.SettingEngine
	// Allow an offline mode where everything happens over loopback.
	settingEngine.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(&m),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// Answer negotiates a media session from the caller's SDP offer. It returns
// a handle whose ingest URL the encoder can read the caller's audio and
// video from. The handle must be closed when the caller is done.
func (s *Signaler) Answer(callerID, offerSDP string) (*MediaHandle, error) {
	api, err := newAPI()
	if err != nil {
		return nil, errors.Wrapf(ErrSignalingFailed, "building media api: %s", err)
	}
	pc, err := api.NewPeerConnection(s.config)
	if err != nil {
		return nil, errors.Wrapf(ErrSignalingFailed, "building peer connection: %s", err)
	}

	handle := &MediaHandle{
		callerID: callerID,
		pc:       pc,
		done:     make(chan struct{}),
		logger:   s.logger.Named(callerID),
	}
	if err := handle.setup(s.ingestDir, offerSDP); err != nil {
		return nil, multierr.Combine(err, handle.Close())
	}
	return handle, nil
}

// A MediaHandle is one caller's negotiated media session. The caller's RTP
// is forwarded onto local UDP ports described by a session file at
// IngestURL, the form the encoder knows how to read.
type MediaHandle struct {
	callerID  string
	answerSDP string
	sdpPath   string

	pc    *webrtc.PeerConnection
	audio *net.UDPConn
	video *net.UDPConn

	// done stops the handle's background goroutines; sessions can end well
	// before the peer connection reports an error.
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	logger    golog.Logger
}

// IngestURL returns the path of the session description file the encoder
// consumes.
func (h *MediaHandle) IngestURL() string {
	return h.sdpPath
}

// AnswerSDP returns the answer to relay back to the caller's browser.
func (h *MediaHandle) AnswerSDP() string {
	return h.answerSDP
}

// Close tears the session down and removes the session file. Closing an
// already closed handle is a no-op; teardown can race a disconnect.
func (h *MediaHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		err := h.pc.Close()
		if h.audio != nil {
			err = multierr.Combine(err, h.audio.Close())
		}
		if h.video != nil {
			err = multierr.Combine(err, h.video.Close())
		}
		if h.sdpPath != "" {
			if removeErr := os.Remove(h.sdpPath); removeErr != nil && !os.IsNotExist(removeErr) {
				err = multierr.Combine(err, removeErr)
			}
		}
		h.closeErr = err
	})
	return h.closeErr
}

func (h *MediaHandle) setup(ingestDir, offerSDP string) error {
	var err error
	// The encoder binds these ports itself (it reads them out of the session
	// file), so we only dial towards them.
	if h.audio, err = dialFreeLocalUDP(); err != nil {
		return errors.Wrapf(ErrSignalingFailed, "allocating audio port: %s", err)
	}
	if h.video, err = dialFreeLocalUDP(); err != nil {
		return errors.Wrapf(ErrSignalingFailed, "allocating video port: %s", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := h.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return errors.Wrapf(ErrSignalingFailed, "adding %s transceiver: %s", kind, err)
		}
	}

	h.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		conn := h.audio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			conn = h.video
			h.requestKeyframes(track)
		}
		h.forward(track, conn)
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := h.pc.SetRemoteDescription(offer); err != nil {
		return errors.Wrapf(ErrSignalingFailed, "bad offer: %s", err)
	}
	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Wrapf(ErrSignalingFailed, "creating answer: %s", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return errors.Wrapf(ErrSignalingFailed, "setting local description: %s", err)
	}
	<-gatherComplete
	h.answerSDP = h.pc.LocalDescription().SDP

	h.sdpPath = filepath.Join(ingestDir, "caller-"+h.callerID+".sdp")
	if err := os.WriteFile(h.sdpPath, []byte(h.ingestSDP()), 0o600); err != nil {
		return errors.Wrapf(ErrSignalingFailed, "writing session file: %s", err)
	}
	return nil
}

// ingestSDP describes where the caller's RTP lands locally, in the form the
// encoder's demuxer expects: opus audio and VP8 video over loopback.
func (h *MediaHandle) ingestSDP() string {
	audioPort := h.audio.RemoteAddr().(*net.UDPAddr).Port
	videoPort := h.video.RemoteAddr().(*net.UDPAddr).Port
	return fmt.Sprintf(`v=0
o=- 0 0 IN IP4 127.0.0.1
s=caller %s
c=IN IP4 127.0.0.1
t=0 0
m=audio %d RTP/AVP 111
a=rtpmap:111 opus/48000/2
m=video %d RTP/AVP 96
a=rtpmap:96 VP8/90000
`, h.callerID, audioPort, videoPort)
}

// forward copies the track's RTP onto the local conn until the session ends.
func (h *MediaHandle) forward(track *webrtc.TrackRemote, conn *net.UDPConn) {
	callqueue.PanicCapturingGo(func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				h.logger.Debugw("error forwarding media", "error", err)
				return
			}
		}
	})
}

// requestKeyframes periodically asks the caller's browser for a keyframe so
// the encoder can always join the stream quickly.
func (h *MediaHandle) requestKeyframes(track *webrtc.TrackRemote) {
	callqueue.PanicCapturingGo(func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			if err := h.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			}); err != nil {
				return
			}
		}
	})
}

// dialFreeLocalUDP reserves a free loopback UDP port and returns a conn
// dialed towards it. The port is released before dialing so the encoder can
// bind it; the window where another process could grab it is accepted.
func dialFreeLocalUDP() (*net.UDPConn, error) {
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, err
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	if err := probe.Close(); err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
}
