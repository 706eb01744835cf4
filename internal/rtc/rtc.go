// Package rtc provides a thin pion/webrtc/v4 session wrapper: one
// PeerConnection per WebRTC stream leg, handing the RTP Packager a
// TrackLocal for egress or a reassembled media.Packet stream for
// ingress. SDP offer/answer transport (WebSocket, HTTP long-poll) is
// external to this package; Session only drives the ICE/DTLS/SDP state
// machine itself, adapted from n0remac-robot-webrtc's webrtc/sfu.go SFU
// session handling, generalized from a room-based fan-out to one
// session per stream leg.
package rtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/alxayo/go-rtmp/internal/logger"
	"github.com/alxayo/go-rtmp/internal/media"
	rtppkg "github.com/alxayo/go-rtmp/internal/packager/rtp"
)

// Config controls ICE server discovery and logging shared by every
// Session.
type Config struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

func defaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// NewAPI builds a pion/webrtc API with H264 + Opus registered (the codec
// pair the RTP Packager emits) and the default interceptor chain (NACK,
// TWCC, RTCP reports), mirroring the codec registration in
// n0remac-robot-webrtc's newSFUAPI.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	videoFeedback := []webrtc.RTCPFeedback{
		{Type: "nack"}, {Type: "nack", Parameter: "pli"},
		{Type: "goog-remb"}, {Type: "transport-cc"},
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("rtc: register h264: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("rtc: register opus: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("rtc: register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// Session wraps one PeerConnection for one stream leg: either an egress
// subscriber (server sends RTP Packager output to a browser) or an
// ingress publisher (a browser sends RTP that feeds a Rebuilder back
// into Source.OnPacket). Callers relay HandleOffer's answer and
// OnICECandidate's output over whatever signaling channel they use.
type Session struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu        sync.Mutex
	candQueue []webrtc.ICECandidateInit
	remoteSet bool
}

func newSession(cfg Config) (*Session, error) {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = defaultICEServers()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Logger()
	}
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	return &Session{pc: pc, log: cfg.Logger.With("component", "rtc_session")}, nil
}

// NewEgressSession builds a Session that sends the RTP Packager's output
// to a subscribing browser: one sendonly H264 track and one sendonly
// Opus track, returned directly as the rtp.Sink pair expected by
// packager/rtp.Config (TrackLocalStaticRTP.WriteRTP already satisfies
// that interface).
func NewEgressSession(cfg Config, streamID string) (sess *Session, video, audio *webrtc.TrackLocalStaticRTP, err error) {
	sess, err = newSession(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	video, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}, "video", streamID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rtc: new video track: %w", err)
	}
	if _, err = sess.pc.AddTrack(video); err != nil {
		return nil, nil, nil, fmt.Errorf("rtc: add video track: %w", err)
	}
	audio, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rtc: new audio track: %w", err)
	}
	if _, err = sess.pc.AddTrack(audio); err != nil {
		return nil, nil, nil, fmt.Errorf("rtc: add audio track: %w", err)
	}
	return sess, video, audio, nil
}

// NewIngressSession builds a Session that receives RTP from a
// publishing browser. onPacket is invoked, once per reassembled frame,
// from the PeerConnection's own per-track read goroutine; the caller
// wires it to Source.OnPacket.
func NewIngressSession(cfg Config, onPacket func(*media.Packet) error) (*Session, error) {
	sess, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := sess.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		return nil, fmt.Errorf("rtc: add video transceiver: %w", err)
	}
	if _, err := sess.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		return nil, fmt.Errorf("rtc: add audio transceiver: %w", err)
	}

	sess.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		clockRate := remote.Codec().ClockRate
		if clockRate == 0 {
			clockRate = 90000
		}
		rebuilder := rtppkg.NewRebuilder(clockRate)
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			for _, frame := range rebuilder.Push(pkt) {
				if err := onPacket(frame); err != nil {
					sess.log.Error("ingress packet rejected", "err", err)
				}
			}
		}
	})
	return sess, nil
}

// HandleOffer applies a remote offer and returns the local answer.
// ICE candidates buffered by AddICECandidate before the remote
// description was set are flushed first.
func (s *Session) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: set remote description: %w", err)
	}
	s.mu.Lock()
	s.remoteSet = true
	queued := s.candQueue
	s.candQueue = nil
	s.mu.Unlock()
	for _, c := range queued {
		_ = s.pc.AddICECandidate(c)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtc: set local description: %w", err)
	}
	return *s.pc.LocalDescription(), nil
}

// AddICECandidate applies c immediately if the remote description is
// already set, otherwise buffers it until HandleOffer runs.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.candQueue = append(s.candQueue, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(c)
}

// OnICECandidate forwards locally-gathered candidates to handler, which
// the caller relays over its own signaling transport.
func (s *Session) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	s.pc.OnICECandidate(handler)
}

// OnConnectionStateChange lets the caller tear down the Session (remove
// a consumer, stop an ingress feed) when the transport fails.
func (s *Session) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	s.pc.OnConnectionStateChange(handler)
}

// Close tears down the underlying PeerConnection.
func (s *Session) Close() error {
	return s.pc.Close()
}
