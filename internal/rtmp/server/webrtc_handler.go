package server

// WebRTC signaling
// ----------------
// Thin HTTP offer/answer endpoints over internal/rtc.Session, mirroring
// the publish/play wiring in command_integration.go but for browser
// clients instead of RTMP clients: an egress play request attaches a
// Consumer to the Source and pumps its output through an RTP packager
// into the session's tracks; an ingress publish request feeds reframed
// RTP straight into Source.OnPacket, fetching or creating the Source the
// same way an RTMP publish does.

import (
	"encoding/json"
	"net/http"

	"github.com/pion/webrtc/v4"

	coremedia "github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/packager/rtp"
	"github.com/alxayo/go-rtmp/internal/rtc"
	"github.com/alxayo/go-rtmp/internal/rtmp/server/hooks"
	"github.com/alxayo/go-rtmp/internal/source"
)

// signalRequest is the offer envelope accepted by both endpoints.
type signalRequest struct {
	StreamKey string                    `json:"stream_key"`
	Offer     webrtc.SessionDescription `json:"offer"`
}

type signalResponse struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

// HandleWebRTCPlay negotiates a browser subscriber: creates a Consumer on
// the named Source's stream and relays its packets as RTP over the new
// Session's tracks until the PeerConnection disconnects.
func (s *Server) HandleWebRTCPlay(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	src, ok := s.sourceManager.Fetch(req.StreamKey)
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}

	sess, videoTrack, audioTrack, err := rtc.NewEgressSession(rtc.Config{Logger: s.log}, req.StreamKey)
	if err != nil {
		s.log.Error("webrtc egress session failed", "error", err, "stream_key", req.StreamKey)
		http.Error(w, "session setup failed", http.StatusInternalServerError)
		return
	}

	pkgr := rtp.New(rtp.Config{VideoSink: videoTrack, AudioSink: audioTrack, Logger: s.log, Hooks: s.hookManager})
	consumer := src.CreateConsumer(0, coremedia.JitterFull, source.WarmStart{Metadata: true, GOP: true})

	answer, err := sess.HandleOffer(req.Offer)
	if err != nil {
		src.RemoveConsumer(consumer)
		s.log.Error("webrtc handle offer failed", "error", err, "stream_key", req.StreamKey)
		http.Error(w, "negotiation failed", http.StatusInternalServerError)
		return
	}

	sess.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed || st == webrtc.PeerConnectionStateDisconnected {
			src.RemoveConsumer(consumer)
			consumer.Close()
			s.triggerHookEvent(hooks.EventPlayStop, "", req.StreamKey, nil)
		}
	})

	s.triggerHookEvent(hooks.EventPlayStart, "", req.StreamKey, nil)
	go runWebRTCEgressPump(consumer, pkgr)

	writeJSON(w, signalResponse{Answer: answer})
}

// HandleWebRTCPublish negotiates a browser publisher: fetches or creates
// the named Source, feeds its reassembled frames into Source.OnPacket,
// and unpublishes on disconnect.
func (s *Server) HandleWebRTCPublish(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	src, created, err := s.sourceManager.FetchOrCreate(req.StreamKey)
	if err != nil {
		http.Error(w, "source fetch_or_create failed", http.StatusInternalServerError)
		return
	}
	if created {
		for _, p := range s.buildPackagers(req.StreamKey) {
			src.AddPackager(p)
		}
	}
	if err := src.OnPublish(); err != nil {
		if created {
			s.sourceManager.Evict(req.StreamKey)
		}
		http.Error(w, "already published", http.StatusConflict)
		return
	}

	sess, err := rtc.NewIngressSession(rtc.Config{Logger: s.log}, src.OnPacket)
	if err != nil {
		src.OnUnpublish()
		s.log.Error("webrtc ingress session failed", "error", err, "stream_key", req.StreamKey)
		http.Error(w, "session setup failed", http.StatusInternalServerError)
		return
	}

	answer, err := sess.HandleOffer(req.Offer)
	if err != nil {
		src.OnUnpublish()
		s.log.Error("webrtc handle offer failed", "error", err, "stream_key", req.StreamKey)
		http.Error(w, "negotiation failed", http.StatusInternalServerError)
		return
	}

	sess.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed || st == webrtc.PeerConnectionStateDisconnected {
			src.OnUnpublish()
			s.triggerHookEvent(hooks.EventPublishStop, "", req.StreamKey, nil)
		}
	})

	s.triggerHookEvent(hooks.EventPublishStart, "", req.StreamKey, nil)
	writeJSON(w, signalResponse{Answer: answer})
}

// runWebRTCEgressPump drains consumer into pkgr until the consumer is
// closed (subscriber teardown via OnConnectionStateChange).
func runWebRTCEgressPump(consumer *coremedia.Consumer, pkgr *rtp.Packager) {
	for {
		consumer.Wait(1, 0)
		if consumer.Closed() {
			return
		}
		for {
			pkt, ok := consumer.Dequeue()
			if !ok {
				break
			}
			_ = pkgr.OnPacket(pkt)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
