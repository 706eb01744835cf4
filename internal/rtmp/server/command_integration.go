package server

// Command Integration
// -------------------
// This file bridges the lower-level connection (handshake + control +
// chunking read/write loops) with the RPC command parsing and handlers so
// real RTMP clients (OBS / ffmpeg) can complete the connect -> createStream
// -> publish/play sequence.
//
// Scope:
//   * Per-connection state: application name (from connect), stream id
//     allocator for createStream responses, the Source/Consumer this
//     connection is publishing to or playing from.
//   * Dispatch handling for: connect, createStream, publish, play.
//   * Publish/play each drive two parallel paths: the existing
//     Registry/Stream (onStatus construction, RTMP-to-RTMP relay via
//     BroadcastMessage) and the SourceManager/Source (egress packager
//     fan-out, pull-model play via Consumer). Unknown commands are
//     ignored by the dispatcher.
//
// This unlocks interoperability with standard broadcasters which expect the
// canonical responses:
//   - _result for connect (NetConnection.Connect.Success)
//   - _result for createStream returning stream id (1)
//   - onStatus NetStream.Publish.Start after publish
//   - onStatus NetStream.Play.Start plus media messages after play

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	coremedia "github.com/alxayo/go-rtmp/internal/media"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	iconn "github.com/alxayo/go-rtmp/internal/rtmp/conn"
	"github.com/alxayo/go-rtmp/internal/rtmp/control"
	"github.com/alxayo/go-rtmp/internal/rtmp/media"
	"github.com/alxayo/go-rtmp/internal/rtmp/relay"
	"github.com/alxayo/go-rtmp/internal/rtmp/rpc"
	"github.com/alxayo/go-rtmp/internal/rtmp/server/hooks"
	"github.com/alxayo/go-rtmp/internal/source"
)

// commandState holds mutable per-connection fields needed by handlers.
type commandState struct {
	app           string
	streamKey     string // current publishing stream key
	allocator     *rpc.StreamIDAllocator
	mediaLogger   *MediaLogger
	codecDetector *media.CodecDetector

	src         *source.Source      // Source for the stream this connection is publishing or playing
	isPublisher bool                // true once this connection's publish succeeded
	consumer    *coremedia.Consumer // Consumer for the stream this connection is playing, if any
}

// attachCommandHandling installs a dispatcher-backed message handler on the
// provided connection. Safe to call immediately after Accept returns.
// destMgr fans published media out to configured relay destinations; srv
// gives access to the shared SourceManager and HookManager.
func attachCommandHandling(c *iconn.Connection, reg *Registry, cfg *Config, log *slog.Logger, destMgr *relay.DestinationManager, srv *Server) {
	if c == nil || reg == nil || cfg == nil {
		return
	}
	st := &commandState{
		allocator:     rpc.NewStreamIDAllocator(),
		mediaLogger:   NewMediaLogger(c.ID(), log, 30*time.Second),
		codecDetector: &media.CodecDetector{},
	}

	d := rpc.NewDispatcher(func() string { return st.app })

	d.OnConnect = func(cc *rpc.ConnectCommand, msg *chunk.Message) error {
		log.Debug("OnConnect handler invoked", "app", cc.App, "tcUrl", cc.TcURL, "txn_id", cc.TransactionID)
		// Persist app for subsequent publish/play parsing.
		st.app = cc.App
		log.Debug("building connect response", "txn_id", cc.TransactionID)
		resp, err := rpc.BuildConnectResponse(cc.TransactionID, "Connection succeeded.")
		if err != nil {
			log.Error("connect response build failed", "error", err)
			return nil // swallow errors to keep connection alive for now
		}
		// Debug: log first 64 bytes of response payload
		previewLen := 64
		if len(resp.Payload) < previewLen {
			previewLen = len(resp.Payload)
		}
		log.Debug("connect response payload preview", "bytes", resp.Payload[:previewLen])
		log.Debug("sending connect response", "txn_id", cc.TransactionID, "payload_len", len(resp.Payload))
		if err := c.SendMessage(resp); err != nil {
			log.Error("connect response send failed", "error", err)
		} else {
			log.Info("connect response sent successfully", "app", cc.App)
		}
		return nil // swallow errors to keep connection alive for now
	}

	d.OnCreateStream = func(cs *rpc.CreateStreamCommand, msg *chunk.Message) error {
		log.Debug("OnCreateStream handler invoked", "txn_id", cs.TransactionID)
		resp, streamID, err := rpc.BuildCreateStreamResponse(cs.TransactionID, st.allocator)
		if err != nil {
			log.Error("createStream response build failed", "error", err)
			return nil
		}
		log.Debug("createStream response built", "stream_id", streamID, "payload_len", len(resp.Payload))
		if err := c.SendMessage(resp); err != nil {
			log.Error("createStream response send failed", "error", err)
		} else {
			log.Info("createStream response sent successfully", "stream_id", streamID, "txn_id", cs.TransactionID)
		}

		// Send UserControl StreamBegin to signal stream is ready
		streamBegin := control.EncodeUserControlStreamBegin(streamID)
		if err := c.SendMessage(streamBegin); err != nil {
			log.Error("StreamBegin send failed", "error", err, "stream_id", streamID)
		} else {
			log.Info("StreamBegin sent", "stream_id", streamID)
		}
		return nil
	}

	d.OnPublish = func(pc *rpc.PublishCommand, msg *chunk.Message) error {
		// Delegate to existing publish handler (registry bookkeeping +
		// onStatus, sent internally).
		if _, err := HandlePublish(reg, c, st.app, msg); err != nil {
			log.Error("publish handle", "error", err)
			return nil
		}

		// Track stream key for this connection
		st.streamKey = pc.StreamKey
		st.isPublisher = true

		// Initialize recorder if recording is enabled
		if cfg.RecordAll {
			stream := reg.GetStream(pc.StreamKey)
			if stream != nil {
				if err := initRecorder(stream, cfg.RecordDir, log); err != nil {
					log.Error("failed to create recorder", "error", err, "stream_key", pc.StreamKey)
				} else {
					log.Info("recording started", "stream_key", pc.StreamKey, "record_dir", cfg.RecordDir)
				}
			}
		}

		// Fetch or create the Source backing the new egress packagers and
		// the Consumer-driven play path, attaching the configured
		// packager set on first publish of this identity.
		if srv != nil && srv.sourceManager != nil {
			src, created, err := srv.sourceManager.FetchOrCreate(pc.StreamKey)
			if err != nil {
				log.Error("source fetch_or_create failed", "error", err, "stream_key", pc.StreamKey)
				return nil
			}
			if created {
				for _, p := range srv.buildPackagers(pc.StreamKey) {
					src.AddPackager(p)
				}
			}
			if err := src.OnPublish(); err != nil {
				log.Error("source on_publish failed", "error", err, "stream_key", pc.StreamKey)
				if created {
					srv.sourceManager.Evict(pc.StreamKey)
				}
				return nil
			}
			st.src = src
			srv.triggerHookEvent(hooks.EventPublishStart, c.ID(), pc.StreamKey, nil)
		}

		return nil
	}

	d.OnPlay = func(pl *rpc.PlayCommand, msg *chunk.Message) error {
		// Delegate to existing play handler (registry bookkeeping +
		// onStatus/control messages, sent internally).
		if _, err := HandlePlay(reg, c, st.app, msg); err != nil {
			log.Error("play handle", "error", err)
			return nil
		}

		// Track stream key for this connection
		st.streamKey = pl.StreamKey

		// Attach a pull-model Consumer to the Source, if one exists for
		// this identity, and start sending its output over this
		// connection (spec "create_consumer() -> Consumer, then
		// dequeue()/wait() on the Consumer").
		if srv != nil && srv.sourceManager != nil {
			if src, ok := srv.sourceManager.Fetch(pl.StreamKey); ok {
				consumer := src.CreateConsumer(0, coremedia.JitterFull, source.WarmStart{Metadata: true, GOP: true})
				st.src = src
				st.consumer = consumer
				srv.triggerHookEvent(hooks.EventPlayStart, c.ID(), pl.StreamKey, nil)
				go runPlaySender(src, consumer, c, msg.MessageStreamID, log)
			}
		}

		return nil
	}

	c.SetCloseHandler(func() {
		if st.isPublisher && st.streamKey != "" {
			PublisherDisconnected(reg, st.streamKey, c)
			cleanupRecorder(reg, st.streamKey, log)
			if st.src != nil {
				st.src.OnUnpublish()
				if srv != nil {
					srv.triggerHookEvent(hooks.EventPublishStop, c.ID(), st.streamKey, nil)
				}
			}
		}
		if st.consumer != nil {
			if st.src != nil {
				st.src.RemoveConsumer(st.consumer)
			}
			st.consumer.Close()
			SubscriberDisconnected(reg, st.streamKey, c)
			if srv != nil {
				srv.triggerHookEvent(hooks.EventPlayStop, c.ID(), st.streamKey, nil)
			}
		}
		if srv != nil {
			srv.triggerHookEvent(hooks.EventConnectionClose, c.ID(), "", map[string]interface{}{"reason": "client_disconnect"})
		}
	})

	c.SetMessageHandler(func(m *chunk.Message) {
		if m == nil {
			return
		}

		log.Debug("message handler invoked", "type_id", m.TypeID, "msid", m.MessageStreamID, "len", len(m.Payload))

		// Media packets (audio/video/script) feed the RTMP-to-RTMP relay
		// path (MediaLogger/Recorder/BroadcastMessage, kept as-is) and the
		// Source that drives egress packagers and pull-model play.
		if m.TypeID == 8 || m.TypeID == 9 || m.TypeID == 18 {
			if m.TypeID == 8 || m.TypeID == 9 {
				st.mediaLogger.ProcessMessage(m)
			}

			if st.streamKey != "" {
				stream := reg.GetStream(st.streamKey)
				if stream != nil {
					if stream.Recorder != nil && m.TypeID != 18 {
						stream.Recorder.WriteMessage(m)
					}
					// Broadcast to all subscribers (relay functionality)
					stream.BroadcastMessage(st.codecDetector, m, log)
				}
				if destMgr != nil {
					destMgr.RelayMessage(m)
				}
				if st.src != nil {
					pkt, err := media.PacketFromMessage(m)
					if err != nil {
						log.Debug("packet_from_message failed", "error", err, "type_id", m.TypeID)
					} else if err := st.src.OnPacket(pkt); err != nil {
						log.Error("source on_packet failed", "error", err)
					}
				}
			}

			return // Media packets don't need command dispatch
		}

		if m.TypeID != rpc.CommandMessageAMF0TypeIDForTest() {
			log.Debug("skipping non-command message", "type_id", m.TypeID)
			return
		}
		log.Debug("dispatching command message", "type_id", m.TypeID)
		if err := d.Dispatch(m); err != nil {
			log.Error("dispatch error", "error", err)
		}
	})
}

// runPlaySender drains consumer and writes each packet back onto c as an
// RTMP message, until either the connection rejects a send (closed) or the
// consumer itself is closed (by the connection's close handler).
// RemoveConsumer/Close are also called from the connection's close
// handler; both are idempotent against being invoked from either path.
func runPlaySender(src *source.Source, consumer *coremedia.Consumer, c *iconn.Connection, streamID uint32, log *slog.Logger) {
	defer func() {
		src.RemoveConsumer(consumer)
		consumer.Close()
	}()
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
			if err := c.SendMessage(media.MessageFromPacket(pkt, streamID)); err != nil {
				log.Debug("play sender send failed", "error", err)
				return
			}
		}
	}
}

// initRecorder creates and initializes a recorder for the given stream.
// It generates a timestamped filename based on the stream key and stores
// the recorder in the stream's Recorder field.
func initRecorder(stream *Stream, recordDir string, log *slog.Logger) error {
	if stream == nil {
		return fmt.Errorf("nil stream")
	}

	// Ensure record directory exists
	if err := os.MkdirAll(recordDir, 0755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	// Generate filename: streamkey_timestamp.flv
	// Replace slashes in stream key with underscores for filesystem safety
	safeKey := strings.ReplaceAll(stream.Key, "/", "_")
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s.flv", safeKey, timestamp)
	filepath := filepath.Join(recordDir, filename)

	// Create recorder
	recorder, err := media.NewRecorder(filepath, log)
	if err != nil {
		return fmt.Errorf("create recorder: %w", err)
	}

	// Store recorder in stream
	stream.mu.Lock()
	stream.Recorder = recorder
	stream.mu.Unlock()

	log.Info("recorder initialized", "stream_key", stream.Key, "file", filepath)
	return nil
}

// cleanupRecorder closes and removes the recorder for the given stream key.
func cleanupRecorder(reg *Registry, streamKey string, log *slog.Logger) {
	if reg == nil || streamKey == "" {
		return
	}

	stream := reg.GetStream(streamKey)
	if stream == nil {
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if stream.Recorder != nil {
		if err := stream.Recorder.Close(); err != nil {
			log.Error("recorder close error", "error", err, "stream_key", streamKey)
		} else {
			log.Info("recorder closed", "stream_key", streamKey)
		}
		stream.Recorder = nil
	}
}
