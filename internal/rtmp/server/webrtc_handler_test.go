package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleWebRTCPlayRejectsMalformedBody(t *testing.T) {
	s := New(Config{})
	req := httptest.NewRequest(http.MethodPost, "/webrtc/play", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()

	s.HandleWebRTCPlay(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandleWebRTCPlayReturnsNotFoundForUnknownStream(t *testing.T) {
	s := New(Config{})
	body, _ := json.Marshal(signalRequest{StreamKey: "app/nope"})
	req := httptest.NewRequest(http.MethodPost, "/webrtc/play", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	s.HandleWebRTCPlay(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stream, got %d", rec.Code)
	}
}

func TestHandleWebRTCPublishRejectsMalformedBody(t *testing.T) {
	s := New(Config{})
	req := httptest.NewRequest(http.MethodPost, "/webrtc/publish", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()

	s.HandleWebRTCPublish(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}
