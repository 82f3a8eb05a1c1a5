package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	if err := SendSSEEvent(rec, rec, "heartbeat", map[string]int{"totalSockets": 2}); err != nil {
		t.Fatalf("send err: %v", err)
	}

	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	want := "event: heartbeat\ndata: {\"totalSockets\":2}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Fatal("expected flush")
	}
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "room not found")
	if rec.Code != http.StatusNotFound || rec.Body.String() != "{\"error\":\"room not found\"}\n" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}
