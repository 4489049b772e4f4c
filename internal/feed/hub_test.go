package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skylog/skylog/internal/audit"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// receive keeps publishing until the client reads a frame, since the
// client may be registered shortly after the handshake completes.
func receive(t *testing.T, h *Hub, ws *websocket.Conn, publish func()) Message {
	t.Helper()
	got := make(chan Message, 1)
	go func() {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var m Message
		if json.Unmarshal(data, &m) == nil {
			got <- m
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		publish()
		select {
		case m := <-got:
			return m
		case <-tick.C:
		case <-deadline:
			t.Fatal("no feed message received")
		}
	}
}

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub()
	mux := http.NewServeMux()
	mux.Handle("/feed", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return h, srv
}

func TestHub_BroadcastsRecords(t *testing.T) {
	h, srv := newTestServer(t)
	ws := dial(t, srv, "")

	rec := audit.Record{Timestamp: "2026-02-12T10:00:00.000000Z", Level: "INFO", Name: "security", Message: "login ok", PrevSignature: audit.Genesis, Signature: "ab"}
	m := receive(t, h, ws, func() { h.RecordAppended("security", 7, rec) })

	if m.Chain != "security" || m.Line != 7 {
		t.Errorf("unexpected frame %+v", m)
	}
	if m.Record.Message != "login ok" || m.Record.PrevSignature != audit.Genesis {
		t.Errorf("record not carried: %+v", m.Record)
	}
}

func TestHub_Filters(t *testing.T) {
	h, srv := newTestServer(t)
	ws := dial(t, srv, "?chain=root&min_level=CRITICAL")

	m := receive(t, h, ws, func() {
		h.RecordAppended("security", 1, audit.Record{Level: "CRITICAL", Message: "wrong chain"})
		h.RecordAppended("root", 1, audit.Record{Level: "ERROR", Message: "below level"})
		h.RecordAppended("root", 2, audit.Record{Level: "CRITICAL", Message: "wanted"})
	})
	if m.Record.Message != "wanted" {
		t.Errorf("filter let through %+v", m)
	}
}

func TestHub_RejectsBadFilter(t *testing.T) {
	_, srv := newTestServer(t)

	for _, q := range []string{"?chain=alerts", "?min_level=LOUD"} {
		resp, err := http.Get(srv.URL + "/feed" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestHub_AsObserver(t *testing.T) {
	h, srv := newTestServer(t)
	l, err := audit.Open(audit.Options{Dir: t.TempDir(), Secret: []byte("k"), Observers: []audit.Observer{h}})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ws := dial(t, srv, "?chain=access")
	m := receive(t, h, ws, func() {
		l.Log(audit.Event{Channel: "access", Level: audit.LevelInfo, Message: "GET / 200"})
	})
	if m.Chain != "access" || m.Record.Signature == "" {
		t.Errorf("unexpected frame %+v", m)
	}
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	h := NewHub()
	h.Close()
	h.Close()
	// Publishing after close must not block.
	h.RecordAppended("security", 1, audit.Record{Level: "INFO"})
}
