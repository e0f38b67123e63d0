package server

import (
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtaktikos/CrazyAra/mcts"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	settings := mcts.DefaultSettings()
	settings.BatchSize = 2
	settings.Threads = 1

	srv := New(Config{
		InfoInterval: 20 * time.Millisecond,
		NewSearcher: func() *mcts.Searcher {
			return mcts.NewSearcher(settings, nil, nil)
		},
	}, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/analyse"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAnalyseStreamsUntilDone(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(AnalyseRequest{Size: 4, Simulations: 200}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	frames := 0
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame InfoFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame %d: %v", frames, err)
		}
		frames++
		if frame.Error != "" {
			t.Fatalf("analysis failed: %s", frame.Error)
		}
		if frame.Done {
			if frame.Visits < 200 {
				t.Fatalf("final frame reports %d visits, want >= 200", frame.Visits)
			}
			if frame.Nodes == 0 {
				t.Fatal("final frame reports zero nodes")
			}
			return
		}
	}
}

func TestAnalyseRejectsBadPosition(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(AnalyseRequest{Size: 4, Board: "xxxx", Simulations: 10}); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame InfoFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if !frame.Done || frame.Error == "" {
		t.Fatalf("expected an error frame, got %+v", frame)
	}
}
