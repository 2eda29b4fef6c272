package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/runbox/internal/execution"
)

type echoHandler struct{}

func (echoHandler) HandleSubmission(_ context.Context, sub execution.Submission) (execution.Response, int) {
	code, ok := sub.CodeText()
	if !ok || code == "" {
		return execution.Response{Error: execution.MsgInvalidCode}, http.StatusBadRequest
	}
	id := "new"
	if sub.ID != nil {
		id = *sub.ID
	}
	return execution.Response{ID: id, Stdout: &code}, http.StatusOK
}

func dial(t *testing.T) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := NewServer(echoHandler{}, nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, resp, err := websocket.Dial(ctx, strings.Replace(ts.URL, "http", "ws", 1), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.Header.Get("Sec-WebSocket-Protocol") != Subprotocol {
		t.Errorf("subprotocol not negotiated")
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func roundTrip(t *testing.T, ctx context.Context, conn *websocket.Conn, msg string) map[string]any {
	t.Helper()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return out
}

func TestServer_FramesInOrder(t *testing.T) {
	conn, ctx := dial(t)

	first := roundTrip(t, ctx, conn, `{"code": "one"}`)
	if first["status"] != float64(http.StatusOK) || first["id"] != "new" || first["stdout"] != "one" {
		t.Fatalf("unexpected first frame: %v", first)
	}

	second := roundTrip(t, ctx, conn, `{"code": "two", "id": "abc"}`)
	if second["id"] != "abc" || second["stdout"] != "two" {
		t.Fatalf("unexpected second frame: %v", second)
	}
}

func TestServer_InvalidJSONKeepsConnection(t *testing.T) {
	conn, ctx := dial(t)

	bad := roundTrip(t, ctx, conn, `not json`)
	if bad["status"] != float64(http.StatusBadRequest) || bad["error"] != execution.MsgInvalidJSON {
		t.Fatalf("unexpected frame: %v", bad)
	}

	invalid := roundTrip(t, ctx, conn, `{"code": ""}`)
	if invalid["status"] != float64(http.StatusBadRequest) || invalid["error"] != execution.MsgInvalidCode {
		t.Fatalf("unexpected frame: %v", invalid)
	}
}

func TestServer_BinaryFrameCloses(t *testing.T) {
	conn, ctx := dial(t)

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusUnsupportedData {
		t.Fatalf("expected unsupported data close, got %v", err)
	}
}
