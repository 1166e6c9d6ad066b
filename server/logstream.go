package server

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// maxStreamChunk caps the payload of a single stream message so that clients
// with default WebSocket read limits can always receive it; the estimate
// leaves room for the JSON encoding overhead.
const maxStreamChunk = 16 * 1024

// LogStreamMessage is one message on the log-stream socket. Replay messages
// carry output captured before the stream started; later messages are live.
// The final message sets Done, with Error filled when the stream could not
// be served at all.
type LogStreamMessage struct {
	Stdout []byte
	Stderr []byte
	Replay bool
	Done   bool
	Error  string
}

// logStream streams the gateway's output over a WebSocket: first a replay of
// everything captured so far, then live chunks until the process exits or
// the client goes away.
func (s *Server) logStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("log stream WebSocket accept error: %s", err)
		return
	}
	ctx := r.Context()

	// snapshot first, then follow; a chunk landing between the two is
	// lost to this stream, which is acceptable for a diagnostic tail
	logs, err := s.core.Logs(ctx)
	if err != nil {
		wsjson.Write(ctx, wsConn, &LogStreamMessage{Error: err.Error(), Done: true})
		wsConn.Close(websocket.StatusNormalClosure, "")
		return
	}

	if err := writeChunked(ctx, wsConn, []byte(logs.Stdout), false, true); err != nil {
		s.log.Debugf("log stream replay write error: %s", err)
		return
	}
	if err := writeChunked(ctx, wsConn, []byte(logs.Stderr), true, true); err != nil {
		s.log.Debugf("log stream replay write error: %s", err)
		return
	}

	ch, unsub, err := s.core.FollowLogs(ctx)
	if err != nil {
		// replay-only: this process has no live feed to offer
		wsjson.Write(ctx, wsConn, &LogStreamMessage{Done: true})
		wsConn.Close(websocket.StatusNormalClosure, "")
		return
	}
	defer unsub()

	for chunk := range ch {
		if err := writeChunked(ctx, wsConn, chunk.Data, chunk.Stream == "stderr", false); err != nil {
			s.log.Debugf("log stream write error: %s", err)
			return
		}
	}

	wsjson.Write(ctx, wsConn, &LogStreamMessage{Done: true})
	wsConn.Close(websocket.StatusNormalClosure, "process exited")
}

// writeChunked sends data split into stream messages no larger than
// maxStreamChunk. Empty data sends nothing.
func writeChunked(ctx context.Context, conn *websocket.Conn, data []byte, stderr, replay bool) error {
	for len(data) > 0 {
		n := len(data)
		if n > maxStreamChunk {
			n = maxStreamChunk
		}
		msg := LogStreamMessage{Replay: replay}
		if stderr {
			msg.Stderr = data[:n]
		} else {
			msg.Stdout = data[:n]
		}
		if err := wsjson.Write(ctx, conn, &msg); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
