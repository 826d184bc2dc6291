package agent

import "github.com/gorilla/websocket"

// MessageWriter sends every Write as one binary websocket message.
type MessageWriter struct {
	Conn *websocket.Conn
}

func (w *MessageWriter) Write(p []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
