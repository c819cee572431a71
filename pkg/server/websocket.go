package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/cuemix/pkg/hub"
)

func (s *Server) serveWebsocket(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	session, err := s.hub.Join(request.Context())
	if err != nil {
		slog.Error("failed to join hub", "err", err)
		return
	}
	if err := pump(request.Context(), conn, session); err != nil {
		slog.Debug("session ended", "session", session.ID, "err", err)
	}
}

// pump runs the read and write halves of one connection until either side fails. The session leaves the hub when the
// read side stops; the write side stops when the hub closes the outbox.
func pump(ctx context.Context, conn *websocket.Conn, session *hub.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var readErr error
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		defer cancel()
		readErr = readLoop(ctx, conn, session)
		session.Leave(context.Background())
	}()

	writeErr := writeLoop(ctx, conn, session)
	_ = conn.Close()
	cancel()
	wg.Wait()
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		return writeErr
	}
	if readErr != nil {
		return readErr
	}
	return writeErr
}

func readLoop(ctx context.Context, conn *websocket.Conn, session *hub.Session) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			if err := session.SubmitFrame(ctx, p); err != nil {
				return fmt.Errorf("failed to submit: %w", err)
			}
		default:
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, session *hub.Session) error {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case raw, ok := <-session.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "dropped"))
				return errors.New("session closed by hub")
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
