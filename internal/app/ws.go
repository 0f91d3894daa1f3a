package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"gitvox/api/internal/apperr"
	"gitvox/api/internal/room"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxFrameSize = 64 << 10
)

// Client frame types.
const (
	frameJoinCommit  = "join_commit"
	frameSendMessage = "send_message"
)

type clientFrame struct {
	Type         string `json:"type"`
	RepositoryID string `json:"repositoryId"`
	CommitHash   string `json:"commitHash"`
	Body         string `json:"body"`
}

type messageFrame struct {
	Type    string      `json:"type"`
	Message messageJSON `json:"message"`
}

type notificationFrame struct {
	Type         string           `json:"type"`
	Notification notificationJSON `json:"notification"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleWebsocket authenticates before upgrading, so an anonymous client
// never reaches the room registry.
func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	id, err := s.service.Resolve(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "request_id", requestID(r.Context()), "error", err)
		return
	}
	defer conn.Close()
	// The server's request deadlines outlive the hijack.
	_ = conn.SetDeadline(time.Time{})

	rooms := s.service.Rooms()
	sess, err := rooms.Connect(id.Principal)
	if err != nil {
		s.logger.Warn("websocket rejected", "principal", id.Principal.ID, "error", err)
		return
	}
	s.logger.Info("websocket connected", "session", sess.ID(), "principal", id.Principal.ID)

	c := &wsConn{conn: conn}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeEvents(c, sess)
	}()

	var source io.Reader = conn
	if rw != nil {
		source = rw.Reader
	}
	s.readFrames(r.Context(), c, source, sess)

	rooms.Leave(sess)
	<-writerDone
	s.logger.Info("websocket disconnected", "session", sess.ID(), "principal", id.Principal.ID)
}

// wsConn serializes frame writes from the event pump and control replies.
type wsConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeText(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return wsutil.WriteServerMessage(c.conn, ws.OpText, payload)
}

func (c *wsConn) writeRaw(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_, err := c.conn.Write(frame)
	return err
}

// control answers ping and close frames. The reply is buffered first so it
// goes out as one write under the lock.
func (c *wsConn) control(h ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateServerSide)(h, r)
	if buf.Len() > 0 {
		if werr := c.writeRaw(buf.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (s *HTTPServer) writeEvents(c *wsConn, sess *room.Session) {
	for ev := range sess.Events() {
		payload, err := encodeEvent(ev)
		if err != nil {
			s.logger.Error("encode event failed", "session", sess.ID(), "kind", string(ev.Kind), "error", err)
			continue
		}
		if err := c.writeText(payload); err != nil {
			s.logger.Debug("websocket write failed", "session", sess.ID(), "error", err)
			_ = c.conn.Close()
			return
		}
	}
}

func (s *HTTPServer) readFrames(ctx context.Context, c *wsConn, source io.Reader, sess *room.Session) {
	reader := &wsutil.Reader{
		Source:         source,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   wsMaxFrameSize,
		OnIntermediate: c.control,
	}
	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, reader); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := reader.Discard(); err != nil {
				return
			}
			continue
		}
		payload, err := io.ReadAll(reader)
		if err != nil {
			return
		}
		s.dispatch(ctx, sess, payload)
	}
}

// dispatch runs one client frame. Authorization failures produce no frame.
func (s *HTTPServer) dispatch(ctx context.Context, sess *room.Session, payload []byte) {
	rooms := s.service.Rooms()

	var frame clientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		rooms.Send(sess, errorEvent("BAD_FRAME", "frame is not valid JSON"))
		return
	}
	key := room.Key{RepositoryID: strings.TrimSpace(frame.RepositoryID), CommitHash: strings.TrimSpace(frame.CommitHash)}

	var err error
	switch frame.Type {
	case frameJoinCommit:
		err = rooms.Join(ctx, sess, key)
	case frameSendMessage:
		err = rooms.Publish(ctx, sess, key, frame.Body)
	default:
		rooms.Send(sess, errorEvent("BAD_FRAME", fmt.Sprintf("unknown frame type %q", frame.Type)))
		return
	}
	if err == nil || apperr.Authorization(err) {
		return
	}

	code, message := streamError(err)
	if code == "SERVER_ERROR" {
		s.logger.Error("stream operation failed", "session", sess.ID(), "frame", frame.Type, "error", err)
	}
	rooms.Send(sess, errorEvent(code, message))
}

func errorEvent(code, message string) room.Event {
	return room.Event{Kind: room.EventError, Code: code, Text: message}
}

func encodeEvent(ev room.Event) ([]byte, error) {
	switch ev.Kind {
	case room.EventMessage:
		if ev.Message == nil {
			return nil, fmt.Errorf("message event without message")
		}
		return json.Marshal(messageFrame{Type: string(ev.Kind), Message: messageView(*ev.Message)})
	case room.EventNotification:
		if ev.Notification == nil {
			return nil, fmt.Errorf("notification event without notification")
		}
		return json.Marshal(notificationFrame{Type: string(ev.Kind), Notification: notificationView(*ev.Notification)})
	case room.EventError:
		return json.Marshal(errorFrame{Type: string(ev.Kind), Code: ev.Code, Message: ev.Text})
	}
	return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
}
