package app

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"formpilot/api/internal/editor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type stateMessage struct {
	Type  string       `json:"type"`
	State editor.State `json:"state"`
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if s.corsOrigin == "*" || origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Scheme+"://"+u.Host == s.corsOrigin
		},
	}
}

// handleEditorStream pushes every state change of an editor session to a
// WebSocket. The token comes from the "token" query parameter or the
// Authorization header.
func (s *HTTPServer) handleEditorStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	who, err := s.identityFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	sess, err := s.editor.Get(chi.URLParam(r, "sid"), who.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sess.ID(), "error", err)
		return
	}

	stream := newStateStream(conn)
	unsubscribe := sess.Subscribe(stream.offer)
	defer unsubscribe()
	stream.offer(sess.State())

	go stream.readPump()
	stream.writePump()
	s.logger.Debug("editor stream closed", "session_id", sess.ID(), "user_id", who.UserID)
}

// stateStream keeps only the newest undelivered state, so a slow client
// skips intermediate states instead of blocking the session.
type stateStream struct {
	conn   *websocket.Conn
	latest chan editor.State
	done   chan struct{}
	once   sync.Once
}

func newStateStream(conn *websocket.Conn) *stateStream {
	return &stateStream{
		conn:   conn,
		latest: make(chan editor.State, 1),
		done:   make(chan struct{}),
	}
}

func (st *stateStream) offer(state editor.State) {
	for {
		select {
		case <-st.done:
			return
		case st.latest <- state:
			return
		default:
		}
		select {
		case <-st.latest:
		default:
		}
	}
}

func (st *stateStream) close() {
	st.once.Do(func() { close(st.done) })
}

// readPump drains client frames so pongs and close frames are processed.
func (st *stateStream) readPump() {
	defer st.close()
	st.conn.SetReadLimit(maxMessageSize)
	_ = st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (st *stateStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		st.close()
		_ = st.conn.Close()
	}()

	for {
		select {
		case <-st.done:
			_ = st.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case state := <-st.latest:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteJSON(stateMessage{Type: "state", State: state}); err != nil {
				return
			}
		case <-ticker.C:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
