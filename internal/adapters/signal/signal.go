package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Proctor/internal/app/orch"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	transport "github.com/dkeye/Proctor/internal/transport/http"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Options tune one signaling connection.
type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	RateLimit    int
	RateInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:    64 << 10,
		PingPeriod:   25 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		SendBuffer:   64,
		RateLimit:    50,
		RateInterval: time.Second,
	}
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	opts     Options
	limiter  *RoomRateLimiter
	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		opts:    opts,
		limiter: NewRoomRateLimiter(opts.RateLimit, opts.RateInterval),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn implements core.SignalConnection over a WebSocket. Frames are
// queued on send and written by a single writer goroutine.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, buffer),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal runs the WebSocket handshake for GET /ws/signal. Identity,
// membership and session state are checked before the upgrade so a refused
// join is an ordinary HTTP error.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(c.Query("session_id"))
	if sid == "" {
		transport.AbortWithError(c, domain.Errorf(domain.ErrInvalidRequest, "session_id is required"))
		return
	}
	cred := transport.Credential(c)
	if _, _, err := ctl.Orch.Precheck(c.Request.Context(), sid, cred); err != nil {
		log.Info().Err(err).Str("module", "signal").Str("session_id", string(sid)).Msg("handshake refused")
		transport.AbortWithError(c, err)
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)

	h, err := ctl.Orch.Admit(ctx, conn, sid, cred)
	if err != nil {
		// the session changed between the precheck and the join
		log.Warn().Err(err).Str("module", "signal").Str("session_id", string(sid)).Msg("admit after upgrade")
		ctl.refuse(ws, err)
		conn.Close()
		return
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, h, conn)
}

func (ctl *SignalWSController) refuse(ws *websocket.Conn, err error) {
	deadline := time.Now().Add(ctl.opts.WriteWait)
	if f, encErr := orch.Encode(orch.EventError, orch.ErrorOut{Message: orch.PublicMessage(err)}); encErr == nil {
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.WriteMessage(websocket.TextMessage, f)
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, orch.PublicMessage(err))
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
}
