package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Classmate/internal/app"
	"github.com/dkeye/Classmate/internal/app/orch"
	"github.com/dkeye/Classmate/internal/config"
	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
	"github.com/dkeye/Classmate/internal/metrics"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalWSController bridges WebSocket clients to the session signaling
// channel. It stamps the sender, rate-limits publishes and never looks
// inside sdp or candidate payloads.
type SignalWSController struct {
	Orch    *orch.Orchestrator
	Metrics *metrics.Metrics
	Limiter *RateLimiter
	cfg     config.SignalConfig
}

func NewSignalWSController(o *orch.Orchestrator, cfg config.SignalConfig, m *metrics.Metrics) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		Metrics: m,
		Limiter: NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		cfg:     cfg,
	}
}

// WsSignalConn is the sink the relay writes into. Frames that arrive before
// the subscribe acknowledgment are held back so the client always sees the
// acknowledgment first.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.Mutex
	ready  bool
	held   []core.Frame
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if !c.ready {
		if len(c.held) >= cap(c.send) {
			return ErrBackpressure
		}
		c.held = append(c.held, f)
		return nil
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Ready queues ack followed by the held frames and opens the sink.
func (c *WsSignalConn) Ready(ack core.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ready {
		return
	}
	c.ready = true
	for _, f := range append([]core.Frame{ack}, c.held...) {
		select {
		case c.send <- f:
		default:
		}
	}
	c.held = nil
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal serves GET /api/ws/signal?sessionId=&participantKey=.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	rawID := c.Query("sessionId")
	rawKey := c.Query("participantKey")
	logger := log.With().Str("module", "signal").
		Str("sid", c.GetString("client_token")).
		Str("session_id", rawID).
		Str("participant", rawKey).
		Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)
	conn := newWsSignalConn(ws, ctl.cfg.Buffer)

	ctx, cancel := context.WithCancel(ctx)
	member, sub, err := ctl.Orch.Subscribe(ctx, rawID, rawKey, conn)
	if err != nil {
		cancel()
		logger.Warn().Err(err).Msg("subscribe refused")
		ctl.refuse(ws, err)
		return
	}

	connID := app.ConnID(uuid.NewString())
	if replaced := ctl.Orch.Registry.Bind(connID, member, cancel); replaced != nil {
		replaced()
	}
	conn.Ready(encodeControl(controlFrame{Type: typeSubscribed}))
	ctl.Metrics.ConnOpened()
	logger.Info().Str("conn", string(connID)).Msg("signal connected")

	go func() {
		var wg conc.WaitGroup
		wg.Go(func() { ctl.writePump(ctx, conn) })
		wg.Go(func() {
			defer cancel()
			ctl.readPump(ctx, member, connID, conn)
		})
		wg.Wait()

		_ = sub.Close()
		// a replaced connection must not announce a departure
		_, current := ctl.Orch.Registry.Get(connID)
		ctl.Orch.Registry.Unbind(connID)
		ctl.Limiter.Forget(string(connID))
		conn.Close()
		if current {
			ctl.announceLeave(member)
		}
		ctl.Metrics.ConnClosed()
		logger.Info().Str("conn", string(connID)).Msg("signal disconnected")
	}()
}

// announceLeave tells the peers that a participant's connection dropped.
func (ctl *SignalWSController) announceLeave(member core.SignalSession) {
	ctx, cancel := context.WithTimeout(context.Background(), ctl.cfg.PingPeriod)
	defer cancel()
	msg := domain.SignalMessage{Type: domain.SignalLeave, From: member.Participant()}
	if err := ctl.Orch.Publish(ctx, member.Session(), msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").
			Str("session_id", string(member.Session())).
			Msg("announce leave")
	}
}

// refuse writes an error frame directly and closes the socket.
func (ctl *SignalWSController) refuse(ws *websocket.Conn, err error) {
	frame := encodeControl(controlFrame{Type: typeError, Error: orch.Code(err)})
	_ = ws.WriteMessage(websocket.TextMessage, frame)
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, orch.Code(err)))
	_ = ws.Close()
}
