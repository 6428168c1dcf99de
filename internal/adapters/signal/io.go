package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/app"
	"github.com/dkeye/Classmate/internal/app/orch"
	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, member core.SignalSession, id app.ConnID, c *WsSignalConn) {
	pongWait := ctl.cfg.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleFrame(ctx, member, id, c, data)
	}
}

// handleFrame dispatches one client frame. Only the type tag is inspected.
func (ctl *SignalWSController) handleFrame(ctx context.Context, member core.SignalSession, id app.ConnID, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		ctl.sendError(c, codeBadPayload)
		return
	}

	if env.Type == typePing {
		ctl.handlePing(c)
		return
	}
	if !domain.SignalType(env.Type).Valid() {
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, codeUnknownType)
		return
	}

	var msg domain.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		ctl.sendError(c, codeBadPayload)
		return
	}
	msg.From = member.Participant()

	if !ctl.Limiter.Allow(string(id)) {
		ctl.Metrics.SignalDropped()
		ctl.sendError(c, codeRateLimited)
		return
	}
	if err := ctl.Orch.Publish(ctx, member.Session(), msg); err != nil {
		log.Error().Err(err).Str("module", "signal").
			Str("session_id", string(member.Session())).
			Str("type", env.Type).
			Msg("publish")
		ctl.sendError(c, orch.Code(err))
	}
}
