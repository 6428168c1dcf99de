package signal

import (
	"encoding/json"

	"github.com/dkeye/Classmate/internal/core"
)

// Bridge-only frame types. They never reach the relay.
const (
	typeSubscribed = "subscribed"
	typeError      = "error"
	typePing       = "ping"
	typePong       = "pong"
)

const (
	codeBadPayload  = "bad_payload"
	codeUnknownType = "unknown_type"
	codeRateLimited = "rate_limited"
)

type controlFrame struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

func encodeControl(f controlFrame) core.Frame {
	b, _ := json.Marshal(f)
	return b
}

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	_ = conn.TrySend(encodeControl(controlFrame{Type: typePong}))
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, code string) {
	_ = conn.TrySend(encodeControl(controlFrame{Type: typeError, Error: code}))
}
