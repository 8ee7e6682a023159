package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	PingPeriod = (pongWait * 9) / 10
	// MaxMessageSize bounds one shell message; frames dominate.
	MaxMessageSize = 3 << 20
)

// Prepare applies read limits and keeps the read deadline alive on pongs.
func Prepare(conn *websocket.Conn) {
	conn.SetReadLimit(MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
// Only the connection's writer goroutine may call it.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WritePing sends a control ping.
func WritePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// NewError builds a typed ErrorResponse for an error code.
func NewError(action Action, code response.ErrCode, fields map[string]string) ErrorResponse {
	return ErrorResponse{
		Event:  EventError,
		Action: action,
		Code:   string(code),
		Error:  response.GetMessage(code),
		Fields: fields,
	}
}

// ErrMalformed wraps a message that is not a valid envelope. The
// connection stays usable.
var ErrMalformed = errors.New("malformed message")

// ReadEnvelope reads one message and decodes its envelope.
func ReadEnvelope(conn *websocket.Conn) (*RequestEnvelope, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))

	var env RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// DecodeData decodes the action payload into v. An absent payload leaves
// v at its zero value.
func DecodeData(env *RequestEnvelope, v interface{}) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, v)
}
