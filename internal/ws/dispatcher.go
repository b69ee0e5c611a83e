package ws

import (
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client messages to handlers by type. Ping is
// answered internally; parse failures and unknown types get an error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.SugaredLogger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log *zap.SugaredLogger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.Named("dispatch"),
	}
}

// Register associates a handler with a message type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debugw("parse error", "session", conn.ID, "error", err)
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debugw("unsupported message type", "type", msgType, "session", conn.ID)
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data := mustServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debugw("send error failed", "session", conn.ID, "error", err)
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()
	if err := conn.WriteMessage(mustServerMessage(protocol.TypePong, protocol.PongMsg{})); err != nil {
		d.log.Debugw("send pong failed", "session", conn.ID, "error", err)
	}
}
