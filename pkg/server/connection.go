package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"infinote/internal/protocol"
	"infinote/pkg/adopted"
	"infinote/pkg/logger"
)

// Connection represents a single client WebSocket connection.
type Connection struct {
	userID  uint64
	session *Session
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	sendMu  sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConnection creates a new client connection handler.
func NewConnection(session *Session, conn *websocket.Conn, readTimeout, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		userID:       session.NextUserID(),
		session:      session,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Handle manages the WebSocket connection lifecycle.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.cleanup()

	logger.Debug("connection! id = %d", c.userID)

	revision, err := c.sendInitial()
	if err != nil {
		return fmt.Errorf("send initial: %w", err)
	}

	updates := c.session.Subscribe(c.userID)
	updatesDone := make(chan struct{})
	go c.broadcastUpdates(updates, updatesDone)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		if c.session.Revision() > revision {
			newRev, err := c.sendHistory(revision)
			if err != nil {
				return fmt.Errorf("send history: %w", err)
			}
			revision = newRev
		}

		readCtx, readCancel := context.WithTimeout(ctx, c.readTimeout)
		var msg protocol.ClientMsg
		err := wsjson.Read(readCtx, c.conn, &msg)
		readCancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		if err := c.handleMessage(&msg); err != nil {
			logger.Error("error handling message from user %d: %v", c.userID, err)
			c.send(protocol.NewErrorMsg(err.Error()))
			return err
		}
	}
}

func (c *Connection) sendInitial() (int, error) {
	if err := c.send(protocol.NewIdentityMsg(c.userID)); err != nil {
		return 0, err
	}

	lang, users, cursors := c.session.GetInitialState()

	if lang != nil {
		if err := c.send(protocol.NewLanguageMsg(*lang, protocol.SystemUserID, "")); err != nil {
			return 0, err
		}
	}
	for id, info := range users {
		infoCopy := info
		if err := c.send(protocol.NewUserInfoMsg(id, &infoCopy)); err != nil {
			return 0, err
		}
	}
	for id, data := range cursors {
		if err := c.send(protocol.NewUserCursorMsg(id, data)); err != nil {
			return 0, err
		}
	}

	return c.sendHistory(0)
}

func (c *Connection) sendHistory(start int) (int, error) {
	reqs := c.session.GetHistory(start)
	if len(reqs) == 0 {
		return start, nil
	}
	wire := make([]protocol.RequestWire, len(reqs))
	for i, r := range reqs {
		wire[i] = protocol.EncodeRequest(r)
	}
	if err := c.send(protocol.NewHistoryMsg(start, wire)); err != nil {
		return start, err
	}
	return start + len(reqs), nil
}

func (c *Connection) handleMessage(msg *protocol.ClientMsg) error {
	if msg.Edit != nil {
		vector, err := adopted.ParseVector(msg.Edit.Vector)
		if err != nil {
			return fmt.Errorf("bad vector: %w", err)
		}
		op, err := protocol.DecodeOp(msg.Edit.Operation)
		if err != nil {
			return fmt.Errorf("bad operation: %w", err)
		}
		if err := c.session.ApplyEdit(c.userID, vector, op); err != nil {
			return fmt.Errorf("apply edit: %w", err)
		}
		return nil
	}

	if msg.Undo != nil {
		return c.session.Undo(c.userID)
	}

	if msg.Redo != nil {
		return c.session.Redo(c.userID)
	}

	if msg.SetLanguage != nil {
		c.session.SetLanguage(*msg.SetLanguage, c.userID, c.session.UserName(c.userID))
		return nil
	}

	if msg.ClientInfo != nil {
		c.session.SetUserInfo(c.userID, *msg.ClientInfo)
		return nil
	}

	if msg.CursorData != nil {
		c.session.SetCursorData(c.userID, *msg.CursorData)
		return nil
	}

	return nil
}

func (c *Connection) broadcastUpdates(updates <-chan *protocol.ServerMsg, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			if err := c.send(msg); err != nil {
				logger.Error("error broadcasting to user %d: %v", c.userID, err)
				c.cancel()
				return
			}
		}
	}
}

func (c *Connection) send(msg *protocol.ServerMsg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	writeCtx, writeCancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer writeCancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Connection) cleanup() {
	logger.Debug("disconnection, id = %d", c.userID)
	c.session.RemoveUser(c.userID)
	c.cancel()
}
