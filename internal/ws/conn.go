package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/auth"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/bus"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
)

// 每个连接的显式状态机：connecting -> joined -> left。
// 入站事件统一走 dispatch，错误只回给发送者，不影响房间里的其他人。
type connState int

const (
	stateConnecting connState = iota
	stateJoined
	stateLeft
)

type inboundEvent struct {
	Type       string `json:"type"`
	TripID     string `json:"trip_id"`
	Content    string `json:"content"`
	ActivityID string `json:"activity_id"`
	Feedback   string `json:"feedback"`
}

type client struct {
	gw     *Gateway
	conn   *websocket.Conn
	id     auth.Identity
	connID string

	state  connState
	tripID string
	member collab.Member
	sub    *bus.Subscriber

	writeMu   sync.Mutex
	leaveOnce sync.Once
	closeOnce sync.Once
}

const (
	readLimit     = 1 << 20 // 1MB
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

func (c *client) readPump() {
	defer c.leave()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev inboundEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			c.sendError("bad_event", "malformed event")
			continue
		}
		if !c.dispatch(ev) {
			return
		}
	}
}

// dispatch 处理一个入站事件，返回 false 表示连接该结束了。
func (c *client) dispatch(ev inboundEvent) bool {
	if c.state == stateConnecting {
		if ev.Type != "join_trip" {
			c.sendError("not_joined", "join_trip must be the first event")
			return true
		}
		return c.handleJoin(ev.TripID)
	}

	switch ev.Type {
	case "join_trip":
		c.sendError("already_joined", "already joined a trip")
	case "send_message":
		c.handleSendMessage(ev.Content)
	case "typing_start":
		if c.member.Role.CanWrite() {
			c.gw.registry.SetTyping(c.tripID, c.id.UserID, true)
		}
	case "typing_stop":
		if c.member.Role.CanWrite() {
			c.gw.registry.SetTyping(c.tripID, c.id.UserID, false)
		}
	case "heartbeat":
		if err := c.gw.registry.Heartbeat(c.tripID, c.connID); err != nil {
			// 条目已被清扫，这个连接已经名存实亡。
			return false
		}
	case "activity_feedback":
		if ev.ActivityID == "" || (ev.Feedback != "like" && ev.Feedback != "dislike") {
			c.sendError("bad_event", "invalid activity feedback")
			return true
		}
		c.gw.bus.BroadcastActivityFeedback(c.tripID, c.member, ev.ActivityID, ev.Feedback)
	case "leave_trip":
		return false
	default:
		c.sendError("bad_event", "unknown event type "+ev.Type)
	}
	return true
}

// handleJoin 执行 connecting -> joined 的迁移。
// 鉴权失败对这个连接是终态，客户端需要重新走邀请流程。
func (c *client) handleJoin(tripID string) bool {
	if tripID == "" {
		c.sendError("bad_event", "trip_id is required")
		return true
	}
	role, err := c.gw.access.CanJoin(tripID, c.id.UserID)
	if err != nil {
		// 存储故障不等于被拒，连接保持打开让客户端稍后重试。
		if isKind(err, collab.ErrUnavailable) {
			log.Warn().Err(err).Str("trip_id", tripID).Msg("join deferred, store unavailable")
			c.sendError("unavailable", "cannot verify access right now, try again")
			return true
		}
		log.Info().Str("trip_id", tripID).Str("user_id", c.id.UserID).Msg("join rejected")
		c.sendError("forbidden", "access denied, request an invite")
		return false
	}

	c.tripID = tripID
	c.member = collab.Member{
		UserID:       c.id.UserID,
		Name:         c.id.Name,
		Email:        c.id.Email,
		Role:         role,
		ConnectionID: c.connID,
	}

	// 先建订阅再登记在线，落在订阅之后的扇出不会丢。
	c.sub = c.gw.bus.Subscribe(tripID, c.connID, c.id.UserID, c.shutdown)
	c.gw.registry.Join(tripID, c.member, c.shutdown)
	c.state = stateJoined

	// 给新成员回放在线名单和近期消息，写泵启动前直接写，
	// 回放一定先于后续的实时事件到达。
	c.writeJSON(map[string]interface{}{"type": "active_users", "users": c.gw.registry.ListActive(tripID)})
	recent, err := c.gw.bus.LoadRecent(tripID, c.gw.replayLimit)
	if err == nil {
		c.writeJSON(map[string]interface{}{"type": "recent_messages", "messages": recent})
	}

	go c.writePump()
	return true
}

func (c *client) handleSendMessage(content string) {
	if content == "" {
		c.sendError("bad_event", "empty message")
		return
	}
	_, err := c.gw.bus.Publish(c.tripID, c.member, content)
	switch {
	case err == nil:
	case isKind(err, collab.ErrForbidden):
		c.sendError("forbidden", "viewers cannot send messages")
	case isKind(err, collab.ErrUnavailable):
		c.sendError("unavailable", "message delivered but not yet saved")
	default:
		c.sendError("internal", "failed to send message")
	}
}

// leave 是所有退出路径的汇合点：显式 leave、传输错误、心跳超时驱逐。
// 幂等，连接永远不会处于半登记状态。
func (c *client) leave() {
	c.leaveOnce.Do(func() {
		if c.state == stateJoined {
			c.gw.bus.Unsubscribe(c.connID)
			c.gw.registry.Leave(c.tripID, c.connID)
		}
		c.state = stateLeft
	})
	c.closeConn()
}

// shutdown 从外部踢掉连接：被同一用户的新连接顶替、心跳清扫或队列持续溢出。
// 关闭底层连接让 readPump 退出，清理都走 leave 这一条路。
func (c *client) shutdown() {
	c.closeConn()
}

func (c *client) closeConn() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()
	for {
		select {
		case frame, ok := <-c.sub.Out():
			if !ok {
				return
			}
			if !c.writeFrame(frame) {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) writeFrame(frame []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, frame) == nil
}

func (c *client) writeJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeFrame(b)
}

func (c *client) sendError(code, message string) {
	c.writeJSON(map[string]interface{}{"type": "error", "code": code, "message": message})
}
