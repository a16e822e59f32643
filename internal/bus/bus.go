package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/access"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/metrics"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/presence"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/store"
)

// 连续挤掉这么多条事件后认为接收端已经死了，踢掉连接。
const kickAfterDrops = 32

// Options 是总线的容量参数。
type Options struct {
	WindowSize    int
	QueueSize     int
	RetryInterval time.Duration
	RoomIdleTTL   time.Duration
}

// Bus 持久化聊天消息并把消息、在线状态变化和行程更新通知
// 扇出给房间内的所有活跃连接。
// 谁在房间里由 Presence Registry 决定，总线只按连接投递。
type Bus struct {
	opts     Options
	registry *presence.Registry
	msgs     store.MessageStore
	access   *access.Controller

	mu    sync.RWMutex
	rooms map[string]*roomState
	subs  map[string]*Subscriber // connectionID -> subscriber
}

// roomState 持有一个房间的消息序号和近期消息窗口。
// 序号在窗口追加的同一把锁下分配，保证持久化顺序与投递顺序一致。
type roomState struct {
	mu           sync.Mutex
	tripID       string
	seq          int64
	seqLoaded    bool
	window       []collab.Message
	unsaved      []collab.Message
	lastActivity time.Time
	dead         bool // 已被 gc 回收，禁止再写入
}

func New(opts Options, registry *presence.Registry, msgs store.MessageStore, ac *access.Controller) *Bus {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	return &Bus{
		opts:     opts,
		registry: registry,
		msgs:     msgs,
		access:   ac,
		rooms:    make(map[string]*roomState),
		subs:     make(map[string]*Subscriber),
	}
}

func (b *Bus) getRoom(tripID string) *roomState {
	b.mu.RLock()
	rs := b.rooms[tripID]
	b.mu.RUnlock()
	if rs != nil {
		return rs
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rs = b.rooms[tripID]
	if rs == nil {
		rs = &roomState{tripID: tripID, lastActivity: time.Now()}
		b.rooms[tripID] = rs
	}
	return rs
}

func (b *Bus) sub(connectionID string) *Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subs[connectionID]
}

// Subscribe 为一个连接建立出站队列。kick 在队列持续溢出时被调用一次，
// 由网关负责真正断开连接。
func (b *Bus) Subscribe(tripID, connectionID, userID string, kick func()) *Subscriber {
	s := &Subscriber{
		connectionID: connectionID,
		userID:       userID,
		out:          make(chan []byte, b.opts.QueueSize),
		itinSeen:     make(map[string]int64),
		kick:         kick,
	}
	b.mu.Lock()
	b.subs[connectionID] = s
	b.mu.Unlock()
	b.getRoom(tripID).touch()
	return s
}

// Unsubscribe 拆掉连接的出站队列，重复调用是空操作。
func (b *Bus) Unsubscribe(connectionID string) {
	b.mu.Lock()
	s := b.subs[connectionID]
	delete(b.subs, connectionID)
	b.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Publish 发布一条聊天消息：鉴权、分配房间内递增序号、写入近期窗口、
// 持久化到外部存储并扇出给所有活跃成员。
// 外部存储不可用时消息保留在窗口内照常扇出，返回 ErrUnavailable
// 让调用方提示"尚未保存"，后台会重试持久化。
func (b *Bus) Publish(tripID string, sender collab.Member, text string) (*collab.Message, error) {
	ok, err := b.access.CanWrite(tripID, sender.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, collab.ErrForbidden
	}

	rs := b.getRoom(tripID)
	rs.mu.Lock()
	for rs.dead {
		// 拿到的指针刚被 gc 回收，重来一次拿新房间。
		rs.mu.Unlock()
		rs = b.getRoom(tripID)
		rs.mu.Lock()
	}
	b.loadSeqLocked(rs)
	rs.seq++
	msg := collab.Message{
		ID:        uuid.NewString(),
		TripID:    tripID,
		Seq:       rs.seq,
		UserID:    sender.UserID,
		UserName:  sender.Name,
		UserEmail: sender.Email,
		Text:      text,
		CreatedAt: time.Now(),
	}
	rs.window = append(rs.window, msg)
	if len(rs.window) > b.opts.WindowSize {
		rs.window = rs.window[len(rs.window)-b.opts.WindowSize:]
	}
	rs.lastActivity = time.Now()
	// 在同一把锁下入队，任一接收端看到的消息顺序与序号一致。
	b.fanout(tripID, newMessageFrame(msg), "")
	rs.mu.Unlock()

	metrics.MessagesTotal.Inc()

	if err := b.msgs.Append(msg); err != nil {
		log.Warn().Err(err).Str("trip_id", tripID).Int64("seq", msg.Seq).Msg("message persist failed, queued for retry")
		rs.mu.Lock()
		rs.unsaved = append(rs.unsaved, msg)
		rs.mu.Unlock()
		return &msg, fmt.Errorf("%w: message held in memory", collab.ErrUnavailable)
	}
	return &msg, nil
}

// loadSeqLocked 房间第一次使用时从外部存储恢复序号基线。
func (b *Bus) loadSeqLocked(rs *roomState) {
	if rs.seqLoaded {
		return
	}
	seq, err := b.msgs.LastSeq(rs.tripID)
	if err != nil {
		log.Warn().Err(err).Str("trip_id", rs.tripID).Msg("seq baseline load failed, starting at 0")
	} else {
		rs.seq = seq
	}
	rs.seqLoaded = true
}

// LoadRecent 返回房间最近的消息，升序。窗口不够长时从外部存储回填。
func (b *Bus) LoadRecent(tripID string, limit int) ([]collab.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rs := b.getRoom(tripID)
	rs.mu.Lock()
	window := make([]collab.Message, len(rs.window))
	copy(window, rs.window)
	rs.mu.Unlock()

	if len(window) >= limit {
		return window[len(window)-limit:], nil
	}

	stored, err := b.msgs.LoadRecent(tripID, limit)
	if err != nil {
		// 读路径尽力而为，窗口里有什么就给什么。
		log.Warn().Err(err).Str("trip_id", tripID).Msg("recent message backfill failed")
		return window, nil
	}

	seen := make(map[string]struct{}, len(window))
	for _, m := range window {
		seen[m.ID] = struct{}{}
	}
	merged := make([]collab.Message, 0, len(stored)+len(window))
	for _, m := range stored {
		if _, ok := seen[m.ID]; !ok {
			merged = append(merged, m)
		}
	}
	merged = append(merged, window...)
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

// BroadcastPresenceDelta 把在线状态变化发给房间内除当事人之外的成员。
func (b *Bus) BroadcastPresenceDelta(tripID string, kind collab.PresenceKind, m collab.Member) {
	var frame []byte
	switch kind {
	case collab.PresenceJoined:
		frame = marshal(map[string]interface{}{"type": "user_joined", "user_id": m.UserID, "user_name": m.Name, "user_email": m.Email, "role": m.Role})
	case collab.PresenceLeft:
		frame = marshal(map[string]interface{}{"type": "user_left", "user_id": m.UserID, "user_name": m.Name})
	case collab.PresenceTypingStart:
		frame = marshal(map[string]interface{}{"type": "user_typing", "user_id": m.UserID, "user_name": m.Name})
	case collab.PresenceTypingStop:
		frame = marshal(map[string]interface{}{"type": "user_stopped_typing", "user_id": m.UserID})
	default:
		return
	}
	b.fanout(tripID, frame, m.UserID)
}

// BroadcastItineraryUpdate 把行程变更通知发给房间所有成员。
// 同一接收端、同一行程的通知按版本非递减投递，过时版本直接丢弃。
func (b *Bus) BroadcastItineraryUpdate(ev collab.ItineraryUpdate) {
	frame := marshal(map[string]interface{}{
		"type":         "itinerary_updated",
		"trip_id":      ev.TripID,
		"itinerary_id": ev.ItineraryID,
		"version":      ev.Version,
		"updated_by":   ev.UpdatedBy,
		"summary":      ev.Summary,
	})
	for _, m := range b.registry.ListActive(ev.TripID) {
		if s := b.sub(m.ConnectionID); s != nil {
			s.enqueueItinerary(ev.ItineraryID, ev.Version, frame)
		}
	}
}

// BroadcastNotification 把系统通知推给房间内所有成员，纯转发不落盘。
func (b *Bus) BroadcastNotification(tripID string, n collab.Notification) {
	frame := marshal(map[string]interface{}{
		"type":     "notification",
		"trip_id":  tripID,
		"kind":     n.Kind,
		"title":    n.Title,
		"message":  n.Message,
		"priority": n.Priority,
	})
	b.fanout(tripID, frame, "")
}

// BroadcastActivityFeedback 把活动点评转发给房间内其他成员，纯转发不落盘。
func (b *Bus) BroadcastActivityFeedback(tripID string, m collab.Member, activityID, feedback string) {
	frame := marshal(map[string]interface{}{
		"type":        "activity_feedback_received",
		"activity_id": activityID,
		"feedback":    feedback,
		"user_id":     m.UserID,
		"user_name":   m.Name,
	})
	b.fanout(tripID, frame, m.UserID)
}

// fanout 按在线名单投递，excludeUserID 非空时跳过当事人自己的连接。
func (b *Bus) fanout(tripID string, frame []byte, excludeUserID string) {
	for _, m := range b.registry.ListActive(tripID) {
		if excludeUserID != "" && m.UserID == excludeUserID {
			continue
		}
		if s := b.sub(m.ConnectionID); s != nil {
			s.enqueue(frame)
		}
	}
}

// Run 周期重试未持久化的消息，并回收长期无人的房间状态。
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.opts.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.retryUnsaved()
			b.gc(time.Now())
		}
	}
}

func (b *Bus) retryUnsaved() {
	b.mu.RLock()
	rooms := make([]*roomState, 0, len(b.rooms))
	for _, rs := range b.rooms {
		rooms = append(rooms, rs)
	}
	b.mu.RUnlock()

	for _, rs := range rooms {
		rs.mu.Lock()
		pending := rs.unsaved
		rs.unsaved = nil
		rs.mu.Unlock()
		if len(pending) == 0 {
			continue
		}

		var failed []collab.Message
		for _, msg := range pending {
			metrics.PersistRetriesTotal.Inc()
			if err := b.msgs.Append(msg); err != nil {
				failed = append(failed, msg)
			}
		}
		if len(failed) > 0 {
			log.Warn().Str("trip_id", rs.tripID).Int("count", len(failed)).Msg("message persist retry still failing")
			rs.mu.Lock()
			rs.unsaved = append(failed, rs.unsaved...)
			rs.mu.Unlock()
		}
	}
}

// gc 回收没有活跃成员、没有待持久化消息且长期无活动的房间状态。
// Publish 持有房间锁时会去拿 b.mu 读锁做扇出，所以这里绝不能
// 持着 b.mu 再去等房间锁：先快照、锁外评估，删除时只用 TryLock，
// 拿不到就说明房间正被使用，留到下一轮。
func (b *Bus) gc(now time.Time) {
	if b.opts.RoomIdleTTL <= 0 {
		return
	}
	b.mu.RLock()
	rooms := make(map[string]*roomState, len(b.rooms))
	for tripID, rs := range b.rooms {
		rooms[tripID] = rs
	}
	b.mu.RUnlock()

	var idle []string
	for tripID, rs := range rooms {
		rs.mu.Lock()
		quiet := len(rs.unsaved) == 0 && now.Sub(rs.lastActivity) >= b.opts.RoomIdleTTL
		rs.mu.Unlock()
		if quiet && b.registry.Online(tripID) == 0 {
			idle = append(idle, tripID)
		}
	}
	if len(idle) == 0 {
		return
	}

	b.mu.Lock()
	for _, tripID := range idle {
		rs := b.rooms[tripID]
		if rs == nil || !rs.mu.TryLock() {
			continue
		}
		if rs.dead || len(rs.unsaved) > 0 || now.Sub(rs.lastActivity) < b.opts.RoomIdleTTL {
			rs.mu.Unlock()
			continue
		}
		rs.dead = true
		delete(b.rooms, tripID)
		rs.mu.Unlock()
	}
	b.mu.Unlock()
}

func (rs *roomState) touch() {
	rs.mu.Lock()
	rs.lastActivity = time.Now()
	rs.mu.Unlock()
}

func newMessageFrame(msg collab.Message) []byte {
	return marshal(struct {
		Type string `json:"type"`
		collab.Message
	}{Type: "new_message", Message: msg})
}

func marshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("event marshal")
		return nil
	}
	return b
}

// Subscriber 是单个连接的有界出站队列。
// 队列满时挤掉最旧的事件（接收端落后总比断流好），
// 连续溢出超过阈值则触发 kick 断开连接。
type Subscriber struct {
	connectionID string
	userID       string
	out          chan []byte
	kick         func()

	mu       sync.Mutex
	itinSeen map[string]int64
	drops    int
	kicked   bool
	closed   bool
}

// Out 是网关写泵消费的事件流，Unsubscribe 时关闭。
func (s *Subscriber) Out() <-chan []byte { return s.out }

func (s *Subscriber) enqueue(frame []byte) {
	if frame == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	first := true
	for {
		select {
		case s.out <- frame:
			if first {
				s.drops = 0
			}
			return
		default:
		}
		first = false
		// 丢最旧的一条给新事件腾位置。
		select {
		case <-s.out:
			s.drops++
			metrics.FanoutDropsTotal.Inc()
		default:
		}
		if s.drops >= kickAfterDrops && !s.kicked {
			s.kicked = true
			if s.kick != nil {
				go s.kick()
			}
			return
		}
	}
}

func (s *Subscriber) enqueueItinerary(itineraryID string, version int64, frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if last, ok := s.itinSeen[itineraryID]; ok && version < last {
		s.mu.Unlock()
		return
	}
	s.itinSeen[itineraryID] = version
	s.mu.Unlock()
	s.enqueue(frame)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
