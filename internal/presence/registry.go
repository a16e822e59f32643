package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/metrics"
)

// Listener 接收房间内的在线状态变化，由消息总线订阅后向其他成员广播。
type Listener func(tripID string, kind collab.PresenceKind, m collab.Member)

// Options 是注册表的时间参数。
type Options struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	TypingTimeout    time.Duration
	RoomIdleTTL      time.Duration
}

// Registry 维护每个行程房间当前连接的成员集合。
// 房间在第一次加入时惰性创建，空置超过冷却时间后由后台清扫回收；
// 不同房间完全并行，同一房间的变更串行化在房间锁上。
type Registry struct {
	opts     Options
	listener Listener

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu      sync.Mutex
	tripID  string
	conns   map[string]*entry // connectionID -> entry
	byUser  map[string]string // userID -> connectionID
	emptyAt time.Time         // 有成员时为零值
	dead    bool              // 已被清扫回收，禁止再写入
}

type entry struct {
	member collab.Member
	evict  func()
	typing *time.Timer
}

func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, rooms: make(map[string]*room)}
}

// SetListener 必须在有连接加入前设置一次。
func (r *Registry) SetListener(l Listener) { r.listener = l }

func (r *Registry) emit(tripID string, kind collab.PresenceKind, m collab.Member) {
	if r.listener != nil {
		r.listener(tripID, kind, m)
	}
}

// getRoom 若房间未初始化则惰性创建。
func (r *Registry) getRoom(tripID string) *room {
	r.mu.RLock()
	rm := r.rooms[tripID]
	r.mu.RUnlock()
	if rm != nil {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm = r.rooms[tripID]
	if rm != nil {
		return rm
	}
	rm = &room{tripID: tripID, conns: make(map[string]*entry), byUser: make(map[string]string)}
	r.rooms[tripID] = rm
	metrics.ActiveRooms.Inc()
	return rm
}

func (r *Registry) lookup(tripID string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[tripID]
}

// Join 把成员登记进房间。同一用户重连时替换旧条目而不是追加，
// 旧连接由 evict 回调交给网关关闭。
func (r *Registry) Join(tripID string, m collab.Member, evict func()) {
	rm := r.getRoom(tripID)

	rm.mu.Lock()
	if rm.dead {
		// 拿到的指针刚被清扫回收，重来一次拿新房间。
		rm.mu.Unlock()
		r.Join(tripID, m, evict)
		return
	}
	var stale func()
	if oldConn, ok := rm.byUser[m.UserID]; ok {
		if old := rm.conns[oldConn]; old != nil {
			stale = old.evict
			old.stopTyping()
			delete(rm.conns, oldConn)
		}
	}
	now := time.Now()
	m.JoinedAt = now
	m.LastHeartbeatAt = now
	rm.conns[m.ConnectionID] = &entry{member: m, evict: evict}
	rm.byUser[m.UserID] = m.ConnectionID
	rm.emptyAt = time.Time{}
	rm.mu.Unlock()

	metrics.ActiveSessions.Inc()
	if stale != nil {
		metrics.ActiveSessions.Dec()
		go stale()
	}
	r.emit(tripID, collab.PresenceJoined, m)
}

// Leave 移除一个连接。重复离开或未知连接是空操作。
func (r *Registry) Leave(tripID, connectionID string) *collab.Member {
	rm := r.lookup(tripID)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	ent, ok := rm.conns[connectionID]
	if !ok {
		rm.mu.Unlock()
		return nil
	}
	ent.stopTyping()
	delete(rm.conns, connectionID)
	if rm.byUser[ent.member.UserID] == connectionID {
		delete(rm.byUser, ent.member.UserID)
	}
	if len(rm.conns) == 0 {
		rm.emptyAt = time.Now()
	}
	rm.mu.Unlock()

	metrics.ActiveSessions.Dec()
	m := ent.member
	r.emit(tripID, collab.PresenceLeft, m)
	return &m
}

// Heartbeat 刷新连接的存活时间戳。
func (r *Registry) Heartbeat(tripID, connectionID string) error {
	rm := r.lookup(tripID)
	if rm == nil {
		return collab.ErrNotFound
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ent, ok := rm.conns[connectionID]
	if !ok {
		return collab.ErrNotFound
	}
	ent.member.LastHeartbeatAt = time.Now()
	return nil
}

// SetTyping 更新输入状态。开始输入后超时自动清除，计时器归注册表所有，
// 客户端忘发 typing_stop 也不会让状态悬挂。
func (r *Registry) SetTyping(tripID, userID string, isTyping bool) {
	rm := r.lookup(tripID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	connID, ok := rm.byUser[userID]
	if !ok {
		rm.mu.Unlock()
		return
	}
	ent := rm.conns[connID]
	changed := ent.member.IsTyping != isTyping
	ent.member.IsTyping = isTyping
	ent.stopTyping()
	if isTyping {
		ent.typing = time.AfterFunc(r.opts.TypingTimeout, func() {
			r.clearTyping(tripID, userID, connID)
		})
	}
	m := ent.member
	rm.mu.Unlock()

	if !changed {
		return
	}
	if isTyping {
		r.emit(tripID, collab.PresenceTypingStart, m)
	} else {
		r.emit(tripID, collab.PresenceTypingStop, m)
	}
}

// clearTyping 是输入超时回调，状态仍为输入中才清除并广播。
func (r *Registry) clearTyping(tripID, userID, connID string) {
	rm := r.lookup(tripID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	ent, ok := rm.conns[connID]
	if !ok || !ent.member.IsTyping {
		rm.mu.Unlock()
		return
	}
	ent.member.IsTyping = false
	m := ent.member
	rm.mu.Unlock()

	r.emit(tripID, collab.PresenceTypingStop, m)
}

// ListActive 返回房间当前成员的稳定快照，按加入顺序排序。
func (r *Registry) ListActive(tripID string) []collab.Member {
	rm := r.lookup(tripID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	out := make([]collab.Member, 0, len(rm.conns))
	for _, ent := range rm.conns {
		out = append(out, ent.member)
	}
	rm.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Online 返回房间在线人数，供 REST 接口复用。
func (r *Registry) Online(tripID string) int {
	rm := r.lookup(tripID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.conns)
}

// Run 周期清扫心跳超时的成员和空置过久的房间，ctx 取消后退出。
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep 对每个房间独立加锁，慢房间不会拖住其他房间。
func (r *Registry) sweep(now time.Time) {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	deadline := now.Add(-r.opts.HeartbeatTimeout)
	for _, rm := range rooms {
		var expired []*entry
		rm.mu.Lock()
		for connID, ent := range rm.conns {
			if ent.member.LastHeartbeatAt.Before(deadline) {
				ent.stopTyping()
				delete(rm.conns, connID)
				if rm.byUser[ent.member.UserID] == connID {
					delete(rm.byUser, ent.member.UserID)
				}
				expired = append(expired, ent)
			}
		}
		if len(rm.conns) == 0 && rm.emptyAt.IsZero() {
			rm.emptyAt = now
		}
		rm.mu.Unlock()

		for _, ent := range expired {
			metrics.ActiveSessions.Dec()
			log.Debug().Str("trip_id", rm.tripID).Str("user_id", ent.member.UserID).Msg("presence heartbeat timeout")
			if ent.evict != nil {
				go ent.evict()
			}
			r.emit(rm.tripID, collab.PresenceLeft, ent.member)
		}
	}

	// 回收空置超过冷却时间的房间。
	r.mu.Lock()
	for tripID, rm := range r.rooms {
		rm.mu.Lock()
		idle := len(rm.conns) == 0 && !rm.emptyAt.IsZero() && now.Sub(rm.emptyAt) >= r.opts.RoomIdleTTL
		if idle {
			rm.dead = true
			delete(r.rooms, tripID)
			metrics.ActiveRooms.Dec()
		}
		rm.mu.Unlock()
	}
	r.mu.Unlock()
}

func (e *entry) stopTyping() {
	if e.typing != nil {
		e.typing.Stop()
		e.typing = nil
	}
}
