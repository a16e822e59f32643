package collab

import "time"

// Role 表示成员在行程中的协作角色。
type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
)

// Valid 检查角色是否为已知值。
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleCollaborator, RoleViewer:
		return true
	}
	return false
}

// CanWrite 返回该角色是否允许发消息和修改行程。
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleCollaborator
}

// Member 是房间内一个活跃连接的在线状态快照。
type Member struct {
	UserID          string    `json:"user_id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	Role            Role      `json:"role"`
	ConnectionID    string    `json:"connection_id"`
	JoinedAt        time.Time `json:"joined_at"`
	LastHeartbeatAt time.Time `json:"-"`
	IsTyping        bool      `json:"is_typing"`
}

// Message 是房间内的一条聊天消息，创建后不可变。
type Message struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	Seq       int64     `json:"seq"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UserEmail string    `json:"user_email"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ItineraryUpdate 只是行程内容变更的通知，内容本身由外部存储持有。
type ItineraryUpdate struct {
	TripID      string `json:"trip_id"`
	ItineraryID string `json:"itinerary_id"`
	Version     int64  `json:"version"`
	UpdatedBy   string `json:"updated_by"`
	Summary     string `json:"summary"`
}

// Notification 是推送给行程成员的系统通知，内容由上游服务生成。
type Notification struct {
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

// PresenceKind 是在线状态变化的类别。
type PresenceKind string

const (
	PresenceJoined      PresenceKind = "joined"
	PresenceLeft        PresenceKind = "left"
	PresenceTypingStart PresenceKind = "typing_start"
	PresenceTypingStop  PresenceKind = "typing_stop"
)

// Trip 是行程的协作相关元数据，内容本身由外部行程存储持有。
type Trip struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Destination      string    `json:"destination"`
	OwnerID          string    `json:"owner_id"`
	PubliclyViewable bool      `json:"publicly_viewable"`
	CreatedAt        time.Time `json:"created_at"`
}

// Membership 是用户在行程上的持久角色记录。
type Membership struct {
	TripID   string    `json:"trip_id"`
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Invite 是一次邀请及其生命周期状态。
type Invite struct {
	ID         string       `json:"id"`
	TripID     string       `json:"trip_id"`
	Email      string       `json:"email"`
	Token      string       `json:"token"`
	Role       Role         `json:"role"`
	Status     InviteStatus `json:"status"`
	AcceptedBy string       `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// InviteStatus 是邀请的生命周期状态。
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteExpired  InviteStatus = "expired"
	InviteRevoked  InviteStatus = "revoked"
)
