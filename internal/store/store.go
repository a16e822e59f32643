package store

import (
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
)

// TripStore 是外部行程/成员关系存储的读写契约。
// 角色与行程数据以它为唯一事实来源，本子系统只做短 TTL 缓存。
type TripStore interface {
	CreateTrip(trip collab.Trip) error
	GetTrip(tripID string) (*collab.Trip, error)
	GetRole(tripID, userID string) (collab.Role, bool, error)
	GrantRole(tripID, userID string, role collab.Role) error
	IsPubliclyViewable(tripID string) (bool, error)
	ListMembers(tripID string) ([]collab.Membership, error)
}

// InviteStore 持久化邀请令牌。令牌是唯一必须落盘的子系统私有状态。
type InviteStore interface {
	Create(inv collab.Invite) error
	GetByToken(token string) (*collab.Invite, error)
	GetByID(id string) (*collab.Invite, error)
	// RevokePending 将同一 (trip, email) 下所有 pending 邀请置为 revoked。
	RevokePending(tripID, email string) error
	// AcceptPending 原子地把 pending 置为 accepted 并记录接受者，
	// 返回本次调用是否完成了状态切换。
	AcceptPending(token, userID string) (bool, error)
	SetStatus(id string, status collab.InviteStatus) error
}

// MessageStore 是外部消息持久化存储的契约。
type MessageStore interface {
	Append(msg collab.Message) error
	LoadRecent(tripID string, limit int) ([]collab.Message, error)
	LastSeq(tripID string) (int64, error)
}
