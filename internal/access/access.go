package access

import (
	"errors"
	"sync"
	"time"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/store"
)

// Controller 判定用户对行程的读写权限。
// 成员关系存储是唯一事实来源，这里只做不超过一个心跳周期的正向缓存，
// 以便撤销的成员资格尽快生效。
type Controller struct {
	trips store.TripStore
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	role    collab.Role
	expires time.Time
}

func New(trips store.TripStore, ttl time.Duration) *Controller {
	return &Controller{trips: trips, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// CanJoin 返回用户可以以什么角色进入行程房间。
// 依次检查：成员记录、行程所有者、公开可见（只读）。
func (a *Controller) CanJoin(tripID, userID string) (collab.Role, error) {
	key := tripID + "|" + userID
	a.mu.RLock()
	ent, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && time.Now().Before(ent.expires) {
		return ent.role, nil
	}

	role, found, err := a.trips.GetRole(tripID, userID)
	if err != nil {
		return "", err
	}
	if !found {
		trip, err := a.trips.GetTrip(tripID)
		if err != nil {
			if errors.Is(err, collab.ErrNotFound) {
				return "", collab.ErrForbidden
			}
			return "", err
		}
		switch {
		case trip.OwnerID == userID:
			role = collab.RoleOwner
		case trip.PubliclyViewable:
			role = collab.RoleViewer
		default:
			return "", collab.ErrForbidden
		}
	}

	a.mu.Lock()
	a.cache[key] = cacheEntry{role: role, expires: time.Now().Add(a.ttl)}
	a.mu.Unlock()
	return role, nil
}

// CanWrite 返回用户是否允许发消息和修改行程，viewer 只读。
func (a *Controller) CanWrite(tripID, userID string) (bool, error) {
	role, err := a.CanJoin(tripID, userID)
	if err != nil {
		if errors.Is(err, collab.ErrForbidden) {
			return false, nil
		}
		return false, err
	}
	return role.CanWrite(), nil
}

// Invalidate 清除单个用户的缓存，授予新角色后立即可见。
func (a *Controller) Invalidate(tripID, userID string) {
	a.mu.Lock()
	delete(a.cache, tripID+"|"+userID)
	a.mu.Unlock()
}
