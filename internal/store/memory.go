package store

import (
	"sort"
	"sync"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
)

// 内存实现满足同样的契约，测试和本地联调时可以替换掉 Postgres。

type MemoryTripStore struct {
	mu      sync.RWMutex
	trips   map[string]collab.Trip
	members map[string]map[string]collab.Membership // tripID -> userID -> membership

	failReads bool
}

func NewMemoryTripStore() *MemoryTripStore {
	return &MemoryTripStore{
		trips:   make(map[string]collab.Trip),
		members: make(map[string]map[string]collab.Membership),
	}
}

func (s *MemoryTripStore) CreateTrip(trip collab.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trips[trip.ID]; ok {
		return collab.ErrConflict
	}
	s.trips[trip.ID] = trip
	return nil
}

// SetFail 模拟外部存储不可用，读路径将返回错误。
func (s *MemoryTripStore) SetFail(fail bool) {
	s.mu.Lock()
	s.failReads = fail
	s.mu.Unlock()
}

func (s *MemoryTripStore) GetTrip(tripID string) (*collab.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads {
		return nil, collab.ErrUnavailable
	}
	t, ok := s.trips[tripID]
	if !ok {
		return nil, collab.ErrNotFound
	}
	return &t, nil
}

func (s *MemoryTripStore) GetRole(tripID, userID string) (collab.Role, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads {
		return "", false, collab.ErrUnavailable
	}
	m, ok := s.members[tripID][userID]
	if !ok {
		return "", false, nil
	}
	return m.Role, true, nil
}

func (s *MemoryTripStore) GrantRole(tripID, userID string, role collab.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[tripID] == nil {
		s.members[tripID] = make(map[string]collab.Membership)
	}
	m, ok := s.members[tripID][userID]
	if !ok {
		m = collab.Membership{TripID: tripID, UserID: userID}
	}
	m.Role = role
	s.members[tripID][userID] = m
	return nil
}

func (s *MemoryTripStore) RemoveMember(tripID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[tripID], userID)
}

func (s *MemoryTripStore) IsPubliclyViewable(tripID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[tripID]
	if !ok {
		return false, collab.ErrNotFound
	}
	return t.PubliclyViewable, nil
}

func (s *MemoryTripStore) ListMembers(tripID string) ([]collab.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collab.Membership, 0, len(s.members[tripID]))
	for _, m := range s.members[tripID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type MemoryInviteStore struct {
	mu      sync.Mutex
	byID    map[string]*collab.Invite
	byToken map[string]*collab.Invite
}

func NewMemoryInviteStore() *MemoryInviteStore {
	return &MemoryInviteStore{
		byID:    make(map[string]*collab.Invite),
		byToken: make(map[string]*collab.Invite),
	}
}

func (s *MemoryInviteStore) Create(inv collab.Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byToken[inv.Token]; ok {
		return collab.ErrConflict
	}
	cp := inv
	s.byID[inv.ID] = &cp
	s.byToken[inv.Token] = &cp
	return nil
}

func (s *MemoryInviteStore) GetByToken(token string) (*collab.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byToken[token]
	if !ok {
		return nil, collab.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryInviteStore) GetByID(id string) (*collab.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return nil, collab.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryInviteStore) RevokePending(tripID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.byID {
		if inv.TripID == tripID && inv.Email == email && inv.Status == collab.InvitePending {
			inv.Status = collab.InviteRevoked
		}
	}
	return nil
}

func (s *MemoryInviteStore) AcceptPending(token, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byToken[token]
	if !ok || inv.Status != collab.InvitePending {
		return false, nil
	}
	inv.Status = collab.InviteAccepted
	inv.AcceptedBy = userID
	return true, nil
}

func (s *MemoryInviteStore) SetStatus(id string, status collab.InviteStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return collab.ErrNotFound
	}
	inv.Status = status
	return nil
}

type MemoryMessageStore struct {
	mu   sync.RWMutex
	msgs map[string][]collab.Message

	failAppends bool
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{msgs: make(map[string][]collab.Message)}
}

// SetFail 模拟外部存储不可用，Append 将返回错误。
func (s *MemoryMessageStore) SetFail(fail bool) {
	s.mu.Lock()
	s.failAppends = fail
	s.mu.Unlock()
}

func (s *MemoryMessageStore) Append(msg collab.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppends {
		return collab.ErrUnavailable
	}
	for _, m := range s.msgs[msg.TripID] {
		if m.ID == msg.ID {
			return nil
		}
	}
	s.msgs[msg.TripID] = append(s.msgs[msg.TripID], msg)
	return nil
}

func (s *MemoryMessageStore) LoadRecent(tripID string, limit int) ([]collab.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[tripID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]collab.Message, len(all))
	copy(out, all)
	return out, nil
}

func (s *MemoryMessageStore) LastSeq(tripID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[tripID]
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Seq, nil
}

func (s *MemoryMessageStore) Count(tripID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs[tripID])
}
