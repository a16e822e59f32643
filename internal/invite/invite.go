package invite

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/access"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/store"
)

// 邀请专属错误，均可通过 errors.Is 归入 collab 的错误分类。
var (
	ErrRevoked         = fmt.Errorf("%w: invite revoked", collab.ErrForbidden)
	ErrAlreadyAccepted = fmt.Errorf("%w: invite already accepted", collab.ErrConflict)
	ErrInvalidEmail    = fmt.Errorf("invalid email address")
	ErrInvalidRole     = fmt.Errorf("invalid invite role")
)

// Service 签发、校验和撤销邀请令牌。
type Service struct {
	invites store.InviteStore
	trips   store.TripStore
	access  *access.Controller
	ttl     time.Duration
}

func NewService(invites store.InviteStore, trips store.TripStore, ac *access.Controller, ttl time.Duration) *Service {
	return &Service{invites: invites, trips: trips, access: ac, ttl: ttl}
}

// Create 为 (trip, email) 签发一个新的 pending 邀请。
// 同一 (trip, email) 之前的 pending 邀请会被自动撤销，重发即替换。
func (s *Service) Create(tripID, email string, role collab.Role, requestedBy string) (*collab.Invite, error) {
	requesterRole, err := s.access.CanJoin(tripID, requestedBy)
	if err != nil {
		return nil, err
	}
	if !requesterRole.CanWrite() {
		return nil, collab.ErrForbidden
	}
	if role != collab.RoleCollaborator && role != collab.RoleViewer {
		return nil, ErrInvalidRole
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}

	if err := s.invites.RevokePending(tripID, email); err != nil {
		return nil, err
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	inv := collab.Invite{
		ID:        uuid.NewString(),
		TripID:    tripID,
		Email:     email,
		Token:     token,
		Role:      role,
		Status:    collab.InvitePending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.invites.Create(inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Accept 用令牌兑换行程成员资格。
// 状态切换走存储层的 compare-and-set，并发重复接受只会产生一次授予；
// 同一用户重复接受视为幂等成功。
func (s *Service) Accept(token, userID string) (*collab.Membership, error) {
	inv, err := s.invites.GetByToken(token)
	if err != nil {
		return nil, err
	}
	if m, err := s.classify(inv, userID); m != nil || err != nil {
		return m, err
	}

	switched, err := s.invites.AcceptPending(token, userID)
	if err != nil {
		return nil, err
	}
	if !switched {
		// CAS 输给了并发的另一个请求，重新读一次来区分赢家。
		inv, err = s.invites.GetByToken(token)
		if err != nil {
			return nil, err
		}
		if m, err := s.classify(inv, userID); m != nil || err != nil {
			return m, err
		}
		return nil, ErrAlreadyAccepted
	}
	return s.grant(inv, userID)
}

// classify 把非 pending 状态映射为结果；pending 且未过期时返回 (nil, nil)。
func (s *Service) classify(inv *collab.Invite, userID string) (*collab.Membership, error) {
	switch inv.Status {
	case collab.InviteRevoked:
		return nil, ErrRevoked
	case collab.InviteExpired:
		return nil, collab.ErrExpired
	case collab.InviteAccepted:
		if inv.AcceptedBy == userID {
			return s.grant(inv, userID)
		}
		return nil, ErrAlreadyAccepted
	}
	if time.Now().After(inv.ExpiresAt) {
		// 过期惰性判定，顺手把状态落盘。
		_ = s.invites.SetStatus(inv.ID, collab.InviteExpired)
		return nil, collab.ErrExpired
	}
	return nil, nil
}

func (s *Service) grant(inv *collab.Invite, userID string) (*collab.Membership, error) {
	if err := s.trips.GrantRole(inv.TripID, userID, inv.Role); err != nil {
		return nil, err
	}
	s.access.Invalidate(inv.TripID, userID)
	return &collab.Membership{TripID: inv.TripID, UserID: userID, Role: inv.Role, JoinedAt: time.Now()}, nil
}

// Revoke 撤销邀请，只有行程所有者可以操作。
// 已经撤销或过期的邀请视为成功的空操作。
func (s *Service) Revoke(inviteID, requestedBy string) error {
	inv, err := s.invites.GetByID(inviteID)
	if err != nil {
		return err
	}
	role, err := s.access.CanJoin(inv.TripID, requestedBy)
	if err != nil {
		return err
	}
	if role != collab.RoleOwner {
		return collab.ErrForbidden
	}
	switch inv.Status {
	case collab.InviteRevoked, collab.InviteExpired:
		return nil
	case collab.InviteAccepted:
		return ErrAlreadyAccepted
	}
	return s.invites.SetStatus(inv.ID, collab.InviteRevoked)
}

// generateToken 生成 256 bit 的随机令牌，hex 编码。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
