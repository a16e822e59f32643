package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/collab"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/models"
)

// GormTripStore 基于 Postgres 实现行程/成员关系存储。
type GormTripStore struct {
	db *gorm.DB
}

func NewGormTripStore(db *gorm.DB) *GormTripStore { return &GormTripStore{db: db} }

func (s *GormTripStore) CreateTrip(trip collab.Trip) error {
	rec := models.Trip{
		ID:               trip.ID,
		Name:             trip.Name,
		Destination:      trip.Destination,
		OwnerID:          trip.OwnerID,
		PubliclyViewable: trip.PubliclyViewable,
	}
	return s.db.Create(&rec).Error
}

func (s *GormTripStore) GetTrip(tripID string) (*collab.Trip, error) {
	var rec models.Trip
	if err := s.db.First(&rec, "id = ?", tripID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, collab.ErrNotFound
		}
		return nil, err
	}
	return &collab.Trip{
		ID:               rec.ID,
		Name:             rec.Name,
		Destination:      rec.Destination,
		OwnerID:          rec.OwnerID,
		PubliclyViewable: rec.PubliclyViewable,
		CreatedAt:        rec.CreatedAt,
	}, nil
}

func (s *GormTripStore) GetRole(tripID, userID string) (collab.Role, bool, error) {
	var rec models.TripMember
	err := s.db.Where("trip_id = ? AND user_id = ?", tripID, userID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return collab.Role(rec.Role), true, nil
}

func (s *GormTripStore) GrantRole(tripID, userID string, role collab.Role) error {
	rec := models.TripMember{TripID: tripID, UserID: userID, Role: string(role), JoinedAt: time.Now()}
	// 重复授予视为幂等，同一 (trip, user) 只保留一条记录。
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trip_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&rec).Error
}

func (s *GormTripStore) IsPubliclyViewable(tripID string) (bool, error) {
	var rec models.Trip
	if err := s.db.Select("publicly_viewable").First(&rec, "id = ?", tripID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, collab.ErrNotFound
		}
		return false, err
	}
	return rec.PubliclyViewable, nil
}

func (s *GormTripStore) ListMembers(tripID string) ([]collab.Membership, error) {
	var recs []models.TripMember
	if err := s.db.Where("trip_id = ?", tripID).Order("joined_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]collab.Membership, 0, len(recs))
	for _, r := range recs {
		out = append(out, collab.Membership{TripID: r.TripID, UserID: r.UserID, Role: collab.Role(r.Role), JoinedAt: r.JoinedAt})
	}
	return out, nil
}

// GormInviteStore 把邀请令牌落盘，进程重启后邀请仍然有效。
type GormInviteStore struct {
	db *gorm.DB
}

func NewGormInviteStore(db *gorm.DB) *GormInviteStore { return &GormInviteStore{db: db} }

func (s *GormInviteStore) Create(inv collab.Invite) error {
	rec := models.Invite{
		ID:        inv.ID,
		TripID:    inv.TripID,
		Email:     inv.Email,
		Token:     inv.Token,
		Role:      string(inv.Role),
		Status:    string(inv.Status),
		CreatedAt: inv.CreatedAt,
		ExpiresAt: inv.ExpiresAt,
	}
	return s.db.Create(&rec).Error
}

func (s *GormInviteStore) GetByToken(token string) (*collab.Invite, error) {
	var rec models.Invite
	if err := s.db.Where("token = ?", token).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, collab.ErrNotFound
		}
		return nil, err
	}
	return inviteFromModel(rec), nil
}

func (s *GormInviteStore) GetByID(id string) (*collab.Invite, error) {
	var rec models.Invite
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, collab.ErrNotFound
		}
		return nil, err
	}
	return inviteFromModel(rec), nil
}

func (s *GormInviteStore) RevokePending(tripID, email string) error {
	return s.db.Model(&models.Invite{}).
		Where("trip_id = ? AND email = ? AND status = ?", tripID, email, string(collab.InvitePending)).
		Update("status", string(collab.InviteRevoked)).Error
}

func (s *GormInviteStore) AcceptPending(token, userID string) (bool, error) {
	// 条件更新做 compare-and-set，并发重复接受时只有一个请求能改到行。
	res := s.db.Model(&models.Invite{}).
		Where("token = ? AND status = ?", token, string(collab.InvitePending)).
		Updates(map[string]interface{}{"status": string(collab.InviteAccepted), "accepted_by": userID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormInviteStore) SetStatus(id string, status collab.InviteStatus) error {
	return s.db.Model(&models.Invite{}).Where("id = ?", id).Update("status", string(status)).Error
}

func inviteFromModel(rec models.Invite) *collab.Invite {
	return &collab.Invite{
		ID:         rec.ID,
		TripID:     rec.TripID,
		Email:      rec.Email,
		Token:      rec.Token,
		Role:       collab.Role(rec.Role),
		Status:     collab.InviteStatus(rec.Status),
		AcceptedBy: rec.AcceptedBy,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
	}
}

// GormMessageStore 基于 Postgres 实现消息持久化。
type GormMessageStore struct {
	db *gorm.DB
}

func NewGormMessageStore(db *gorm.DB) *GormMessageStore { return &GormMessageStore{db: db} }

func (s *GormMessageStore) Append(msg collab.Message) error {
	rec := models.ChatMessage{
		ID:        msg.ID,
		TripID:    msg.TripID,
		Seq:       msg.Seq,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		UserEmail: msg.UserEmail,
		Content:   msg.Text,
		CreatedAt: msg.CreatedAt,
	}
	// 重试持久化时同一条消息可能已经写入过。
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

func (s *GormMessageStore) LoadRecent(tripID string, limit int) ([]collab.Message, error) {
	var recs []models.ChatMessage
	if err := s.db.Where("trip_id = ?", tripID).Order("seq desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	// 反转为升序
	out := make([]collab.Message, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = collab.Message{
			ID:        r.ID,
			TripID:    r.TripID,
			Seq:       r.Seq,
			UserID:    r.UserID,
			UserName:  r.UserName,
			UserEmail: r.UserEmail,
			Text:      r.Content,
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

func (s *GormMessageStore) LastSeq(tripID string) (int64, error) {
	var seq int64
	err := s.db.Model(&models.ChatMessage{}).Where("trip_id = ?", tripID).
		Select("COALESCE(MAX(seq), 0)").Scan(&seq).Error
	return seq, err
}
