package models

import "time"

type Trip struct {
	ID               string `gorm:"primaryKey;size:36"`
	Name             string `gorm:"size:128;not null"`
	Destination      string `gorm:"size:128"`
	OwnerID          string `gorm:"index;size:36;not null"`
	PubliclyViewable bool   `gorm:"not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type TripMember struct {
	ID       uint   `gorm:"primaryKey"`
	TripID   string `gorm:"uniqueIndex:idx_trip_user;size:36;not null"`
	UserID   string `gorm:"uniqueIndex:idx_trip_user;size:36;not null"`
	Role     string `gorm:"size:16;not null"`
	JoinedAt time.Time
}

type Invite struct {
	ID         string `gorm:"primaryKey;size:36"`
	TripID     string `gorm:"index:idx_invite_trip_email;size:36;not null"`
	Email      string `gorm:"index:idx_invite_trip_email;size:254;not null"`
	Token      string `gorm:"uniqueIndex;size:128;not null"`
	Role       string `gorm:"size:16;not null"`
	Status     string `gorm:"size:16;not null;default:'pending'"`
	AcceptedBy string `gorm:"size:36"`
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index;not null"`
}

type ChatMessage struct {
	ID        string `gorm:"primaryKey;size:36"`
	TripID    string `gorm:"index:idx_msg_trip_seq;size:36;not null"`
	Seq       int64  `gorm:"index:idx_msg_trip_seq;not null"`
	UserID    string `gorm:"index;size:36;not null"`
	UserName  string `gorm:"size:64"`
	UserEmail string `gorm:"size:254"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
