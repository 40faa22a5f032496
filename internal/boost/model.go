package boost

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OrderStatus is the lifecycle state of a boost order.
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "ACTIVE"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
)

// TransactionType is the direction of a wallet movement.
type TransactionType string

const (
	TransactionCredit TransactionType = "CREDIT"
	TransactionDebit  TransactionType = "DEBIT"
)

// TransactionStatus tracks settlement of a wallet movement.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionSuccess  TransactionStatus = "SUCCESS"
	TransactionFailed   TransactionStatus = "FAILED"
	TransactionRefunded TransactionStatus = "REFUNDED"
)

const (
	SourceInitialBonus = "Initial Bonus"
	SourcePlanPurchase = "Plan Purchase"
	SourceWatchReward  = "Watch Reward"
)

const maxUserIDLength = 64

// ErrInvalidUserID indicates that a user identifier is empty, too long or contains a colon.
var ErrInvalidUserID = errors.New("boost: invalid user id")

// NormalizeUserID validates a raw user identifier.
func NormalizeUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxUserIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxUserIDLength)
	}
	if strings.Contains(trimmed, ":") {
		return "", fmt.Errorf("%w: contains ':'", ErrInvalidUserID)
	}
	return trimmed, nil
}

// User is a marketplace participant.
type User struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:64;not null"`
	PushHandle   *string   `gorm:"column:push_handle;size:255"`
	LastActiveAt time.Time `gorm:"column:last_active_at;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Wallet holds a user's coin balance. Only the Ledger writes it.
type Wallet struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:64;not null"`
	Balance   int64     `gorm:"column:balance;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Wallet) TableName() string {
	return "wallets"
}

// BoostPlan is a purchasable package. Zero thresholds are not required.
type BoostPlan struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Title       string    `gorm:"column:title;size:190;not null"`
	Description string    `gorm:"column:description;type:text;not null;default:''"`
	Price       int64     `gorm:"column:price;not null"`
	Views       int64     `gorm:"column:views;not null;default:0"`
	Likes       int64     `gorm:"column:likes;not null;default:0"`
	Subscribers int64     `gorm:"column:subscribers;not null;default:0"`
	Duration    int64     `gorm:"column:duration;not null"`
	Reward      int64     `gorm:"column:reward;not null"`
	IsActive    bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BoostPlan) TableName() string {
	return "boost_plans"
}

// Order is a plan applied to a target URL.
type Order struct {
	ID                      string      `gorm:"column:id;primaryKey;size:64;not null"`
	UserID                  string      `gorm:"column:user_id;size:64;not null;index:idx_orders_user"`
	PlanID                  uint64      `gorm:"column:plan_id;not null"`
	URL                     string      `gorm:"column:url;size:2048;not null"`
	Title                   string      `gorm:"column:title;size:512;not null;default:''"`
	ThumbnailURL            string      `gorm:"column:thumbnail_url;size:2048;not null;default:''"`
	Status                  OrderStatus `gorm:"column:status;size:16;not null;index:idx_orders_status_updated,priority:1"`
	InitialViewCount        int64       `gorm:"column:initial_view_count;not null;default:0"`
	InitialLikeCount        int64       `gorm:"column:initial_like_count;not null;default:0"`
	InitialSubscriberCount  int64       `gorm:"column:initial_subscriber_count;not null;default:0"`
	ProgressViewCount       int64       `gorm:"column:progress_view_count;not null;default:0"`
	ProgressLikeCount       int64       `gorm:"column:progress_like_count;not null;default:0"`
	ProgressSubscriberCount int64       `gorm:"column:progress_subscriber_count;not null;default:0"`
	FinalViewCount          *int64      `gorm:"column:final_view_count"`
	FinalLikeCount          *int64      `gorm:"column:final_like_count"`
	FinalSubscriberCount    *int64      `gorm:"column:final_subscriber_count"`
	CompletedCount          int64       `gorm:"column:completed_count;not null;default:0"`
	CreatedAt               time.Time   `gorm:"column:created_at;not null"`
	UpdatedAt               time.Time   `gorm:"column:updated_at;not null;index:idx_orders_status_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Order) TableName() string {
	return "orders"
}

// Transaction is an entry in the wallet movement log.
type Transaction struct {
	ID          string            `gorm:"column:id;primaryKey;size:64;not null"`
	UserID      string            `gorm:"column:user_id;size:64;not null;index:idx_transactions_user"`
	Amount      int64             `gorm:"column:amount;not null"`
	Type        TransactionType   `gorm:"column:type;size:16;not null"`
	Source      string            `gorm:"column:source;size:64;not null"`
	Status      TransactionStatus `gorm:"column:status;size:16;not null"`
	ExternalRef string            `gorm:"column:external_ref;size:190;not null;uniqueIndex:idx_transactions_external_ref"`
	CreatedAt   time.Time         `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "transactions"
}

// WatchHistory marks that a user was rewarded for an order. The composite key
// admits one row per (user, order).
type WatchHistory struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:64;not null"`
	OrderID   string    `gorm:"column:order_id;primaryKey;size:64;not null"`
	WatchedAt time.Time `gorm:"column:watched_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WatchHistory) TableName() string {
	return "watch_histories"
}

// Models lists every persisted type for schema migration.
func Models() []interface{} {
	return []interface{}{
		&User{},
		&Wallet{},
		&BoostPlan{},
		&Order{},
		&Transaction{},
		&WatchHistory{},
	}
}

// Counts is a snapshot of engagement counters.
type Counts struct {
	ViewCount       int64 `json:"viewCount"`
	LikeCount       int64 `json:"likeCount"`
	SubscriberCount int64 `json:"subscriberCount"`
}
