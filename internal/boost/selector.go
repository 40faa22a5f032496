package boost

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSelectorNew   = "selector.new"
	opSelectForUser = "selector.select_for_user"
)

// TokenIssuer binds an earning token to a user and an order.
type TokenIssuer interface {
	Issue(ctx context.Context, userID, orderID, clientID string) (string, error)
}

// SelectorConfig wires the order selector.
type SelectorConfig struct {
	Database  *gorm.DB
	Tokens    TokenIssuer
	ClientIDs IDProvider
	Logger    *zap.Logger
}

// Selector hands a user an order to watch. It never mutates orders.
type Selector struct {
	db        *gorm.DB
	tokens    TokenIssuer
	clientIDs IDProvider
	logger    *zap.Logger
}

// Offer is what the client needs to watch and later claim.
type Offer struct {
	OrderID  string
	URL      string
	Token    string
	Duration int64
	Reward   int64
}

// NewSelector validates the configuration and constructs a Selector.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.Database == nil {
		return nil, newError(KindInternal, opSelectorNew, "missing_database", "", ErrMissingDatabase)
	}
	if cfg.Tokens == nil {
		return nil, newError(KindInternal, opSelectorNew, "missing_token_issuer", "", ErrMissingDependency)
	}
	clientIDs := cfg.ClientIDs
	if clientIDs == nil {
		clientIDs = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Selector{db: cfg.Database, tokens: cfg.Tokens, clientIDs: clientIDs, logger: logger}, nil
}

type candidate struct {
	ID       string
	URL      string
	Duration int64
	Reward   int64
}

// SelectForUser picks uniformly at random among active orders the user neither owns
// nor has been rewarded for, whose plan has a non-zero view target, and issues a token for it.
func (s *Selector) SelectForUser(ctx context.Context, userID string) (Offer, error) {
	normalized, err := NormalizeUserID(userID)
	if err != nil {
		return Offer{}, newError(KindInvalidInput, opSelectForUser, "invalid_user_id", "userId is required", err)
	}

	var picked candidate
	err = s.db.WithContext(ctx).
		Table("orders AS o").
		Select("o.id AS id, o.url AS url, p.duration AS duration, p.reward AS reward").
		Joins("JOIN boost_plans p ON p.id = o.plan_id").
		Where("o.status = ? AND o.user_id <> ? AND p.views <> 0", OrderStatusActive, normalized).
		Where("NOT EXISTS (SELECT 1 FROM watch_histories w WHERE w.user_id = ? AND w.order_id = o.id)", normalized).
		Order("RANDOM()").
		Limit(1).
		Scan(&picked).Error
	if err != nil {
		s.logError(opSelectForUser, "query_failed", err, zap.String("user_id", normalized))
		return Offer{}, newError(KindInternal, opSelectForUser, "query_failed", "", err)
	}
	if picked.ID == "" {
		return Offer{}, newError(KindNothingAvailable, opSelectForUser, "nothing_available", "no video available to watch", ErrNothingAvailable)
	}

	clientID, err := s.clientIDs.NewID()
	if err != nil {
		s.logError(opSelectForUser, "client_id_failed", err, zap.String("user_id", normalized))
		return Offer{}, newError(KindInternal, opSelectForUser, "client_id_failed", "", err)
	}
	token, err := s.tokens.Issue(ctx, normalized, picked.ID, clientID)
	if err != nil {
		s.logError(opSelectForUser, "token_issue_failed", err,
			zap.String("user_id", normalized),
			zap.String("order_id", picked.ID))
		return Offer{}, newError(KindInternal, opSelectForUser, "token_issue_failed", "", err)
	}

	return Offer{
		OrderID:  picked.ID,
		URL:      picked.URL,
		Token:    token,
		Duration: picked.Duration,
		Reward:   picked.Reward,
	}, nil
}

func (s *Selector) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(s.logger, "selector error", operation, reason, err, fields...)
}
