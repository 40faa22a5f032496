package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/boost"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opTouch = "users.touch"
	opKnown = "users.known"
)

// AccountOpener registers users with a funded wallet. *boost.Ledger satisfies it.
type AccountOpener interface {
	OpenAccount(ctx context.Context, userID string, pushHandle string) (boost.Account, error)
}

// ServiceConfig describes the dependencies required for user registration.
type ServiceConfig struct {
	Database *gorm.DB
	Accounts AccountOpener
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service registers marketplace users and tracks their activity.
type Service struct {
	db       *gorm.DB
	accounts AccountOpener
	now      func() time.Time
	logger   *zap.Logger
	known    knownUsers
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("users: account opener required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		accounts: cfg.Accounts,
		now:      clock,
		logger:   logger,
	}, nil
}

// Register creates the user and wallet on first sight and refreshes the push
// handle on later calls.
func (s *Service) Register(ctx context.Context, userID string, pushHandle string) (boost.Account, error) {
	account, err := s.accounts.OpenAccount(ctx, userID, pushHandle)
	if err != nil {
		return boost.Account{}, err
	}
	s.known.remember(account.User.UserID)
	if account.Created {
		s.logger.Info("user registered", zap.String("user_id", account.User.UserID))
	}
	return account, nil
}

// Touch records activity for a registered user.
func (s *Service) Touch(ctx context.Context, userID string) error {
	normalized, err := boost.NormalizeUserID(userID)
	if err != nil {
		return boost.NewError(boost.KindInvalidInput, opTouch, "invalid_user_id", err.Error(), err)
	}
	result := s.db.WithContext(ctx).
		Model(&boost.User{}).
		Where("user_id = ?", normalized).
		Updates(map[string]interface{}{
			"last_active_at": s.now().UTC(),
			"updated_at":     s.now().UTC(),
		})
	if result.Error != nil {
		s.logger.Error("user activity update failed",
			zap.String("operation", opTouch),
			zap.String("user_id", normalized),
			zap.Error(result.Error),
		)
		return boost.NewError(boost.KindInternal, opTouch, "user_update_failed", "", result.Error)
	}
	if result.RowsAffected == 0 {
		return boost.NewError(boost.KindNotFound, opTouch, "user_not_found", "user not found", boost.ErrUserNotFound)
	}
	s.known.remember(normalized)
	return nil
}

// Known reports whether userID is registered, consulting the in-process cache first.
func (s *Service) Known(ctx context.Context, userID string) (bool, error) {
	normalized, err := boost.NormalizeUserID(userID)
	if err != nil {
		return false, boost.NewError(boost.KindInvalidInput, opKnown, "invalid_user_id", err.Error(), err)
	}
	if s.known.has(normalized) {
		return true, nil
	}
	var user boost.User
	err = s.db.WithContext(ctx).Select("user_id").Where("user_id = ?", normalized).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, boost.NewError(boost.KindInternal, opKnown, "user_select_failed", "", err)
	}
	s.known.remember(normalized)
	return true, nil
}
