package boost

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/stats"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opOrderServiceNew = "orders.new"
	opMakeOrder       = "orders.make_order"
)

// OrderServiceConfig wires the purchase flow.
type OrderServiceConfig struct {
	Database *gorm.DB
	Ledger   *Ledger
	Fetcher  DetailsFetcher
	OrderIDs IDProvider
	Stamps   cache.Stamps
	Logger   *zap.Logger
}

// OrderService sells boost plans.
type OrderService struct {
	db       *gorm.DB
	ledger   *Ledger
	fetcher  DetailsFetcher
	orderIDs IDProvider
	stamps   cache.Stamps
	logger   *zap.Logger
}

// MakeOrderRequest is a purchase request as received from a client.
type MakeOrderRequest struct {
	UserID string
	PlanID uint64
	Link   string
}

// NewOrderService validates the configuration and constructs an OrderService.
func NewOrderService(cfg OrderServiceConfig) (*OrderService, error) {
	if cfg.Database == nil {
		return nil, newError(KindInternal, opOrderServiceNew, "missing_database", "", ErrMissingDatabase)
	}
	if cfg.Ledger == nil || cfg.Fetcher == nil {
		return nil, newError(KindInternal, opOrderServiceNew, "missing_dependency", "", ErrMissingDependency)
	}
	if cfg.OrderIDs == nil {
		return nil, newError(KindInternal, opOrderServiceNew, "missing_id_provider", "", ErrMissingIDProvider)
	}
	stamps := cfg.Stamps
	if stamps == nil {
		stamps = cache.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &OrderService{
		db:       cfg.Database,
		ledger:   cfg.Ledger,
		fetcher:  cfg.Fetcher,
		orderIDs: cfg.OrderIDs,
		stamps:   stamps,
		logger:   logger,
	}, nil
}

// MakeOrder buys planID for link on behalf of the user. Every check that can
// reject the purchase runs before the ledger is touched.
func (s *OrderService) MakeOrder(ctx context.Context, request MakeOrderRequest) (PurchaseReceipt, error) {
	link := strings.TrimSpace(request.Link)
	if strings.TrimSpace(request.UserID) == "" || request.PlanID == 0 || link == "" {
		return PurchaseReceipt{}, newError(KindInvalidInput, opMakeOrder, "missing_fields", "userId, planId and link are required", ErrInvalidInput)
	}
	userID, err := NormalizeUserID(request.UserID)
	if err != nil {
		return PurchaseReceipt{}, newError(KindInvalidInput, opMakeOrder, "invalid_user_id", err.Error(), err)
	}
	fields := []zap.Field{zap.String("user_id", userID), zap.Uint64("plan_id", request.PlanID)}

	var plan BoostPlan
	if err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", request.PlanID, true).Take(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PurchaseReceipt{}, newError(KindNotFound, opMakeOrder, "invalid_plan", "invalid plan", ErrPlanNotFound)
		}
		s.logError(opMakeOrder, "plan_select_failed", err, fields...)
		return PurchaseReceipt{}, newError(KindInternal, opMakeOrder, "plan_select_failed", "", err)
	}

	var wallet Wallet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PurchaseReceipt{}, newError(KindNotFound, opMakeOrder, "wallet_missing", "wallet not found", ErrWalletNotFound)
		}
		s.logError(opMakeOrder, "wallet_select_failed", err, fields...)
		return PurchaseReceipt{}, newError(KindInternal, opMakeOrder, "wallet_select_failed", "", err)
	}
	if wallet.Balance < plan.Price {
		return PurchaseReceipt{}, newError(KindInsufficientBalance, opMakeOrder, "insufficient_balance", "insufficient balance", ErrInsufficientBalance)
	}

	if stats.Classify(link) == stats.KindUnknown {
		return PurchaseReceipt{}, newError(KindInvalidInput, opMakeOrder, "unsupported_link", "unsupported link", stats.ErrUnsupportedURL)
	}
	details, err := s.fetcher.FetchDetails(ctx, link)
	if err != nil {
		s.logger.Warn("order details unavailable", append(fields, zap.String("link", link), zap.Error(err))...)
		return PurchaseReceipt{}, newError(KindInvalidInput, opMakeOrder, "details_unavailable", "could not fetch video details", errors.Join(ErrDetailsUnavailable, err))
	}
	if strings.TrimSpace(details.Title) == "" || strings.TrimSpace(details.ThumbnailURL) == "" {
		return PurchaseReceipt{}, newError(KindInvalidInput, opMakeOrder, "details_incomplete", "could not fetch video details", ErrDetailsUnavailable)
	}

	orderID, err := s.orderIDs.NewID()
	if err != nil {
		s.logError(opMakeOrder, "id_generation_failed", err, fields...)
		return PurchaseReceipt{}, newError(KindInternal, opMakeOrder, "id_generation_failed", "", err)
	}

	receipt, err := s.ledger.DebitForPurchase(ctx, PurchaseRequest{
		UserID:       userID,
		OrderID:      orderID,
		PlanID:       plan.ID,
		URL:          link,
		Title:        details.Title,
		ThumbnailURL: details.ThumbnailURL,
		Price:        plan.Price,
		Initial: Counts{
			ViewCount:       details.ViewCount,
			LikeCount:       details.LikeCount,
			SubscriberCount: details.SubscriberCount,
		},
	})
	if err != nil {
		return PurchaseReceipt{}, err
	}

	keys := []string{
		cache.WalletKey(userID),
		cache.TransactionsKey(userID),
		cache.UserOrdersKey(userID),
		cache.OrderListKey(),
	}
	if err := s.stamps.Touch(ctx, keys...); err != nil {
		s.logger.Warn("cache invalidation failed", append(fields, zap.Error(err))...)
	}
	return receipt, nil
}

func (s *OrderService) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(s.logger, "order service error", operation, reason, err, fields...)
}
