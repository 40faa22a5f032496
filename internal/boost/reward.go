package boost

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/stats"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRewardNew     = "reward.new"
	opProcessReward = "reward.process"

	rewardRefPrefix    = "reward_"
	rewardRefTailBytes = 16
)

// RewardState is a step of a reward attempt.
type RewardState string

const (
	StateTokenPresented        RewardState = "TOKEN_PRESENTED"
	StateTokenVerified         RewardState = "TOKEN_VERIFIED"
	StateOrderResolved         RewardState = "ORDER_RESOLVED"
	StateDurationVerified      RewardState = "DURATION_VERIFIED"
	StateCredited              RewardState = "CREDITED"
	StateCompletionChecked     RewardState = "COMPLETION_CHECKED"
	StateRejectedBadToken      RewardState = "REJECTED_BAD_TOKEN"
	StateRejectedShortDuration RewardState = "REJECTED_SHORT_DURATION"
	StateRejectedUnknownOrder  RewardState = "REJECTED_UNKNOWN_ORDER"
	StateRejectedDuplicate     RewardState = "REJECTED_DUPLICATE"
	StateFailed                RewardState = "FAILED"
)

// TokenVerifier redeems an earning token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) auth.VerifyResult
}

// DetailsFetcher reads ground truth for a single order URL.
type DetailsFetcher interface {
	FetchDetails(ctx context.Context, rawURL string) (stats.Details, error)
}

// RewardRecorder observes the terminal state of every reward attempt.
type RewardRecorder interface {
	RecordReward(state string)
}

// RewardProcessorConfig wires the reward processor.
type RewardProcessorConfig struct {
	Database *gorm.DB
	Ledger   *Ledger
	Tokens   TokenVerifier
	Fetcher  DetailsFetcher
	Stamps   cache.Stamps
	Recorder RewardRecorder
	Logger   *zap.Logger
}

// RewardProcessor turns a presented token and a reported watch duration into a
// credited reward. A (user, order) pair is paid at most once.
type RewardProcessor struct {
	db       *gorm.DB
	ledger   *Ledger
	tokens   TokenVerifier
	fetcher  DetailsFetcher
	stamps   cache.Stamps
	recorder RewardRecorder
	logger   *zap.Logger
}

// RewardRequest is the client's claim.
type RewardRequest struct {
	Token string
	// Duration is the reported watch time in seconds.
	Duration float64
}

// RewardResult reports how far a claim progressed.
type RewardResult struct {
	State        RewardState
	OrderID      string
	RewardAmount int64
	Balance      int64
	Completed    bool
}

// NewRewardProcessor validates the configuration and constructs a processor.
func NewRewardProcessor(cfg RewardProcessorConfig) (*RewardProcessor, error) {
	if cfg.Database == nil {
		return nil, newError(KindInternal, opRewardNew, "missing_database", "", ErrMissingDatabase)
	}
	if cfg.Ledger == nil || cfg.Tokens == nil || cfg.Fetcher == nil {
		return nil, newError(KindInternal, opRewardNew, "missing_dependency", "", ErrMissingDependency)
	}
	stamps := cfg.Stamps
	if stamps == nil {
		stamps = cache.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RewardProcessor{
		db:       cfg.Database,
		ledger:   cfg.Ledger,
		tokens:   cfg.Tokens,
		fetcher:  cfg.Fetcher,
		stamps:   stamps,
		recorder: cfg.Recorder,
		logger:   logger,
	}, nil
}

// Process runs one reward attempt. Steps run strictly in order and stop at the
// first rejection; the returned result carries the terminal state either way.
func (p *RewardProcessor) Process(ctx context.Context, request RewardRequest) (RewardResult, error) {
	result, err := p.process(ctx, request)
	if p.recorder != nil {
		p.recorder.RecordReward(string(result.State))
	}
	return result, err
}

func (p *RewardProcessor) process(ctx context.Context, request RewardRequest) (RewardResult, error) {
	result := RewardResult{State: StateTokenPresented}
	token := strings.TrimSpace(request.Token)
	if token == "" {
		result.State = StateRejectedBadToken
		return result, newError(KindBadToken, opProcessReward, "missing_token", "token is required", ErrInvalidToken)
	}
	if math.IsNaN(request.Duration) || math.IsInf(request.Duration, 0) || request.Duration < 0 {
		result.State = StateRejectedShortDuration
		return result, newError(KindInvalidInput, opProcessReward, "invalid_duration", "duration must be a non-negative number", ErrInvalidInput)
	}

	verified := p.tokens.Verify(ctx, token)
	if !verified.Verified {
		result.State = StateRejectedBadToken
		p.logger.Info("reward token rejected",
			zap.String("reason", string(verified.Reason)),
			zap.String("user_id", verified.UserID))
		message := "invalid token"
		if verified.Expired {
			message = "token expired"
		}
		return result, newError(KindBadToken, opProcessReward, "token_"+string(verified.Reason), message, ErrInvalidToken)
	}
	result.State = StateTokenVerified
	result.OrderID = verified.OrderID
	fields := []zap.Field{zap.String("user_id", verified.UserID), zap.String("order_id", verified.OrderID)}

	order, plan, err := p.loadOrder(ctx, verified.OrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrPlanNotFound) {
			result.State = StateRejectedUnknownOrder
			return result, newError(KindNotFound, opProcessReward, "unknown_order", "order not found", ErrOrderNotFound)
		}
		result.State = StateFailed
		p.logError(opProcessReward, "order_lookup_failed", err, fields...)
		return result, newError(KindInternal, opProcessReward, "order_lookup_failed", "", err)
	}
	result.State = StateOrderResolved

	if request.Duration < float64(plan.Duration) {
		result.State = StateRejectedShortDuration
		p.logger.Info("reward duration too short",
			append(fields, zap.Float64("reported", request.Duration), zap.Int64("required", plan.Duration))...)
		return result, newError(KindShortDuration, opProcessReward, "short_duration", "watch duration too short", ErrShortDuration)
	}
	result.State = StateDurationVerified

	receipt, err := p.ledger.CreditForWatch(ctx, CreditRequest{
		UserID:      verified.UserID,
		OrderID:     order.ID,
		Amount:      plan.Reward,
		ExternalRef: rewardReference(verified.Signature),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyCredited):
			result.State = StateRejectedDuplicate
			p.logger.Warn("reward already credited", fields...)
		case errors.Is(err, ErrOrderNotFound):
			result.State = StateRejectedUnknownOrder
		default:
			result.State = StateFailed
		}
		return result, err
	}
	result.State = StateCredited
	result.RewardAmount = plan.Reward
	result.Balance = receipt.Wallet.Balance

	result.Completed = p.checkCompletion(ctx, order, plan, receipt.CompletedCount)
	result.State = StateCompletionChecked

	p.invalidate(ctx, verified.UserID, order)
	return result, nil
}

func (p *RewardProcessor) loadOrder(ctx context.Context, orderID string) (Order, BoostPlan, error) {
	var order Order
	if err := p.db.WithContext(ctx).Where("id = ?", orderID).Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Order{}, BoostPlan{}, ErrOrderNotFound
		}
		return Order{}, BoostPlan{}, err
	}
	var plan BoostPlan
	if err := p.db.WithContext(ctx).Where("id = ?", order.PlanID).Take(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Order{}, BoostPlan{}, ErrPlanNotFound
		}
		return Order{}, BoostPlan{}, err
	}
	return order, plan, nil
}

// checkCompletion closes the order when credited watches reach the plan's view
// target. An upstream failure leaves the order active for the worker to retry.
func (p *RewardProcessor) checkCompletion(ctx context.Context, order Order, plan BoostPlan, completedCount int64) bool {
	if !WatchTargetReached(order, plan, completedCount) {
		return false
	}
	fields := []zap.Field{zap.String("order_id", order.ID), zap.Int64("completed_count", completedCount)}

	details, err := p.fetcher.FetchDetails(ctx, order.URL)
	if err != nil {
		p.logger.Warn("completion stats unavailable, order left active", append(fields, zap.Error(err))...)
		return false
	}
	changed, err := p.ledger.ApplyProgress(ctx, order.ID, CompleteFromDetails(order, details))
	if err != nil {
		p.logError(opProcessReward, "completion_update_failed", err, fields...)
		return false
	}
	if changed {
		p.logger.Info("order completed by watches", fields...)
	}
	return changed
}

func (p *RewardProcessor) invalidate(ctx context.Context, userID string, order Order) {
	keys := []string{
		cache.WalletKey(userID),
		cache.TransactionsKey(userID),
		cache.UserOrdersKey(order.UserID),
		cache.OrderDetailKey(order.ID),
		cache.OrderListKey(),
	}
	if err := p.stamps.Touch(ctx, keys...); err != nil {
		p.logger.Warn("cache invalidation failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (p *RewardProcessor) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(p.logger, "reward processor error", operation, reason, err, fields...)
}

// rewardReference derives the transaction idempotency key from the token tail.
func rewardReference(signature string) string {
	tail := signature
	if len(tail) > rewardRefTailBytes {
		tail = tail[len(tail)-rewardRefTailBytes:]
	}
	return rewardRefPrefix + tail
}
