package boost

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opLedgerNew      = "ledger.new"
	opOpenAccount    = "ledger.open_account"
	opDebitPurchase  = "ledger.debit_for_purchase"
	opCreditWatch    = "ledger.credit_for_watch"
	opApplyProgress  = "ledger.apply_progress"
	opMarkChecked    = "ledger.mark_checked"
	initialRefPrefix = "initial_"
)

var (
	noOpLogger    = zap.NewNop()
	errUserExists = errors.New("user already exists")
)

// LedgerConfig wires the ledger to its store.
type LedgerConfig struct {
	Database *gorm.DB
	// TransactionIDs issues transaction identifiers.
	TransactionIDs IDProvider
	InitialGrant   int64
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Ledger applies every wallet, transaction, watch history and order progress
// mutation. Each operation is a single database transaction.
type Ledger struct {
	db           *gorm.DB
	ids          IDProvider
	initialGrant int64
	clock        func() time.Time
	logger       *zap.Logger
}

// NewLedger validates the configuration and constructs a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newError(KindInternal, opLedgerNew, "missing_database", "", ErrMissingDatabase)
	}
	if cfg.TransactionIDs == nil {
		return nil, newError(KindInternal, opLedgerNew, "missing_id_provider", "", ErrMissingIDProvider)
	}
	if cfg.InitialGrant < 0 {
		return nil, newError(KindInvalidInput, opLedgerNew, "negative_initial_grant", "", ErrInvalidInput)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		db:           cfg.Database,
		ids:          cfg.TransactionIDs,
		initialGrant: cfg.InitialGrant,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Account is a user together with their wallet.
type Account struct {
	User    User
	Wallet  Wallet
	Created bool
}

// OpenAccount registers userID with a wallet holding the initial grant, or refreshes
// the push handle and activity time of a known user.
func (l *Ledger) OpenAccount(ctx context.Context, userID string, pushHandle string) (Account, error) {
	normalized, err := NormalizeUserID(userID)
	if err != nil {
		return Account{}, newError(KindInvalidInput, opOpenAccount, "invalid_user_id", err.Error(), err)
	}

	account, err := l.openAccount(ctx, normalized, pushHandle)
	if errors.Is(err, errUserExists) {
		// a concurrent registration won; the second pass takes the update branch
		account, err = l.openAccount(ctx, normalized, pushHandle)
	}
	return account, err
}

func (l *Ledger) openAccount(ctx context.Context, userID string, pushHandle string) (Account, error) {
	now := l.clock().UTC()
	var handle *string
	if trimmed := strings.TrimSpace(pushHandle); trimmed != "" {
		handle = &trimmed
	}

	var account Account
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.Where("user_id = ?", userID).Take(&existing).Error
		switch {
		case err == nil:
			updates := map[string]interface{}{"last_active_at": now}
			if handle != nil {
				updates["push_handle"] = *handle
			}
			if err := tx.Model(&User{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
				l.logError(opOpenAccount, "user_update_failed", err, zap.String("user_id", userID))
				return newError(KindInternal, opOpenAccount, "user_update_failed", "", err)
			}
			if err := tx.Where("user_id = ?", userID).Take(&account.User).Error; err != nil {
				return newError(KindInternal, opOpenAccount, "user_reload_failed", "", err)
			}
			if err := tx.Where("user_id = ?", userID).Take(&account.Wallet).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return newError(KindNotFound, opOpenAccount, "wallet_missing", "wallet not found", ErrWalletNotFound)
				}
				return newError(KindInternal, opOpenAccount, "wallet_select_failed", "", err)
			}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			l.logError(opOpenAccount, "user_select_failed", err, zap.String("user_id", userID))
			return newError(KindInternal, opOpenAccount, "user_select_failed", "", err)
		}

		account.Created = true
		account.User = User{UserID: userID, PushHandle: handle, LastActiveAt: now}
		if err := tx.Create(&account.User).Error; err != nil {
			if isUniqueViolation(err) {
				return errUserExists
			}
			l.logError(opOpenAccount, "user_insert_failed", err, zap.String("user_id", userID))
			return newError(KindInternal, opOpenAccount, "user_insert_failed", "", err)
		}
		account.Wallet = Wallet{UserID: userID, Balance: l.initialGrant}
		if err := tx.Create(&account.Wallet).Error; err != nil {
			l.logError(opOpenAccount, "wallet_insert_failed", err, zap.String("user_id", userID))
			return newError(KindInternal, opOpenAccount, "wallet_insert_failed", "", err)
		}
		if l.initialGrant == 0 {
			return nil
		}
		transaction, err := l.newTransaction(userID, l.initialGrant, TransactionCredit, SourceInitialBonus, initialRefPrefix+userID)
		if err != nil {
			return newError(KindInternal, opOpenAccount, "id_generation_failed", "", err)
		}
		if err := tx.Create(&transaction).Error; err != nil {
			l.logError(opOpenAccount, "transaction_insert_failed", err, zap.String("user_id", userID))
			return newError(KindInternal, opOpenAccount, "transaction_insert_failed", "", err)
		}
		return nil
	})
	if txErr != nil {
		return Account{}, txErr
	}
	return account, nil
}

// PurchaseRequest describes a plan purchase debited from the buyer's wallet.
type PurchaseRequest struct {
	UserID       string
	OrderID      string
	PlanID       uint64
	URL          string
	Title        string
	ThumbnailURL string
	Price        int64
	Initial      Counts
}

// PurchaseReceipt is what a committed purchase produced.
type PurchaseReceipt struct {
	Order       Order
	Transaction Transaction
	Wallet      Wallet
}

// DebitForPurchase creates the order, debits the price and records the DEBIT
// transaction atomically. The debit is guarded so the balance never goes negative.
func (l *Ledger) DebitForPurchase(ctx context.Context, request PurchaseRequest) (PurchaseReceipt, error) {
	if request.UserID == "" || request.OrderID == "" || request.URL == "" || request.PlanID == 0 {
		return PurchaseReceipt{}, newError(KindInvalidInput, opDebitPurchase, "missing_fields", "missing required fields", ErrInvalidInput)
	}
	if request.Price < 0 {
		return PurchaseReceipt{}, newError(KindInvalidInput, opDebitPurchase, "negative_price", "price must not be negative", ErrInvalidInput)
	}

	var receipt PurchaseReceipt
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Wallet{}).
			Where("user_id = ? AND balance >= ?", request.UserID, request.Price).
			Update("balance", gorm.Expr("balance - ?", request.Price))
		if result.Error != nil {
			l.logError(opDebitPurchase, "wallet_debit_failed", result.Error, zap.String("user_id", request.UserID))
			return newError(KindInternal, opDebitPurchase, "wallet_debit_failed", "", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&Wallet{}).Where("user_id = ?", request.UserID).Count(&count).Error; err != nil {
				return newError(KindInternal, opDebitPurchase, "wallet_select_failed", "", err)
			}
			if count == 0 {
				return newError(KindNotFound, opDebitPurchase, "wallet_missing", "wallet not found", ErrWalletNotFound)
			}
			return newError(KindInsufficientBalance, opDebitPurchase, "insufficient_balance", "insufficient balance", ErrInsufficientBalance)
		}

		receipt.Order = Order{
			ID:                      request.OrderID,
			UserID:                  request.UserID,
			PlanID:                  request.PlanID,
			URL:                     request.URL,
			Title:                   request.Title,
			ThumbnailURL:            request.ThumbnailURL,
			Status:                  OrderStatusActive,
			InitialViewCount:        request.Initial.ViewCount,
			InitialLikeCount:        request.Initial.LikeCount,
			InitialSubscriberCount:  request.Initial.SubscriberCount,
			ProgressViewCount:       request.Initial.ViewCount,
			ProgressLikeCount:       request.Initial.LikeCount,
			ProgressSubscriberCount: request.Initial.SubscriberCount,
		}
		if err := tx.Create(&receipt.Order).Error; err != nil {
			if isUniqueViolation(err) {
				return newError(KindDuplicate, opDebitPurchase, "duplicate_order", "order already exists", err)
			}
			l.logError(opDebitPurchase, "order_insert_failed", err, zap.String("order_id", request.OrderID))
			return newError(KindInternal, opDebitPurchase, "order_insert_failed", "", err)
		}

		transaction, err := l.newTransaction(request.UserID, request.Price, TransactionDebit, SourcePlanPurchase, request.OrderID)
		if err != nil {
			return newError(KindInternal, opDebitPurchase, "id_generation_failed", "", err)
		}
		if err := tx.Create(&transaction).Error; err != nil {
			if isUniqueViolation(err) {
				return newError(KindDuplicate, opDebitPurchase, "duplicate_transaction", "purchase already recorded", err)
			}
			l.logError(opDebitPurchase, "transaction_insert_failed", err, zap.String("order_id", request.OrderID))
			return newError(KindInternal, opDebitPurchase, "transaction_insert_failed", "", err)
		}
		receipt.Transaction = transaction

		if err := tx.Where("user_id = ?", request.UserID).Take(&receipt.Wallet).Error; err != nil {
			return newError(KindInternal, opDebitPurchase, "wallet_reload_failed", "", err)
		}
		return nil
	})
	if txErr != nil {
		return PurchaseReceipt{}, txErr
	}
	return receipt, nil
}

// CreditRequest describes a reward for one watch.
type CreditRequest struct {
	UserID      string
	OrderID     string
	Amount      int64
	ExternalRef string
}

// CreditReceipt is what a committed reward produced.
type CreditReceipt struct {
	Transaction    Transaction
	Wallet         Wallet
	CompletedCount int64
}

// CreditForWatch inserts the watch history row, credits the wallet, records the
// CREDIT transaction and bumps the order's completed count as one unit. A repeated
// (user, order) pair or external reference rolls everything back with ErrAlreadyCredited.
func (l *Ledger) CreditForWatch(ctx context.Context, request CreditRequest) (CreditReceipt, error) {
	if request.UserID == "" || request.OrderID == "" || request.ExternalRef == "" {
		return CreditReceipt{}, newError(KindInvalidInput, opCreditWatch, "missing_fields", "missing required fields", ErrInvalidInput)
	}
	if request.Amount < 0 {
		return CreditReceipt{}, newError(KindInvalidInput, opCreditWatch, "negative_amount", "amount must not be negative", ErrInvalidInput)
	}

	fields := []zap.Field{zap.String("user_id", request.UserID), zap.String("order_id", request.OrderID)}
	duplicate := newError(KindDuplicate, opCreditWatch, "already_credited", "reward already credited", ErrAlreadyCredited)

	var receipt CreditReceipt
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.Select("id").Where("id = ?", request.OrderID).Take(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newError(KindNotFound, opCreditWatch, "order_missing", "order not found", ErrOrderNotFound)
			}
			l.logError(opCreditWatch, "order_select_failed", err, fields...)
			return newError(KindInternal, opCreditWatch, "order_select_failed", "", err)
		}

		history := WatchHistory{UserID: request.UserID, OrderID: request.OrderID, WatchedAt: l.clock().UTC()}
		if err := tx.Create(&history).Error; err != nil {
			if isUniqueViolation(err) {
				return duplicate
			}
			l.logError(opCreditWatch, "history_insert_failed", err, fields...)
			return newError(KindInternal, opCreditWatch, "history_insert_failed", "", err)
		}

		result := tx.Model(&Wallet{}).
			Where("user_id = ?", request.UserID).
			Update("balance", gorm.Expr("balance + ?", request.Amount))
		if result.Error != nil {
			l.logError(opCreditWatch, "wallet_credit_failed", result.Error, fields...)
			return newError(KindInternal, opCreditWatch, "wallet_credit_failed", "", result.Error)
		}
		if result.RowsAffected == 0 {
			return newError(KindNotFound, opCreditWatch, "wallet_missing", "wallet not found", ErrWalletNotFound)
		}

		transaction, err := l.newTransaction(request.UserID, request.Amount, TransactionCredit, SourceWatchReward, request.ExternalRef)
		if err != nil {
			return newError(KindInternal, opCreditWatch, "id_generation_failed", "", err)
		}
		if err := tx.Create(&transaction).Error; err != nil {
			if isUniqueViolation(err) {
				return duplicate
			}
			l.logError(opCreditWatch, "transaction_insert_failed", err, fields...)
			return newError(KindInternal, opCreditWatch, "transaction_insert_failed", "", err)
		}
		receipt.Transaction = transaction

		if err := tx.Model(&Order{}).
			Where("id = ?", request.OrderID).
			Update("completed_count", gorm.Expr("completed_count + 1")).Error; err != nil {
			l.logError(opCreditWatch, "order_update_failed", err, fields...)
			return newError(KindInternal, opCreditWatch, "order_update_failed", "", err)
		}

		// Read back after the increment: the update holds the row lock, so the
		// value includes every credit committed before this one.
		var counted Order
		if err := tx.Select("completed_count").Where("id = ?", request.OrderID).Take(&counted).Error; err != nil {
			l.logError(opCreditWatch, "order_reload_failed", err, fields...)
			return newError(KindInternal, opCreditWatch, "order_reload_failed", "", err)
		}
		receipt.CompletedCount = counted.CompletedCount

		if err := tx.Where("user_id = ?", request.UserID).Take(&receipt.Wallet).Error; err != nil {
			return newError(KindInternal, opCreditWatch, "wallet_reload_failed", "", err)
		}
		return nil
	})
	if txErr != nil {
		return CreditReceipt{}, txErr
	}
	return receipt, nil
}

// ProgressUpdate carries freshly observed counters for an order. When Complete is
// set the order moves to COMPLETED and Final is recorded.
type ProgressUpdate struct {
	Progress Counts
	Complete bool
	Final    Counts
}

// ApplyProgress writes observed counters. Completed orders are never touched again,
// so final counts are written exactly once. It reports whether a row changed.
func (l *Ledger) ApplyProgress(ctx context.Context, orderID string, update ProgressUpdate) (bool, error) {
	if orderID == "" {
		return false, newError(KindInvalidInput, opApplyProgress, "missing_order_id", "order id is required", ErrInvalidInput)
	}

	values := map[string]interface{}{
		"progress_view_count":       update.Progress.ViewCount,
		"progress_like_count":       update.Progress.LikeCount,
		"progress_subscriber_count": update.Progress.SubscriberCount,
		"updated_at":                l.clock().UTC(),
	}
	if update.Complete {
		values["status"] = OrderStatusCompleted
		values["final_view_count"] = update.Final.ViewCount
		values["final_like_count"] = update.Final.LikeCount
		values["final_subscriber_count"] = update.Final.SubscriberCount
	}

	result := l.db.WithContext(ctx).
		Model(&Order{}).
		Where("id = ? AND status <> ?", orderID, OrderStatusCompleted).
		Updates(values)
	if result.Error != nil {
		l.logError(opApplyProgress, "order_update_failed", result.Error, zap.String("order_id", orderID))
		return false, newError(KindInternal, opApplyProgress, "order_update_failed", "", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkChecked records that active orders were looked at without new counters, so
// they fall behind orders that have not been checked yet. It reports how many rows changed.
func (l *Ledger) MarkChecked(ctx context.Context, orderIDs []string) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	result := l.db.WithContext(ctx).
		Model(&Order{}).
		Where("id IN ? AND status = ?", orderIDs, OrderStatusActive).
		Update("updated_at", l.clock().UTC())
	if result.Error != nil {
		l.logError(opMarkChecked, "order_update_failed", result.Error, zap.Int("orders", len(orderIDs)))
		return 0, newError(KindInternal, opMarkChecked, "order_update_failed", "", result.Error)
	}
	return result.RowsAffected, nil
}

func (l *Ledger) newTransaction(userID string, amount int64, kind TransactionType, source, externalRef string) (Transaction, error) {
	id, err := l.ids.NewID()
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		ID:          id,
		UserID:      userID,
		Amount:      amount,
		Type:        kind,
		Source:      source,
		Status:      TransactionSuccess,
		ExternalRef: externalRef,
		CreatedAt:   l.clock().UTC(),
	}, nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(l.logger, "ledger error", operation, reason, err, fields...)
}

func logServiceError(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}

// isUniqueViolation recognises unique constraint failures from the translated gorm
// error as well as raw sqlite and postgres driver messages.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "duplicate key") ||
		strings.Contains(message, "SQLSTATE 23505")
}
