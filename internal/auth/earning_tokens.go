package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultEarningTokenTTL = 60 * time.Second
	earningTokenSeparator  = ":"
	earningTokenFieldCount = 5
)

var (
	ErrMissingEarningSecret = errors.New("earning tokens: secret required")
	ErrInvalidTokenSubject  = errors.New("earning tokens: identifiers must be non-empty and colon free")
)

// VerifyReason classifies the outcome of an earning token verification.
type VerifyReason string

const (
	VerifyReasonOK         VerifyReason = "ok"
	VerifyReasonMalformed  VerifyReason = "malformed"
	VerifyReasonUnknown    VerifyReason = "unknown"
	VerifyReasonMismatch   VerifyReason = "mismatch"
	VerifyReasonExpired    VerifyReason = "expired"
	VerifyReasonStoreError VerifyReason = "store_error"
)

// TokenRecord is the server-side half of an outstanding earning token.
type TokenRecord struct {
	Signature  string `json:"signature"`
	IssuedAtMs int64  `json:"issued_at_ms"`
	OrderID    string `json:"order_id"`
	ClientID   string `json:"client_id"`
}

// TokenStore keeps at most one outstanding record per user.
// Take must remove the record it returns atomically.
type TokenStore interface {
	Put(ctx context.Context, userID string, record TokenRecord, ttl time.Duration) error
	Take(ctx context.Context, userID string) (TokenRecord, bool, error)
}

// VerifyResult is the tagged outcome of Verify. It never carries an error.
type VerifyResult struct {
	Verified  bool
	Expired   bool
	Reason    VerifyReason
	UserID    string
	OrderID   string
	ClientID  string
	Signature string
	IssuedAt  time.Time
}

// EarningTokensConfig configures the earning token issuer.
type EarningTokensConfig struct {
	Secret []byte
	TTL    time.Duration
	Store  TokenStore
	Clock  func() time.Time
	Logger *zap.Logger
}

// EarningTokens issues and redeems single-use watch tokens bound to a user and an order.
type EarningTokens struct {
	secret []byte
	ttl    time.Duration
	store  TokenStore
	clock  func() time.Time
	logger *zap.Logger
}

// NewEarningTokens validates the configuration and returns a ready issuer.
func NewEarningTokens(cfg EarningTokensConfig) (*EarningTokens, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingEarningSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultEarningTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryTokenStore(clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EarningTokens{
		secret: append([]byte(nil), cfg.Secret...),
		ttl:    ttl,
		store:  store,
		clock:  clock,
		logger: logger,
	}, nil
}

// TTL reports how long an issued token stays redeemable.
func (e *EarningTokens) TTL() time.Duration {
	return e.ttl
}

// Issue signs userID:orderID:clientID:timestamp and replaces any earlier token for the user.
func (e *EarningTokens) Issue(ctx context.Context, userID, orderID, clientID string) (string, error) {
	for _, value := range []string{userID, orderID, clientID} {
		if strings.TrimSpace(value) == "" || strings.Contains(value, earningTokenSeparator) {
			return "", ErrInvalidTokenSubject
		}
	}

	issuedAtMs := e.clock().UnixMilli()
	payload := strings.Join([]string{userID, orderID, clientID, strconv.FormatInt(issuedAtMs, 10)}, earningTokenSeparator)
	signature := e.sign(payload)

	record := TokenRecord{
		Signature:  signature,
		IssuedAtMs: issuedAtMs,
		OrderID:    orderID,
		ClientID:   clientID,
	}
	if err := e.store.Put(ctx, userID, record, e.ttl); err != nil {
		return "", fmt.Errorf("earning tokens: store token: %w", err)
	}

	return payload + earningTokenSeparator + signature, nil
}

// Verify redeems a token. The stored record is consumed whenever it is found,
// whatever the outcome, so a token can be presented at most once.
func (e *EarningTokens) Verify(ctx context.Context, token string) VerifyResult {
	parts := strings.Split(strings.TrimSpace(token), earningTokenSeparator)
	if len(parts) != earningTokenFieldCount {
		return VerifyResult{Reason: VerifyReasonMalformed}
	}
	userID, orderID, clientID, issuedRaw, signature := parts[0], parts[1], parts[2], parts[3], parts[4]
	if userID == "" {
		return VerifyResult{Reason: VerifyReasonMalformed}
	}

	record, found, err := e.store.Take(ctx, userID)
	if err != nil {
		e.logger.Error("earning token lookup failed", zap.String("user_id", userID), zap.Error(err))
		return VerifyResult{Reason: VerifyReasonStoreError, UserID: userID}
	}
	if !found {
		return VerifyResult{Reason: VerifyReasonUnknown, UserID: userID}
	}

	failed := VerifyResult{Reason: VerifyReasonMismatch, UserID: userID, OrderID: orderID}
	if !hmac.Equal([]byte(record.Signature), []byte(signature)) {
		return failed
	}
	expected := e.sign(strings.Join(parts[:4], earningTokenSeparator))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return failed
	}
	issuedAtMs, err := strconv.ParseInt(issuedRaw, 10, 64)
	if err != nil || issuedAtMs != record.IssuedAtMs || orderID != record.OrderID || clientID != record.ClientID {
		return failed
	}

	issuedAt := time.UnixMilli(issuedAtMs)
	if e.clock().UnixMilli()-issuedAtMs > e.ttl.Milliseconds() {
		return VerifyResult{
			Expired:  true,
			Reason:   VerifyReasonExpired,
			UserID:   userID,
			OrderID:  orderID,
			ClientID: clientID,
			IssuedAt: issuedAt,
		}
	}

	return VerifyResult{
		Verified:  true,
		Reason:    VerifyReasonOK,
		UserID:    userID,
		OrderID:   orderID,
		ClientID:  clientID,
		Signature: signature,
		IssuedAt:  issuedAt,
	}
}

func (e *EarningTokens) sign(payload string) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
