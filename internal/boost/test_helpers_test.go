package boost

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/stats"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boost.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func seedPlan(t *testing.T, db *gorm.DB, plan BoostPlan) BoostPlan {
	t.Helper()
	plan.IsActive = true
	if err := db.Create(&plan).Error; err != nil {
		t.Fatalf("failed to seed plan: %v", err)
	}
	return plan
}

func newTestLedger(t *testing.T, db *gorm.DB, grant int64) *Ledger {
	t.Helper()
	ledger, err := NewLedger(LedgerConfig{
		Database:       db,
		TransactionIDs: NewUUIDProvider(),
		InitialGrant:   grant,
	})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	return ledger
}

func openAccount(t *testing.T, ledger *Ledger, userID string) Account {
	t.Helper()
	account, err := ledger.OpenAccount(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("failed to open account %s: %v", userID, err)
	}
	return account
}

func walletBalance(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var wallet Wallet
	if err := db.Where("user_id = ?", userID).Take(&wallet).Error; err != nil {
		t.Fatalf("failed to load wallet: %v", err)
	}
	return wallet.Balance
}

func loadOrder(t *testing.T, db *gorm.DB, orderID string) Order {
	t.Helper()
	var order Order
	if err := db.Where("id = ?", orderID).Take(&order).Error; err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	return order
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

type sequentialIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s%d", s.prefix, s.next), nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	details map[string]stats.Details
	err     error
	calls   int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{details: make(map[string]stats.Details)}
}

func (f *fakeFetcher) set(url string, details stats.Details) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[url] = details
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) FetchDetails(_ context.Context, url string) (stats.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return stats.Details{}, f.err
	}
	details, ok := f.details[url]
	if !ok {
		return stats.Details{}, stats.ErrVideoNotFound
	}
	return details, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEarningTokens(t *testing.T, clock *testClock) *auth.EarningTokens {
	t.Helper()
	tokens, err := auth.NewEarningTokens(auth.EarningTokensConfig{
		Secret: []byte("test-earning-secret"),
		Clock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create earning tokens: %v", err)
	}
	return tokens
}

type recordedStates struct {
	mu     sync.Mutex
	states []string
}

func (r *recordedStates) RecordReward(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}
