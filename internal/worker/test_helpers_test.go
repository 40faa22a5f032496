package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/boost"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/stats"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var baseTime = time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
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
	if err := db.AutoMigrate(boost.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
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

type fakeStats struct {
	mu           sync.Mutex
	videos       map[string]stats.VideoStats
	videoErr     error
	channels     map[string]stats.ChannelStats
	details      map[string]stats.Details
	videoCalls   int
	channelCalls int
	block        chan struct{}
	entered      chan struct{}
	panicOnVideo bool
}

func newFakeStats() *fakeStats {
	return &fakeStats{
		videos:   make(map[string]stats.VideoStats),
		channels: make(map[string]stats.ChannelStats),
		details:  make(map[string]stats.Details),
	}
}

func (f *fakeStats) FetchVideoStats(ctx context.Context, ids []string) (map[string]stats.VideoStats, error) {
	f.mu.Lock()
	f.videoCalls++
	block, entered, panicking := f.block, f.entered, f.panicOnVideo
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panicking {
		panic("stats client exploded")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]stats.VideoStats)
	for _, id := range ids {
		if item, ok := f.videos[id]; ok {
			result[id] = item
		}
	}
	return result, f.videoErr
}

func (f *fakeStats) FetchChannelStats(_ context.Context, refs []stats.ChannelRef) map[string]stats.ChannelStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelCalls++
	result := make(map[string]stats.ChannelStats, len(refs))
	for _, ref := range refs {
		item, ok := f.channels[ref.Key()]
		if !ok {
			item = stats.ChannelStats{Err: stats.ErrChannelNotFound}
		}
		result[ref.Key()] = item
	}
	return result
}

func (f *fakeStats) FetchDetails(_ context.Context, url string) (stats.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	details, ok := f.details[url]
	if !ok {
		return stats.Details{}, stats.ErrVideoNotFound
	}
	return details, nil
}

type countingStamps struct {
	*cache.MemoryStamps
	mu      sync.Mutex
	touches map[string]int
}

func newCountingStamps(clock func() time.Time) *countingStamps {
	return &countingStamps{MemoryStamps: cache.NewMemoryStamps(clock), touches: make(map[string]int)}
}

func (s *countingStamps) Touch(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	for _, key := range keys {
		s.touches[key]++
	}
	s.mu.Unlock()
	return s.MemoryStamps.Touch(ctx, keys...)
}

func (s *countingStamps) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches[key]
}

type runRecord struct {
	result string
}

type fakeRecorder struct {
	mu     sync.Mutex
	runs   []runRecord
	orders map[string]int
}

func (r *fakeRecorder) RecordRun(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runRecord{result: result})
}

func (r *fakeRecorder) RecordOrders(outcome string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.orders == nil {
		r.orders = make(map[string]int)
	}
	r.orders[outcome] += count
}

type workerFixture struct {
	db         *gorm.DB
	ledger     *boost.Ledger
	clock      *testClock
	fetcher    *fakeStats
	stamps     *countingStamps
	recorder   *fakeRecorder
	reconciler *Reconciler
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	db := openTestDB(t)
	clock := &testClock{now: baseTime}
	ledger, err := boost.NewLedger(boost.LedgerConfig{
		Database:       db,
		TransactionIDs: boost.NewUUIDProvider(),
		Clock:          clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	fetcher := newFakeStats()
	stamps := newCountingStamps(clock.Now)
	recorder := &fakeRecorder{}
	reconciler, err := NewReconciler(Config{
		Database: db,
		Ledger:   ledger,
		Fetcher:  fetcher,
		Stamps:   stamps,
		Recorder: recorder,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	return &workerFixture{db: db, ledger: ledger, clock: clock, fetcher: fetcher, stamps: stamps, recorder: recorder, reconciler: reconciler}
}

func (f *workerFixture) seedPlan(t *testing.T, plan boost.BoostPlan) boost.BoostPlan {
	t.Helper()
	plan.IsActive = true
	if plan.Duration == 0 {
		plan.Duration = 15
	}
	if err := f.db.Create(&plan).Error; err != nil {
		t.Fatalf("failed to seed plan: %v", err)
	}
	return plan
}

func (f *workerFixture) seedOrder(t *testing.T, order boost.Order, createdAt time.Time) boost.Order {
	t.Helper()
	if order.Status == "" {
		order.Status = boost.OrderStatusActive
	}
	if order.UserID == "" {
		order.UserID = "owner"
	}
	order.ProgressViewCount = order.InitialViewCount
	order.ProgressLikeCount = order.InitialLikeCount
	order.ProgressSubscriberCount = order.InitialSubscriberCount
	order.CreatedAt = createdAt
	order.UpdatedAt = createdAt
	if err := f.db.Create(&order).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	return order
}

func (f *workerFixture) loadOrder(t *testing.T, orderID string) boost.Order {
	t.Helper()
	var order boost.Order
	if err := f.db.Where("id = ?", orderID).Take(&order).Error; err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	return order
}

func channelKey(t *testing.T, url string) string {
	t.Helper()
	ref, ok := stats.ExtractChannelRef(url)
	if !ok {
		t.Fatalf("expected a channel reference in %s", url)
	}
	return ref.Key()
}
