package boost

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/stats"
	"gorm.io/gorm"
)

const testVideoURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

type rewardFixture struct {
	db        *gorm.DB
	clock     *testClock
	ledger    *Ledger
	tokens    *auth.EarningTokens
	fetcher   *fakeFetcher
	stamps    *cache.MemoryStamps
	recorder  *recordedStates
	orders    *OrderService
	selector  *Selector
	processor *RewardProcessor
}

func newRewardFixture(t *testing.T) *rewardFixture {
	t.Helper()
	db := openTestDB(t)
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	ledger := newTestLedger(t, db, 100)
	tokens := newTestEarningTokens(t, clock)
	fetcher := newFakeFetcher()
	fetcher.set(testVideoURL, stats.Details{
		Kind:         stats.KindVideo,
		Title:        "A video",
		ThumbnailURL: "https://img/video.jpg",
		ViewCount:    1000,
		LikeCount:    10,
	})
	stamps := cache.NewMemoryStamps(clock.Now)
	recorder := &recordedStates{}

	orders, err := NewOrderService(OrderServiceConfig{
		Database: db,
		Ledger:   ledger,
		Fetcher:  fetcher,
		OrderIDs: &sequentialIDs{prefix: "order_"},
		Stamps:   stamps,
	})
	if err != nil {
		t.Fatalf("failed to create order service: %v", err)
	}
	selector, err := NewSelector(SelectorConfig{Database: db, Tokens: tokens})
	if err != nil {
		t.Fatalf("failed to create selector: %v", err)
	}
	processor, err := NewRewardProcessor(RewardProcessorConfig{
		Database: db,
		Ledger:   ledger,
		Tokens:   tokens,
		Fetcher:  fetcher,
		Stamps:   stamps,
		Recorder: recorder,
	})
	if err != nil {
		t.Fatalf("failed to create reward processor: %v", err)
	}

	openAccount(t, ledger, "userA")
	openAccount(t, ledger, "userB")
	return &rewardFixture{
		db:        db,
		clock:     clock,
		ledger:    ledger,
		tokens:    tokens,
		fetcher:   fetcher,
		stamps:    stamps,
		recorder:  recorder,
		orders:    orders,
		selector:  selector,
		processor: processor,
	}
}

func (f *rewardFixture) buy(t *testing.T, plan BoostPlan) Order {
	t.Helper()
	plan = seedPlan(t, f.db, plan)
	receipt, err := f.orders.MakeOrder(context.Background(), MakeOrderRequest{UserID: "userA", PlanID: plan.ID, Link: testVideoURL})
	if err != nil {
		t.Fatalf("make order failed: %v", err)
	}
	return receipt.Order
}

func TestPurchaseEarnCompleteScenario(t *testing.T) {
	f := newRewardFixture(t)
	ctx := context.Background()

	order := f.buy(t, BoostPlan{Title: "Pro", Price: 70, Views: 1, Duration: 15, Reward: 9})
	if balance := walletBalance(t, f.db, "userA"); balance != 30 {
		t.Fatalf("expected buyer balance 30, got %d", balance)
	}
	if order.Status != OrderStatusActive || order.InitialViewCount != 1000 {
		t.Fatalf("unexpected order %#v", order)
	}

	offer, err := f.selector.SelectForUser(ctx, "userB")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if offer.OrderID != order.ID || offer.Duration != 15 || offer.Reward != 9 || offer.URL != testVideoURL {
		t.Fatalf("unexpected offer %#v", offer)
	}

	f.fetcher.set(testVideoURL, stats.Details{
		Kind:         stats.KindVideo,
		Title:        "A video",
		ThumbnailURL: "https://img/video.jpg",
		ViewCount:    1500,
		LikeCount:    40,
	})
	f.clock.Advance(20 * time.Second)

	result, err := f.processor.Process(ctx, RewardRequest{Token: offer.Token, Duration: 20})
	if err != nil {
		t.Fatalf("reward failed: %v", err)
	}
	if result.State != StateCompletionChecked || result.RewardAmount != 9 || !result.Completed {
		t.Fatalf("unexpected result %#v", result)
	}
	if balance := walletBalance(t, f.db, "userB"); balance != 109 {
		t.Fatalf("expected earner balance 109, got %d", balance)
	}
	if count := countRows(t, f.db, &WatchHistory{}, "user_id = ? AND order_id = ?", "userB", order.ID); count != 1 {
		t.Fatalf("expected watch history row, got %d", count)
	}

	completed := loadOrder(t, f.db, order.ID)
	if completed.CompletedCount != 1 || completed.Status != OrderStatusCompleted {
		t.Fatalf("expected completed order, got %#v", completed)
	}
	if completed.FinalViewCount == nil || *completed.FinalViewCount != 1500 {
		t.Fatalf("expected fetched final view count, got %v", completed.FinalViewCount)
	}
	for _, key := range []string{cache.WalletKey("userB"), cache.OrderDetailKey(order.ID), cache.OrderListKey()} {
		if _, ok, _ := f.stamps.LastUpdated(ctx, key); !ok {
			t.Fatalf("expected %s to be invalidated", key)
		}
	}

	replay, err := f.processor.Process(ctx, RewardRequest{Token: offer.Token, Duration: 20})
	if KindOf(err) != KindBadToken || replay.State != StateRejectedBadToken {
		t.Fatalf("expected replay to be rejected as bad token, got %v %#v", err, replay)
	}
	if balance := walletBalance(t, f.db, "userB"); balance != 109 {
		t.Fatalf("expected replay to leave balance alone, got %d", balance)
	}
}

func TestRewardRejectsShortDurationAndConsumesToken(t *testing.T) {
	f := newRewardFixture(t)
	ctx := context.Background()
	f.buy(t, BoostPlan{Title: "Pro", Price: 70, Views: 5, Duration: 15, Reward: 9})

	offer, err := f.selector.SelectForUser(ctx, "userB")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	result, err := f.processor.Process(ctx, RewardRequest{Token: offer.Token, Duration: 3})
	if !errors.Is(err, ErrShortDuration) || KindOf(err) != KindShortDuration {
		t.Fatalf("expected short duration, got %v", err)
	}
	if result.State != StateRejectedShortDuration {
		t.Fatalf("unexpected state %s", result.State)
	}

	retry, err := f.processor.Process(ctx, RewardRequest{Token: offer.Token, Duration: 20})
	if KindOf(err) != KindBadToken || retry.State != StateRejectedBadToken {
		t.Fatalf("expected consumed token to be rejected, got %v", err)
	}
	if balance := walletBalance(t, f.db, "userB"); balance != 100 {
		t.Fatalf("expected no credit, got %d", balance)
	}
}

func TestRewardRejectsMalformedDurationBeforeTakingToken(t *testing.T) {
	f := newRewardFixture(t)
	ctx := context.Background()
	f.buy(t, BoostPlan{Title: "Pro", Price: 70, Views: 5, Duration: 15, Reward: 9})

	offer, err := f.selector.SelectForUser(ctx, "userB")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	for _, duration := range []float64{math.NaN(), math.Inf(1), -1} {
		result, err := f.processor.Process(ctx, RewardRequest{Token: offer.Token, Duration: duration})
		if KindOf(err) != KindInvalidInput || result.State != StateRejectedShortDuration {
			t.Fatalf("duration %v: expected invalid input, got %v (%s)", duration, err, result.State)
		}
	}

	result, err := f.processor.Process(ctx, RewardRequest{Token: offer.Token, Duration: 20})
	if err != nil || result.State != StateCompletionChecked || result.RewardAmount != 9 {
		t.Fatalf("expected the untouched token to still redeem, got %v (%s)", err, result.State)
	}
}

func TestRewardRejectsExpiredToken(t *testing.T) {
	f := newRewardFixture(t)
	ctx := context.Background()
	f.buy(t, BoostPlan{Title: "Pro", Price: 70, Views: 5, Duration: 15, Reward: 9})

	offer, err := f.selector.SelectForUser(ctx, "userB")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	f.clock.Advance(61 * time.Second)

	result, err := f.processor.Process(ctx, RewardRequest{Token: offer.Token, Duration: 61})
	if KindOf(err) != KindBadToken || result.State != StateRejectedBadToken {
		t.Fatalf("expected expired token rejection, got %v", err)
	}
	if MessageOf(err) != "token expired" {
		t.Fatalf("unexpected message %q", MessageOf(err))
	}
}

func TestRewardRejectsUnknownOrder(t *testing.T) {
	f := newRewardFixture(t)
	ctx := context.Background()

	token, err := f.tokens.Issue(ctx, "userB", "order_missing", "client-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	result, err := f.processor.Process(ctx, RewardRequest{Token: token, Duration: 100})
	if !errors.Is(err, ErrOrderNotFound) || KindOf(err) != KindNotFound {
		t.Fatalf("expected unknown order, got %v", err)
	}
	if result.State != StateRejectedUnknownOrder {
		t.Fatalf("unexpected state %s", result.State)
	}
}

func TestRewardRejectsSecondClaimForSameOrder(t *testing.T) {
	f := newRewardFixture(t)
	ctx := context.Background()
	order := f.buy(t, BoostPlan{Title: "Pro", Price: 70, Views: 5, Duration: 15, Reward: 9})

	first, err := f.tokens.Issue(ctx, "userB", order.ID, "client-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := f.processor.Process(ctx, RewardRequest{Token: first, Duration: 20}); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	f.clock.Advance(time.Second)
	second, err := f.tokens.Issue(ctx, "userB", order.ID, "client-2")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	result, err := f.processor.Process(ctx, RewardRequest{Token: second, Duration: 20})
	if !errors.Is(err, ErrAlreadyCredited) || KindOf(err) != KindDuplicate {
		t.Fatalf("expected duplicate claim to conflict, got %v", err)
	}
	if result.State != StateRejectedDuplicate {
		t.Fatalf("unexpected state %s", result.State)
	}
	if balance := walletBalance(t, f.db, "userB"); balance != 109 {
		t.Fatalf("expected a single credit, got %d", balance)
	}

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if len(f.recorder.states) != 2 || f.recorder.states[1] != string(StateRejectedDuplicate) {
		t.Fatalf("unexpected recorded states %v", f.recorder.states)
	}
}

func TestRewardLeavesOrderActiveWhenCompletionFetchFails(t *testing.T) {
	f := newRewardFixture(t)
	ctx := context.Background()
	order := f.buy(t, BoostPlan{Title: "Starter", Price: 10, Views: 1, Duration: 15, Reward: 5})
	f.fetcher.fail(errors.New("quota exceeded"))

	offer, err := f.selector.SelectForUser(ctx, "userB")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	result, err := f.processor.Process(ctx, RewardRequest{Token: offer.Token, Duration: 15})
	if err != nil {
		t.Fatalf("expected reward to succeed despite upstream failure: %v", err)
	}
	if result.Completed {
		t.Fatalf("expected order to stay active")
	}
	stored := loadOrder(t, f.db, order.ID)
	if stored.Status != OrderStatusActive || stored.CompletedCount != 1 {
		t.Fatalf("unexpected order %#v", stored)
	}
	if balance := walletBalance(t, f.db, "userB"); balance != 105 {
		t.Fatalf("expected credit to stand, got %d", balance)
	}
}

func TestRewardReferenceUsesSignatureTail(t *testing.T) {
	if got := rewardReference("0123456789abcdef0123456789abcdef"); got != "reward_0123456789abcdef" {
		t.Fatalf("unexpected reference %s", got)
	}
	if got := rewardReference("abc"); got != "reward_abc" {
		t.Fatalf("unexpected short reference %s", got)
	}
}
