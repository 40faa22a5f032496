package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/boost"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/stats"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize  = 50
	defaultStaleAfter = 20 * time.Hour

	opRefreshOrder = "worker.refresh_order"

	runResultOK      = "ok"
	runResultFailed  = "failed"
	runResultSkipped = "skipped"

	outcomeCompleted   = "completed"
	outcomeProgressed  = "progressed"
	outcomeUnchanged   = "unchanged"
	outcomeFailed      = "failed"
	outcomeUnsupported = "unsupported"
)

var (
	ErrMissingDatabase = errors.New("worker: database handle is required")
	ErrMissingLedger   = errors.New("worker: ledger is required")
	ErrMissingFetcher  = errors.New("worker: stats fetcher is required")
)

// StatsFetcher is the slice of the stats client the reconciler depends on.
type StatsFetcher interface {
	FetchVideoStats(ctx context.Context, ids []string) (map[string]stats.VideoStats, error)
	FetchChannelStats(ctx context.Context, refs []stats.ChannelRef) map[string]stats.ChannelStats
	FetchDetails(ctx context.Context, rawURL string) (stats.Details, error)
}

// RunRecorder observes reconciliation runs.
type RunRecorder interface {
	RecordRun(result string, elapsed time.Duration)
	RecordOrders(outcome string, count int)
}

// ProgressApplier persists progress snapshots and check times. *boost.Ledger satisfies it.
type ProgressApplier interface {
	ApplyProgress(ctx context.Context, orderID string, update boost.ProgressUpdate) (bool, error)
	MarkChecked(ctx context.Context, orderIDs []string) (int64, error)
}

// Config wires the reconciler.
type Config struct {
	Database   *gorm.DB
	Ledger     ProgressApplier
	Fetcher    StatsFetcher
	Stamps     cache.Stamps
	Recorder   RunRecorder
	BatchSize  int
	StaleAfter time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// RunSummary reports what one pass did.
type RunSummary struct {
	Skipped     bool `json:"skipped"`
	Selected    int  `json:"selected"`
	Progressed  int  `json:"progressed"`
	Completed   int  `json:"completed"`
	Unchanged   int  `json:"unchanged"`
	Failed      int  `json:"failed"`
	Unsupported int  `json:"unsupported"`
}

func (s RunSummary) mutated() int {
	return s.Progressed + s.Completed
}

// Reconciler periodically pulls fresh statistics for stale active orders and
// completes the ones whose plan thresholds are met.
type Reconciler struct {
	db         *gorm.DB
	ledger     ProgressApplier
	fetcher    StatsFetcher
	stamps     cache.Stamps
	recorder   RunRecorder
	batchSize  int
	staleAfter time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	running    atomic.Bool
}

type candidate struct {
	order boost.Order
	plan  boost.BoostPlan
}

// NewReconciler validates the configuration.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	if cfg.Ledger == nil {
		return nil, ErrMissingLedger
	}
	if cfg.Fetcher == nil {
		return nil, ErrMissingFetcher
	}
	stamps := cfg.Stamps
	if stamps == nil {
		stamps = cache.Discard{}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:         cfg.Database,
		ledger:     cfg.Ledger,
		fetcher:    cfg.Fetcher,
		stamps:     stamps,
		recorder:   cfg.Recorder,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		clock:      clock,
		logger:     logger,
	}, nil
}

// RunOnce performs one reconciliation pass. A pass started while another is
// still running returns a skipped summary.
func (r *Reconciler) RunOnce(ctx context.Context) (summary RunSummary, err error) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Info("reconciliation already running, skipping")
		r.recordRun(runResultSkipped, 0)
		return RunSummary{Skipped: true}, nil
	}
	defer r.running.Store(false)

	started := r.clock()
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("reconciliation panicked", zap.Any("panic", recovered), zap.Stack("stack"))
			err = fmt.Errorf("worker: reconciliation panicked: %v", recovered)
		}
		result := runResultOK
		if err != nil {
			result = runResultFailed
		}
		r.recordRun(result, r.clock().Sub(started))
		r.recordOutcomes(summary)
	}()

	candidates, checked, err := r.loadCandidates(ctx)
	if err != nil {
		r.logger.Error("reconciliation query failed", zap.Error(err))
		return RunSummary{}, err
	}
	summary.Selected = len(candidates) + len(checked)
	if summary.Selected == 0 {
		return summary, nil
	}

	var videos, channels []candidate
	for _, c := range candidates {
		switch stats.Classify(c.order.URL) {
		case stats.KindVideo, stats.KindShorts:
			videos = append(videos, c)
		case stats.KindChannel:
			channels = append(channels, c)
		default:
			summary.Unsupported++
			checked = append(checked, c.order.ID)
			r.logger.Warn("skipping order with unsupported url",
				zap.String("order_id", c.order.ID),
				zap.String("url", c.order.URL),
			)
		}
	}

	checked = append(checked, r.reconcileVideos(ctx, videos, &summary)...)
	checked = append(checked, r.reconcileChannels(ctx, channels, &summary)...)
	r.markChecked(ctx, checked)

	if summary.mutated() > 0 {
		if touchErr := r.stamps.Touch(ctx, cache.OrderListKey()); touchErr != nil {
			r.logger.Warn("order list invalidation failed", zap.Error(touchErr))
		}
	}

	r.logger.Info("reconciliation finished",
		zap.Int("selected", summary.Selected),
		zap.Int("progressed", summary.Progressed),
		zap.Int("completed", summary.Completed),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("failed", summary.Failed),
		zap.Int("unsupported", summary.Unsupported),
	)
	return summary, nil
}

// RefreshOrder reconciles a single order synchronously, regardless of staleness.
func (r *Reconciler) RefreshOrder(ctx context.Context, orderID string) (boost.Order, error) {
	if orderID == "" {
		return boost.Order{}, boost.NewError(boost.KindInvalidInput, opRefreshOrder, "missing_order_id", "order id is required", boost.ErrInvalidInput)
	}
	c, err := r.loadCandidate(ctx, orderID)
	if err != nil {
		return boost.Order{}, err
	}
	if c.order.Status == boost.OrderStatusCompleted {
		return c.order, nil
	}

	var update boost.ProgressUpdate
	switch stats.Classify(c.order.URL) {
	case stats.KindVideo, stats.KindShorts:
		videoID, ok := stats.ExtractVideoID(c.order.URL)
		if !ok {
			return boost.Order{}, boost.NewError(boost.KindInvalidInput, opRefreshOrder, "unsupported_url", "order url is not supported", stats.ErrUnsupportedURL)
		}
		fetched, fetchErr := r.fetcher.FetchVideoStats(ctx, []string{videoID})
		item, found := fetched[videoID]
		if !found {
			cause := fetchErr
			if cause == nil {
				cause = stats.ErrVideoNotFound
			}
			return boost.Order{}, boost.NewError(boost.KindUpstream, opRefreshOrder, "stats_unavailable", "could not fetch statistics", cause)
		}
		update = boost.EvaluateVideo(c.order, c.plan, item)
	case stats.KindChannel:
		ref, ok := stats.ExtractChannelRef(c.order.URL)
		if !ok {
			return boost.Order{}, boost.NewError(boost.KindInvalidInput, opRefreshOrder, "unsupported_url", "order url is not supported", stats.ErrUnsupportedURL)
		}
		item := r.fetcher.FetchChannelStats(ctx, []stats.ChannelRef{ref})[ref.Key()]
		if item.Err != nil {
			return boost.Order{}, boost.NewError(boost.KindUpstream, opRefreshOrder, "stats_unavailable", "could not fetch statistics", item.Err)
		}
		update = boost.EvaluateChannel(c.order, c.plan, item.SubscriberCount)
	default:
		return boost.Order{}, boost.NewError(boost.KindInvalidInput, opRefreshOrder, "unsupported_url", "order url is not supported", stats.ErrUnsupportedURL)
	}

	applied, err := r.ledger.ApplyProgress(ctx, c.order.ID, update)
	if err != nil {
		return boost.Order{}, err
	}
	if applied {
		r.invalidateOrder(ctx, c.order)
		if touchErr := r.stamps.Touch(ctx, cache.OrderListKey()); touchErr != nil {
			r.logger.Warn("order list invalidation failed", zap.Error(touchErr))
		}
	}

	refreshed, err := r.loadCandidate(ctx, orderID)
	if err != nil {
		return boost.Order{}, err
	}
	return refreshed.order, nil
}

// reconcileVideos returns the orders that were looked at but could not progress
// for a lasting reason and should wait for the next stale window.
func (r *Reconciler) reconcileVideos(ctx context.Context, batch []candidate, summary *RunSummary) []string {
	if len(batch) == 0 {
		return nil
	}
	var checked []string
	byVideo := make(map[string][]candidate, len(batch))
	ids := make([]string, 0, len(batch))
	for _, c := range batch {
		videoID, ok := stats.ExtractVideoID(c.order.URL)
		if !ok {
			summary.Unsupported++
			checked = append(checked, c.order.ID)
			r.logger.Warn("skipping order without a video id", zap.String("order_id", c.order.ID), zap.String("url", c.order.URL))
			continue
		}
		if _, seen := byVideo[videoID]; !seen {
			ids = append(ids, videoID)
		}
		byVideo[videoID] = append(byVideo[videoID], c)
	}
	if len(ids) == 0 {
		return checked
	}

	fetched, err := r.fetcher.FetchVideoStats(ctx, ids)
	if err != nil {
		r.logger.Error("video stats fetch failed", zap.Int("videos", len(ids)), zap.Int("fetched", len(fetched)), zap.Error(err))
	}
	for videoID, group := range byVideo {
		item, found := fetched[videoID]
		for _, c := range group {
			if !found {
				summary.Unchanged++
				// A failed fetch leaves the order at the head of the queue for the next run.
				if err == nil {
					checked = append(checked, c.order.ID)
				}
				continue
			}
			r.apply(ctx, c.order, boost.EvaluateVideo(c.order, c.plan, item), summary)
		}
	}
	return checked
}

func (r *Reconciler) reconcileChannels(ctx context.Context, batch []candidate, summary *RunSummary) []string {
	if len(batch) == 0 {
		return nil
	}
	var checked []string
	byChannel := make(map[string][]candidate, len(batch))
	refs := make([]stats.ChannelRef, 0, len(batch))
	for _, c := range batch {
		ref, ok := stats.ExtractChannelRef(c.order.URL)
		if !ok {
			summary.Unsupported++
			checked = append(checked, c.order.ID)
			r.logger.Warn("skipping order without a channel reference", zap.String("order_id", c.order.ID), zap.String("url", c.order.URL))
			continue
		}
		key := ref.Key()
		if _, seen := byChannel[key]; !seen {
			refs = append(refs, ref)
		}
		byChannel[key] = append(byChannel[key], c)
	}
	if len(refs) == 0 {
		return checked
	}

	fetched := r.fetcher.FetchChannelStats(ctx, refs)
	for key, group := range byChannel {
		item, found := fetched[key]
		for _, c := range group {
			if !found || item.Err != nil {
				summary.Unchanged++
				if !found || errors.Is(item.Err, stats.ErrChannelNotFound) {
					checked = append(checked, c.order.ID)
				}
				continue
			}
			r.apply(ctx, c.order, boost.EvaluateChannel(c.order, c.plan, item.SubscriberCount), summary)
		}
	}
	return checked
}

func (r *Reconciler) markChecked(ctx context.Context, orderIDs []string) {
	if len(orderIDs) == 0 {
		return
	}
	if _, err := r.ledger.MarkChecked(ctx, orderIDs); err != nil {
		r.logger.Warn("marking unchanged orders as checked failed", zap.Int("orders", len(orderIDs)), zap.Error(err))
	}
}

func (r *Reconciler) apply(ctx context.Context, order boost.Order, update boost.ProgressUpdate, summary *RunSummary) {
	applied, err := r.ledger.ApplyProgress(ctx, order.ID, update)
	if err != nil {
		summary.Failed++
		r.logger.Error("order progress update failed", zap.String("order_id", order.ID), zap.Error(err))
		return
	}
	if !applied {
		summary.Unchanged++
		return
	}
	if update.Complete {
		summary.Completed++
		r.logger.Info("order completed", zap.String("order_id", order.ID), zap.String("user_id", order.UserID))
	} else {
		summary.Progressed++
	}
	r.invalidateOrder(ctx, order)
}

func (r *Reconciler) invalidateOrder(ctx context.Context, order boost.Order) {
	if err := r.stamps.Touch(ctx, cache.OrderDetailKey(order.ID), cache.UserOrdersKey(order.UserID)); err != nil {
		r.logger.Warn("order invalidation failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// loadCandidates returns the stale active orders with their plans, plus the ids
// of selected orders whose plan is gone.
func (r *Reconciler) loadCandidates(ctx context.Context) ([]candidate, []string, error) {
	cutoff := r.clock().UTC().Add(-r.staleAfter)

	var orders []boost.Order
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ? AND created_at < ?", boost.OrderStatusActive, cutoff, cutoff).
		Order("updated_at ASC").
		Limit(r.batchSize).
		Find(&orders).Error; err != nil {
		return nil, nil, err
	}
	if len(orders) == 0 {
		return nil, nil, nil
	}

	plans, err := r.loadPlans(ctx, orders)
	if err != nil {
		return nil, nil, err
	}
	candidates := make([]candidate, 0, len(orders))
	var orphaned []string
	for _, order := range orders {
		plan, ok := plans[order.PlanID]
		if !ok {
			orphaned = append(orphaned, order.ID)
			r.logger.Warn("skipping order without plan", zap.String("order_id", order.ID), zap.Uint64("plan_id", order.PlanID))
			continue
		}
		candidates = append(candidates, candidate{order: order, plan: plan})
	}
	return candidates, orphaned, nil
}

func (r *Reconciler) loadPlans(ctx context.Context, orders []boost.Order) (map[uint64]boost.BoostPlan, error) {
	ids := make([]uint64, 0, len(orders))
	seen := make(map[uint64]struct{}, len(orders))
	for _, order := range orders {
		if _, ok := seen[order.PlanID]; ok {
			continue
		}
		seen[order.PlanID] = struct{}{}
		ids = append(ids, order.PlanID)
	}

	var plans []boost.BoostPlan
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&plans).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint64]boost.BoostPlan, len(plans))
	for _, plan := range plans {
		byID[plan.ID] = plan
	}
	return byID, nil
}

func (r *Reconciler) loadCandidate(ctx context.Context, orderID string) (candidate, error) {
	var order boost.Order
	if err := r.db.WithContext(ctx).Where("id = ?", orderID).Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return candidate{}, boost.NewError(boost.KindNotFound, opRefreshOrder, "order_not_found", "order not found", boost.ErrOrderNotFound)
		}
		r.logger.Error("order lookup failed", zap.String("operation", opRefreshOrder), zap.String("order_id", orderID), zap.Error(err))
		return candidate{}, boost.NewError(boost.KindInternal, opRefreshOrder, "order_lookup_failed", "", err)
	}
	var plan boost.BoostPlan
	if err := r.db.WithContext(ctx).Where("id = ?", order.PlanID).Take(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return candidate{}, boost.NewError(boost.KindNotFound, opRefreshOrder, "plan_not_found", "plan not found", boost.ErrPlanNotFound)
		}
		return candidate{}, boost.NewError(boost.KindInternal, opRefreshOrder, "plan_lookup_failed", "", err)
	}
	return candidate{order: order, plan: plan}, nil
}

func (r *Reconciler) recordRun(result string, elapsed time.Duration) {
	if r.recorder != nil {
		r.recorder.RecordRun(result, elapsed)
	}
}

func (r *Reconciler) recordOutcomes(summary RunSummary) {
	if r.recorder == nil || summary.Skipped {
		return
	}
	r.recorder.RecordOrders(outcomeCompleted, summary.Completed)
	r.recorder.RecordOrders(outcomeProgressed, summary.Progressed)
	r.recorder.RecordOrders(outcomeUnchanged, summary.Unchanged)
	r.recorder.RecordOrders(outcomeFailed, summary.Failed)
	r.recorder.RecordOrders(outcomeUnsupported, summary.Unsupported)
}
