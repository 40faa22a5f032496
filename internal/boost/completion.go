package boost

import "github.com/MarcoPoloResearchLab/viewboost/backend/internal/stats"

// EvaluateVideo folds freshly fetched video counters into an order. The order is
// complete once both the view and like deltas reach the plan thresholds.
func EvaluateVideo(order Order, plan BoostPlan, fetched stats.VideoStats) ProgressUpdate {
	update := ProgressUpdate{
		Progress: Counts{
			ViewCount:       fetched.ViewCount,
			LikeCount:       fetched.LikeCount,
			SubscriberCount: order.ProgressSubscriberCount,
		},
	}
	if fetched.ViewCount-order.InitialViewCount >= plan.Views &&
		fetched.LikeCount-order.InitialLikeCount >= plan.Likes {
		update.Complete = true
		update.Final = update.Progress
	}
	return update
}

// EvaluateChannel folds a fetched subscriber count into an order. The order is
// complete once the subscriber delta reaches the plan threshold.
func EvaluateChannel(order Order, plan BoostPlan, subscribers int64) ProgressUpdate {
	update := ProgressUpdate{
		Progress: Counts{
			ViewCount:       order.ProgressViewCount,
			LikeCount:       order.ProgressLikeCount,
			SubscriberCount: subscribers,
		},
	}
	if subscribers-order.InitialSubscriberCount >= plan.Subscribers {
		update.Complete = true
		update.Final = update.Progress
	}
	return update
}

// CompleteFromDetails closes an order with ground truth fetched for its URL.
func CompleteFromDetails(order Order, details stats.Details) ProgressUpdate {
	progress := Counts{
		ViewCount:       details.ViewCount,
		LikeCount:       details.LikeCount,
		SubscriberCount: order.ProgressSubscriberCount,
	}
	if details.Kind == stats.KindChannel {
		progress = Counts{
			ViewCount:       order.ProgressViewCount,
			LikeCount:       order.ProgressLikeCount,
			SubscriberCount: details.SubscriberCount,
		}
	}
	return ProgressUpdate{Progress: progress, Complete: true, Final: progress}
}

// WatchTargetReached reports whether credited watches meet the plan's view target.
func WatchTargetReached(order Order, plan BoostPlan, completedCount int64) bool {
	return order.Status != OrderStatusCompleted && plan.Views > 0 && completedCount >= plan.Views
}
