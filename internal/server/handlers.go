package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/boost"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const rewardCreditedMessage = "Reward credited"

type healthPayload struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	uptime := h.clock().Sub(h.startedAt)
	respondOK(c, http.StatusOK, healthPayload{Status: "ok", UptimeSeconds: int64(uptime / time.Second)})
}

type registerRequestPayload struct {
	UserID     string `json:"userId"`
	PushHandle string `json:"pushHandle"`
}

type userPayload struct {
	UserID       string    `json:"userId"`
	PushHandle   *string   `json:"pushHandle"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

type walletPayload struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

type accountPayload struct {
	User    userPayload   `json:"user"`
	Wallet  walletPayload `json:"wallet"`
	Created bool          `json:"created"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		respondInvalid(c, "userId is required")
		return
	}

	account, err := h.users.Register(c.Request.Context(), request.UserID, request.PushHandle)
	if err != nil {
		h.respondError(c, "register", err)
		return
	}
	status := http.StatusOK
	if account.Created {
		status = http.StatusCreated
	}
	respondOK(c, status, accountPayload{
		User:    newUserPayload(account.User),
		Wallet:  newWalletPayload(account.Wallet),
		Created: account.Created,
	})
}

func (h *httpHandler) handlePing(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.users.Touch(c.Request.Context(), userID); err != nil {
		h.respondError(c, "ping", err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"userId": strings.TrimSpace(userID)})
}

type makeOrderRequestPayload struct {
	UserID string `json:"userId"`
	PlanID uint64 `json:"planId"`
	Link   string `json:"link"`
}

type orderPayload struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	PlanID         uint64        `json:"planId"`
	URL            string        `json:"url"`
	Title          string        `json:"title"`
	ThumbnailURL   string        `json:"thumbnailUrl"`
	Status         string        `json:"status"`
	Initial        boost.Counts  `json:"initial"`
	Progress       boost.Counts  `json:"progress"`
	Final          *boost.Counts `json:"final,omitempty"`
	CompletedCount int64         `json:"completedCount"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

type transactionPayload struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	Type        string    `json:"type"`
	Source      string    `json:"source"`
	Status      string    `json:"status"`
	ExternalRef string    `json:"externalRef"`
	CreatedAt   time.Time `json:"createdAt"`
}

type purchasePayload struct {
	Order       orderPayload       `json:"order"`
	Transaction transactionPayload `json:"transaction"`
	Wallet      walletPayload      `json:"wallet"`
}

func (h *httpHandler) handleMakeOrder(c *gin.Context) {
	var request makeOrderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid request body")
		return
	}

	receipt, err := h.orders.MakeOrder(c.Request.Context(), boost.MakeOrderRequest{
		UserID: request.UserID,
		PlanID: request.PlanID,
		Link:   request.Link,
	})
	if err != nil {
		h.respondError(c, "make_order", err)
		return
	}
	respondOK(c, http.StatusCreated, purchasePayload{
		Order:       newOrderPayload(receipt.Order),
		Transaction: newTransactionPayload(receipt.Transaction),
		Wallet:      newWalletPayload(receipt.Wallet),
	})
}

type offerPayload struct {
	URL      string `json:"url"`
	Token    string `json:"token"`
	Duration int64  `json:"duration"`
	Reward   int64  `json:"reward"`
}

func (h *httpHandler) handleEarn(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if userID == "" {
		respondInvalid(c, "userId is required")
		return
	}

	known, err := h.users.Known(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "earn", err)
		return
	}
	if !known {
		c.JSON(http.StatusNotFound, failurePayload{Error: string(boost.KindNotFound), Message: "user not found"})
		return
	}

	offer, err := h.selector.SelectForUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "earn", err)
		return
	}
	respondOK(c, http.StatusOK, offerPayload{
		URL:      offer.URL,
		Token:    offer.Token,
		Duration: offer.Duration,
		Reward:   offer.Reward,
	})
}

type rewardRequestPayload struct {
	Token    string  `json:"token"`
	Duration float64 `json:"duration"`
}

type rewardPayload struct {
	Message      string `json:"message"`
	RewardAmount int64  `json:"rewardAmount"`
	Balance      int64  `json:"balance"`
	Completed    bool   `json:"completed"`
}

func (h *httpHandler) handleReward(c *gin.Context) {
	var request rewardRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid request body")
		return
	}

	result, err := h.rewards.Process(c.Request.Context(), boost.RewardRequest{
		Token:    request.Token,
		Duration: request.Duration,
	})
	if err != nil {
		h.respondError(c, "reward", err)
		return
	}
	respondOK(c, http.StatusOK, rewardPayload{
		Message:      rewardCreditedMessage,
		RewardAmount: result.RewardAmount,
		Balance:      result.Balance,
		Completed:    result.Completed,
	})
}

func (h *httpHandler) handleRefreshOrder(c *gin.Context) {
	orderID := c.Param("orderId")
	order, err := h.reconciler.RefreshOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, "refresh_order", err)
		return
	}
	h.logger.Info("order refreshed by admin",
		zap.String("order_id", order.ID),
		zap.String("admin", c.GetString(adminSubjectContextKey)),
		zap.String("status", string(order.Status)),
	)
	respondOK(c, http.StatusOK, newOrderPayload(order))
}

func (h *httpHandler) handleRunWorker(c *gin.Context) {
	summary, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		h.respondError(c, "run_worker", err)
		return
	}
	respondOK(c, http.StatusOK, summary)
}

func newUserPayload(user boost.User) userPayload {
	return userPayload{UserID: user.UserID, PushHandle: user.PushHandle, LastActiveAt: user.LastActiveAt}
}

func newWalletPayload(wallet boost.Wallet) walletPayload {
	return walletPayload{UserID: wallet.UserID, Balance: wallet.Balance}
}

func newTransactionPayload(transaction boost.Transaction) transactionPayload {
	return transactionPayload{
		ID:          transaction.ID,
		UserID:      transaction.UserID,
		Amount:      transaction.Amount,
		Type:        string(transaction.Type),
		Source:      transaction.Source,
		Status:      string(transaction.Status),
		ExternalRef: transaction.ExternalRef,
		CreatedAt:   transaction.CreatedAt,
	}
}

func newOrderPayload(order boost.Order) orderPayload {
	payload := orderPayload{
		ID:           order.ID,
		UserID:       order.UserID,
		PlanID:       order.PlanID,
		URL:          order.URL,
		Title:        order.Title,
		ThumbnailURL: order.ThumbnailURL,
		Status:       string(order.Status),
		Initial: boost.Counts{
			ViewCount:       order.InitialViewCount,
			LikeCount:       order.InitialLikeCount,
			SubscriberCount: order.InitialSubscriberCount,
		},
		Progress: boost.Counts{
			ViewCount:       order.ProgressViewCount,
			LikeCount:       order.ProgressLikeCount,
			SubscriberCount: order.ProgressSubscriberCount,
		},
		CompletedCount: order.CompletedCount,
		CreatedAt:      order.CreatedAt,
		UpdatedAt:      order.UpdatedAt,
	}
	if order.Status == boost.OrderStatusCompleted {
		payload.Final = &boost.Counts{
			ViewCount:       valueOrZero(order.FinalViewCount),
			LikeCount:       valueOrZero(order.FinalLikeCount),
			SubscriberCount: valueOrZero(order.FinalSubscriberCount),
		}
	}
	return payload
}

func valueOrZero(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}
