package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/boost"
	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/worker"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const adminSubjectContextKey = "boost_admin_subject"

var (
	errMissingUsers      = errors.New("user registry dependency required")
	errMissingOrders     = errors.New("order service dependency required")
	errMissingSelector   = errors.New("order selector dependency required")
	errMissingRewards    = errors.New("reward processor dependency required")
	errMissingReconciler = errors.New("reconciler dependency required")
	errMissingAdminAuth  = errors.New("admin token validator dependency required")
)

type UserRegistry interface {
	Register(ctx context.Context, userID string, pushHandle string) (boost.Account, error)
	Touch(ctx context.Context, userID string) error
	Known(ctx context.Context, userID string) (bool, error)
}

type OrderMaker interface {
	MakeOrder(ctx context.Context, request boost.MakeOrderRequest) (boost.PurchaseReceipt, error)
}

type OrderSelector interface {
	SelectForUser(ctx context.Context, userID string) (boost.Offer, error)
}

type RewardClaimer interface {
	Process(ctx context.Context, request boost.RewardRequest) (boost.RewardResult, error)
}

type OrderReconciler interface {
	RunOnce(ctx context.Context) (worker.RunSummary, error)
	RefreshOrder(ctx context.Context, orderID string) (boost.Order, error)
}

type AdminTokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

type Dependencies struct {
	Users          UserRegistry
	Orders         OrderMaker
	Selector       OrderSelector
	Rewards        RewardClaimer
	Reconciler     OrderReconciler
	AdminTokens    AdminTokenValidator
	Metrics        http.Handler
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Orders == nil:
		return nil, errMissingOrders
	case deps.Selector == nil:
		return nil, errMissingSelector
	case deps.Rewards == nil:
		return nil, errMissingRewards
	case deps.Reconciler == nil:
		return nil, errMissingReconciler
	case deps.AdminTokens == nil:
		return nil, errMissingAdminAuth
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		users:      deps.Users,
		orders:     deps.Orders,
		selector:   deps.Selector,
		rewards:    deps.Rewards,
		reconciler: deps.Reconciler,
		admin:      deps.AdminTokens,
		clock:      clock,
		startedAt:  clock(),
		logger:     logger,
	}

	router.GET("/health", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api")
	api.POST("/user/register", handler.handleRegister)
	api.POST("/user/:userId/ping", handler.handlePing)
	api.POST("/order", handler.handleMakeOrder)
	api.GET("/order/earn/:userId", handler.handleEarn)
	api.POST("/order/reward", handler.handleReward)

	admin := api.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.POST("/orders/:orderId/refresh", handler.handleRefreshOrder)
	admin.POST("/worker/run", handler.handleRunWorker)

	return router, nil
}

type httpHandler struct {
	users      UserRegistry
	orders     OrderMaker
	selector   OrderSelector
	rewards    RewardClaimer
	reconciler OrderReconciler
	admin      AdminTokenValidator
	clock      func() time.Time
	startedAt  time.Time
	logger     *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.admin.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredAdminToken) || errors.Is(err, auth.ErrMissingAdminToken) {
			h.logger.Info("admin token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("admin token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, failurePayload{Error: "unauthorized", Message: "admin authorization required"})
		return
	}
	c.Set(adminSubjectContextKey, claims.Subject)
	c.Next()
}

type successPayload struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type failurePayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, successPayload{Success: true, Data: data})
}

func respondInvalid(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, failurePayload{Error: string(boost.KindInvalidInput), Message: message})
}

// respondError maps a service failure onto the HTTP status of its kind.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	kind := boost.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	c.JSON(status, failurePayload{Error: string(kind), Message: boost.MessageOf(err)})
}

func statusForKind(kind boost.Kind) int {
	switch kind {
	case boost.KindInvalidInput, boost.KindBadToken, boost.KindShortDuration, boost.KindInsufficientBalance:
		return http.StatusBadRequest
	case boost.KindNotFound, boost.KindNothingAvailable:
		return http.StatusNotFound
	case boost.KindDuplicate:
		return http.StatusConflict
	case boost.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
