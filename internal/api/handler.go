package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketplace-core/internal/ledger"
	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/models"
	"marketplace-core/internal/service"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const actorKey = "actor"

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	listings *service.ListingService
	saga     *service.SagaOrchestrator
	orders   *service.OrderService
	checks   map[string]Check
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are consulted by /ready.
func NewHandler(listings *service.ListingService, saga *service.SagaOrchestrator, orders *service.OrderService, checks map[string]Check) *Handler {
	return &Handler{
		listings: listings,
		saga:     saga,
		orders:   orders,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(actorMiddleware())
	{
		v1.POST("/listings", h.createListing)
		v1.GET("/listings", h.listListings)
		v1.GET("/listings/:id", h.getListing)
		v1.GET("/listings/:id/pricing", h.quote)
		v1.POST("/listings/:id/bids", h.placeBid)
		v1.POST("/listings/:id/bids/:bidId/accept", h.acceptBid)
		v1.POST("/listings/:id/bids/:bidId/reject", h.rejectBid)
		v1.POST("/listings/:id/bids/:bidId/counteroffers", h.makeCounteroffer)
		v1.POST("/listings/:id/counteroffers/:coId/respond", h.respondToCounteroffer)

		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/confirm-payment", h.confirmPayment)
		v1.POST("/orders/:id/start-authentication", h.startAuthentication)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/deliver", h.markDelivered)
		v1.POST("/orders/:id/confirm-receipt", h.confirmReceipt)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.GET("/authentication-requests/:id", h.getAuthenticationRequest)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failing[name] = "unavailable"
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "not ready",
			"dependencies": failing,
			"time":         time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type counterofferRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message"`
}

type respondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) createListing(c *gin.Context) {
	var req ledger.ListingInput
	if !bindJSON(c, &req) {
		return
	}

	listing, err := h.listings.CreateListing(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

func (h *Handler) listListings(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		badRequest(c, "Invalid limit")
		return
	}

	listings, err := h.listings.ListListings(c.Request.Context(), store.ListingFilter{
		SellerID: c.Query("seller_id"),
		Status:   c.Query("status"),
		Limit:    limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings})
}

func (h *Handler) getListing(c *gin.Context) {
	listing, err := h.listings.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *Handler) quote(c *gin.Context) {
	amount := decimal.Zero
	if raw := c.Query("amount"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			badRequest(c, "Invalid amount")
			return
		}
		amount = parsed
	}

	q, err := h.listings.Quote(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *Handler) placeBid(c *gin.Context) {
	var req placeBidRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.listings.PlaceBid(c.Request.Context(), actorFrom(c), c.Param("id"), req.Amount, c.GetHeader("Idempotency-Key"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) acceptBid(c *gin.Context) {
	res, err := h.saga.AcceptBid(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("bidId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Reconciling {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *Handler) rejectBid(c *gin.Context) {
	bid, err := h.listings.RejectBid(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("bidId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

func (h *Handler) makeCounteroffer(c *gin.Context) {
	var req counterofferRequest
	if !bindJSON(c, &req) {
		return
	}

	co, err := h.listings.MakeCounteroffer(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("bidId"), req.Amount, req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, co)
}

func (h *Handler) respondToCounteroffer(c *gin.Context) {
	var req respondRequest
	if !bindJSON(c, &req) {
		return
	}

	co, err := h.listings.RespondToCounteroffer(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("coId"), *req.Accept)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, co)
}

func (h *Handler) listOrders(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		badRequest(c, "Invalid limit")
		return
	}

	orders, err := h.orders.ListOrders(c.Request.Context(), actorFrom(c), store.OrderFilter{
		BuyerID:  c.Query("buyer_id"),
		SellerID: c.Query("seller_id"),
		Status:   c.Query("status"),
		Limit:    limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	h.respondOrder(c, http.StatusOK)(h.orders.GetOrder(c.Request.Context(), actorFrom(c), c.Param("id")))
}

func (h *Handler) confirmPayment(c *gin.Context) {
	h.respondOrder(c, http.StatusOK)(h.orders.ConfirmPayment(c.Request.Context(), actorFrom(c), c.Param("id")))
}

func (h *Handler) startAuthentication(c *gin.Context) {
	h.respondOrder(c, http.StatusAccepted)(h.orders.StartAuthentication(c.Request.Context(), actorFrom(c), c.Param("id")))
}

func (h *Handler) shipOrder(c *gin.Context) {
	var req service.ShipInput
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	h.respondOrder(c, http.StatusOK)(h.orders.ShipOrder(c.Request.Context(), actorFrom(c), c.Param("id"), req))
}

func (h *Handler) markDelivered(c *gin.Context) {
	h.respondOrder(c, http.StatusOK)(h.orders.MarkDelivered(c.Request.Context(), actorFrom(c), c.Param("id")))
}

func (h *Handler) confirmReceipt(c *gin.Context) {
	h.respondOrder(c, http.StatusOK)(h.orders.ConfirmReceipt(c.Request.Context(), actorFrom(c), c.Param("id")))
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	h.respondOrder(c, http.StatusOK)(h.orders.CancelOrder(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason))
}

func (h *Handler) getAuthenticationRequest(c *gin.Context) {
	req, err := h.orders.GetAuthenticationRequest(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *Handler) respondOrder(c *gin.Context, status int) func(*models.Order, error) {
	return func(o *models.Order, err error) {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(status, o)
	}
}

// fail writes the error response for err. Infrastructure failures are logged in
// full and answered with a generic message.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": marketerr.CodeOf(err)}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		body["message"] = "The service is temporarily unable to complete the request, please retry."
	} else {
		body["message"] = err.Error()
	}
	c.JSON(status, body)
}

// statusFor maps an error's kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, marketerr.ErrForbidden) || errors.Is(err, marketerr.ErrUnverified) {
		return http.StatusForbidden
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}

	switch marketerr.KindOf(err) {
	case marketerr.KindValidation:
		return http.StatusBadRequest
	case marketerr.KindStateConflict:
		return http.StatusConflict
	case marketerr.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	case marketerr.KindNotFound:
		return http.StatusNotFound
	case marketerr.KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case marketerr.KindCapacity:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// actorMiddleware reads the caller identity established by the gateway in front of
// the service.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		verified, _ := strconv.ParseBool(c.GetHeader("X-User-Verified"))
		c.Set(actorKey, models.Actor{
			UserID:   c.GetHeader("X-User-ID"),
			Verified: verified,
		})
		c.Next()
	}
}

func actorFrom(c *gin.Context) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(models.Actor); ok {
			return actor
		}
	}
	return models.Actor{}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
