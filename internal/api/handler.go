package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Checkout is the checkout workflow served over HTTP
type Checkout interface {
	PrepareOnlinePayment(ctx context.Context, req *service.PrepareIntentRequest) (*service.IntentResponse, error)
	PlaceOrder(ctx context.Context, req *service.PlaceOrderRequest) (*service.PlaceOrderResult, error)
}

// Orders is the order lifecycle served over HTTP
type Orders interface {
	GetOrder(ctx context.Context, userID, orderNumber string) (*models.Order, error)
	ListOrders(ctx context.Context, userID string) ([]models.Order, error)
	Cancel(ctx context.Context, userID, orderNumber, notes string) (*models.Order, error)
	UpdateStatus(ctx context.Context, userID, orderNumber string, to models.OrderStatus) (*models.Order, error)
	UpdateNotes(ctx context.Context, userID, orderNumber, notes string) (*models.Order, error)
}

// Pinger is a dependency checked by /ready
type Pinger func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	checkout  Checkout
	orders    Orders
	jwtSecret string
	required  map[string]Pinger
	optional  map[string]Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(checkout Checkout, orders Orders, jwtSecret string) *Handler {
	return &Handler{
		checkout:  checkout,
		orders:    orders,
		jwtSecret: jwtSecret,
		required:  map[string]Pinger{},
		optional:  map[string]Pinger{},
		logger:    util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency for /ready. A failing required
// check makes the service unready; a failing optional one is only reported.
func (h *Handler) AddReadinessCheck(name string, required bool, ping Pinger) {
	if required {
		h.required[name] = ping
	} else {
		h.optional[name] = ping
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(accessLog(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", AuthMiddleware(h.jwtSecret))
	{
		v1.POST("/payments/intents", h.createIntent)

		v1.POST("/orders", h.placeOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:orderId", h.getOrder)
		v1.POST("/orders/:orderId/cancel", h.cancelOrder)
		v1.PATCH("/orders/:orderId", h.updateOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, ping := range h.required {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	for name, ping := range h.optional {
		if err := ping(ctx); err != nil {
			checks[name] = "degraded: " + err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// createIntent prices the cart and opens a gateway payment intent
func (h *Handler) createIntent(c *gin.Context) {
	var req service.PrepareIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UserID = currentUser(c)

	resp, err := h.checkout.PrepareOnlinePayment(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// placeOrder runs checkout. A replayed idempotency key answers 200 with the original order.
func (h *Handler) placeOrder(c *gin.Context) {
	var req service.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UserID = currentUser(c)

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.checkout.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if result.Replayed {
		c.Header("Idempotent-Replayed", "true")
		c.JSON(http.StatusOK, result.Order)
		return
	}
	c.JSON(http.StatusCreated, result.Order)
}

// listOrders handles the account order history
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by order number
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), currentUser(c), c.Param("orderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type cancelRequest struct {
	Notes string `json:"notes"`
}

// cancelOrder cancels a pending or confirmed order. The body is optional.
func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	order, err := h.orders.Cancel(c.Request.Context(), currentUser(c), c.Param("orderId"), req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type updateOrderRequest struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

// updateOrder applies a status transition and/or a notes update
func (h *Handler) updateOrder(c *gin.Context) {
	var req updateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Status == nil && req.Notes == nil {
		writeErrorBody(c, http.StatusBadRequest, service.KindValidation, service.CodeInvalidRequest, "status or notes is required")
		return
	}

	ctx := c.Request.Context()
	user := currentUser(c)
	orderNumber := c.Param("orderId")

	var (
		order *models.Order
		err   error
	)
	if req.Status != nil {
		status, perr := models.ParseOrderStatus(*req.Status)
		if perr != nil {
			writeErrorBody(c, http.StatusBadRequest, service.KindValidation, service.CodeInvalidRequest, perr.Error())
			return
		}

		if status == models.OrderStatusCancelled && req.Notes != nil {
			order, err = h.orders.Cancel(ctx, user, orderNumber, *req.Notes)
			req.Notes = nil
		} else {
			order, err = h.orders.UpdateStatus(ctx, user, orderNumber, status)
		}
		if err != nil {
			h.writeError(c, err)
			return
		}
	}

	if req.Notes != nil {
		order, err = h.orders.UpdateNotes(ctx, user, orderNumber, *req.Notes)
		if err != nil {
			h.writeError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, order)
}

func badRequest(c *gin.Context, err error) {
	writeErrorBody(c, http.StatusBadRequest, service.KindValidation, service.CodeInvalidRequest, "invalid request body: "+err.Error())
}

func (h *Handler) writeError(c *gin.Context, err error) {
	we := service.AsWorkflowError(err)
	status := statusFor(we)

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("user_id", currentUser(c)),
			zap.String("code", we.Code),
			zap.Error(err))
	}

	if we.Retryable && (status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout) {
		c.Header("Retry-After", "1")
	}
	writeErrorBody(c, status, we.Kind, we.Code, we.Message)
}

func writeErrorBody(c *gin.Context, status int, kind service.ErrorKind, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   kind,
		"code":    code,
		"message": message,
	})
}

// statusFor maps a workflow error onto an HTTP status
func statusFor(we *service.WorkflowError) int {
	switch we.Kind {
	case service.KindValidation:
		if we.Code == service.CodeNoValidItems {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindPayment:
		switch we.Code {
		case service.CodeGatewayConfig, service.CodeGatewayUnavailable:
			return http.StatusServiceUnavailable
		case service.CodeInvalidAmount:
			return http.StatusBadRequest
		default:
			return http.StatusPaymentRequired
		}
	case service.KindInvalidTransition, service.KindConflict:
		return http.StatusConflict
	case service.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
