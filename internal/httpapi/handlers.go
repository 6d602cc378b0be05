package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	codeRateLimited = "rate_limited"
	codeUnavailable = "unavailable"
)

type httpHandler struct {
	logger   *zap.Logger
	catalog  ProductCatalog
	holds    HoldCreator
	orders   OrderCreator
	webhooks WebhookHandler
	health   func(ctx context.Context) error
}

type createHoldRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Qty       *int64 `json:"qty" binding:"omitempty,min=1"`
	Quantity  *int64 `json:"quantity" binding:"omitempty,min=1"`
}

type createOrderRequest struct {
	HoldID string `json:"hold_id" binding:"required"`
}

type paymentWebhookRequest struct {
	IdempotencyKey string          `json:"idempotency_key" binding:"required,max=255"`
	OrderID        string          `json:"order_id" binding:"required"`
	Status         string          `json:"status" binding:"required,oneof=success failure"`
	Payload        json.RawMessage `json:"payload"`
}

type productResponse struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Price          json.Number `json:"price"`
	AvailableStock int64       `json:"available_stock"`
	TotalStock     int64       `json:"total_stock"`
}

type holdResponse struct {
	HoldID    string `json:"hold_id"`
	ExpiresAt string `json:"expires_at"`
}

type orderResponse struct {
	OrderID    string      `json:"order_id"`
	ProductID  string      `json:"product_id"`
	Quantity   int64       `json:"quantity"`
	TotalPrice json.Number `json:"total_price"`
	Status     string      `json:"status"`
}

type paymentWebhookResponse struct {
	Success          bool   `json:"success"`
	AlreadyProcessed bool   `json:"already_processed"`
	OrderStatus      string `json:"order_status"`
	WebhookID        string `json:"webhook_id"`
}

func (handler *httpHandler) handleHealth(ctx *gin.Context) {
	if handler.health != nil {
		if err := handler.health(ctx.Request.Context()); err != nil {
			handler.logger.Warn("health check failed", zap.Error(err))
			ctx.JSON(http.StatusServiceUnavailable, errorResponse(codeUnavailable, "store unavailable"))
			return
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleGetProduct(ctx *gin.Context) {
	productID, err := inventory.NewProductID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse(string(inventory.KindNotFound), "Product not found"))
		return
	}
	view, err := handler.catalog.Product(ctx.Request.Context(), productID)
	if err != nil {
		if inventory.KindOf(err) == inventory.KindNotFound {
			ctx.JSON(http.StatusNotFound, errorResponse(string(inventory.KindNotFound), "Product not found"))
			return
		}
		handler.respondInternal(ctx, "product fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, productResponse{
		ID:             view.ID.String(),
		Name:           view.Name,
		Price:          money(view.Price),
		AvailableStock: view.AvailableStock,
		TotalStock:     view.TotalStock,
	})
}

func (handler *httpHandler) handleCreateHold(ctx *gin.Context) {
	var request createHoldRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.respondInvalid(ctx, err)
		return
	}
	rawQuantity := request.Qty
	if rawQuantity == nil {
		rawQuantity = request.Quantity
	}
	if rawQuantity == nil {
		handler.respondInvalid(ctx, inventory.ErrInvalidQuantity)
		return
	}
	productID, err := inventory.NewProductID(request.ProductID)
	if err != nil {
		handler.respondDomainError(ctx, "hold creation failed", err)
		return
	}
	quantity, err := inventory.NewQuantity(*rawQuantity)
	if err != nil {
		handler.respondDomainError(ctx, "hold creation failed", err)
		return
	}

	hold, err := handler.holds.CreateHold(ctx.Request.Context(), productID, quantity)
	if err != nil {
		handler.respondDomainError(ctx, "hold creation failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, holdResponse{
		HoldID:    hold.ID.String(),
		ExpiresAt: hold.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (handler *httpHandler) handleCreateOrder(ctx *gin.Context) {
	var request createOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.respondInvalid(ctx, err)
		return
	}
	holdID, err := inventory.NewHoldID(request.HoldID)
	if err != nil {
		handler.respondDomainError(ctx, "order creation failed", err)
		return
	}

	order, err := handler.orders.CreateFromHold(ctx.Request.Context(), holdID)
	if err != nil {
		handler.respondDomainError(ctx, "order creation failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, orderResponse{
		OrderID:    order.ID.String(),
		ProductID:  order.ProductID.String(),
		Quantity:   order.Quantity.Int64(),
		TotalPrice: money(order.TotalPrice),
		Status:     order.Status.String(),
	})
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	var request paymentWebhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.respondInvalid(ctx, err)
		return
	}
	input, err := request.toInput()
	if err != nil {
		handler.respondDomainError(ctx, "payment webhook failed", err)
		return
	}

	result, err := handler.webhooks.Handle(ctx.Request.Context(), input)
	if err != nil {
		handler.respondDomainError(ctx, "payment webhook failed", err)
		return
	}
	ctx.JSON(http.StatusOK, paymentWebhookResponse{
		Success:          true,
		AlreadyProcessed: result.AlreadyProcessed,
		OrderStatus:      result.OrderStatus.String(),
		WebhookID:        result.WebhookID,
	})
}

func (request paymentWebhookRequest) toInput() (inventory.WebhookInput, error) {
	key, err := inventory.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return inventory.WebhookInput{}, err
	}
	orderID, err := inventory.NewOrderID(request.OrderID)
	if err != nil {
		return inventory.WebhookInput{}, err
	}
	status, err := inventory.ParseWebhookStatus(request.Status)
	if err != nil {
		return inventory.WebhookInput{}, err
	}
	payload, err := inventory.NewPayloadJSON(string(request.Payload))
	if err != nil {
		return inventory.WebhookInput{}, err
	}
	return inventory.WebhookInput{
		IdempotencyKey: key,
		OrderID:        orderID,
		Status:         status,
		Payload:        payload,
	}, nil
}

// respondDomainError maps domain failures to 400 and everything else to 500.
func (handler *httpHandler) respondDomainError(ctx *gin.Context, message string, err error) {
	kind := inventory.KindOf(err)
	if kind == inventory.KindInternal {
		handler.respondInternal(ctx, message, err)
		return
	}
	ctx.JSON(http.StatusBadRequest, errorResponse(string(kind), publicMessage(err)))
}

func (handler *httpHandler) respondInvalid(ctx *gin.Context, err error) {
	ctx.JSON(http.StatusBadRequest, errorResponse(string(inventory.KindInvalidInput), err.Error()))
}

func (handler *httpHandler) respondInternal(ctx *gin.Context, message string, err error) {
	handler.logger.Error(message, zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse(string(inventory.KindInternal), "internal error"))
}

// publicMessage strips operation prefixes so clients see the sentinel text.
func publicMessage(err error) string {
	var operationError inventory.OperationError
	for errors.As(err, &operationError) {
		err = operationError.Unwrap()
	}
	return err.Error()
}

func money(amount decimal.Decimal) json.Number {
	return json.Number(amount.StringFixed(2))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": message,
		"code":  code,
	}
}
