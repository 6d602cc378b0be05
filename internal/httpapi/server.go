package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/flashsale/internal/catalog"
	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName      = "flashsale-http"
	shutdownTimeout = 5 * time.Second
)

// ProductCatalog reads the public product view.
type ProductCatalog interface {
	Product(ctx context.Context, productID inventory.ProductID) (catalog.ProductView, error)
}

// HoldCreator reserves stock for a buyer.
type HoldCreator interface {
	CreateHold(ctx context.Context, productID inventory.ProductID, quantity inventory.Quantity) (inventory.Hold, error)
}

// OrderCreator converts holds into orders.
type OrderCreator interface {
	CreateFromHold(ctx context.Context, holdID inventory.HoldID) (inventory.Order, error)
}

// WebhookHandler applies payment notifications.
type WebhookHandler interface {
	Handle(ctx context.Context, input inventory.WebhookInput) (inventory.WebhookResult, error)
}

// Config carries the router settings.
type Config struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Dependencies are the services behind the HTTP surface.
type Dependencies struct {
	Catalog  ProductCatalog
	Holds    HoldCreator
	Orders   OrderCreator
	Webhooks WebhookHandler
	Health   func(ctx context.Context) error
	Logger   *zap.Logger
}

// Run serves handler on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, logger *zap.Logger, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine serving the /api routes.
func NewRouter(cfg Config, deps Dependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:   logger,
		catalog:  deps.Catalog,
		holds:    deps.Holds,
		orders:   deps.Orders,
		webhooks: deps.Webhooks,
		health:   deps.Health,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Origin", "Accept", "Traceparent", "Tracestate"},
		MaxAge:       12 * time.Hour,
	}))
	router.Use(tracingMiddleware(otel.Tracer(tracerName)))

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.GET("/products/:id", handler.handleGetProduct)
	holdHandlers := []gin.HandlerFunc{handler.handleCreateHold}
	if cfg.RateLimitRPS > 0 {
		limiter := newClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, defaultLimiterIdleTTL)
		holdHandlers = append([]gin.HandlerFunc{limiter.middleware()}, holdHandlers...)
	}
	api.POST("/holds", holdHandlers...)
	api.POST("/orders", handler.handleCreateOrder)
	api.POST("/payments/webhook", handler.handlePaymentWebhook)

	return router
}

// tracingMiddleware continues the caller's W3C trace, or starts a new one, for every request.
func tracingMiddleware(tracer trace.Tracer) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		parent := otel.GetTextMapPropagator().Extract(ctx.Request.Context(), propagation.HeaderCarrier(ctx.Request.Header))
		spanName := ctx.FullPath()
		if spanName == "" {
			spanName = "unmatched"
		}
		spanCtx, span := tracer.Start(parent, ctx.Request.Method+" "+spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", ctx.Request.Method),
				attribute.String("http.route", spanName),
			),
		)
		defer span.End()

		ctx.Request = ctx.Request.WithContext(spanCtx)
		ctx.Next()

		status := ctx.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
