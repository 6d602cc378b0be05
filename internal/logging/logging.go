package logging

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// New builds a JSON production logger or a console development logger.
func New(env string) (*zap.Logger, error) {
	switch env {
	case EnvDevelopment:
		return zap.NewDevelopment()
	case EnvProduction, "":
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	default:
		return nil, fmt.Errorf("unsupported log env %q", env)
	}
}

// ZapOperationLogger writes inventory operation logs as structured zap entries.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger for use with inventory.WithOperationLogger.
func NewOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger.Named("inventory")}
}

// LogOperation logs successful operations at info, expected domain failures at warn and the rest at error.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry inventory.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if value := entry.ProductID.String(); value != "" {
		fields = append(fields, zap.String("product_id", value))
	}
	if value := entry.HoldID.String(); value != "" {
		fields = append(fields, zap.String("hold_id", value))
	}
	if value := entry.OrderID.String(); value != "" {
		fields = append(fields, zap.String("order_id", value))
	}
	if entry.Quantity > 0 {
		fields = append(fields, zap.Int64("quantity", entry.Quantity.Int64()))
	}
	if value := entry.IdempotencyKey.String(); value != "" {
		fields = append(fields, zap.String("idempotency_key", value))
	}
	if entry.Count > 0 {
		fields = append(fields, zap.Int("count", entry.Count))
	}
	if entry.Error == nil {
		operationLogger.logger.Info("inventory operation", fields...)
		return
	}
	kind := inventory.KindOf(entry.Error)
	fields = append(fields, zap.String("kind", string(kind)), zap.Error(entry.Error))
	if kind == inventory.KindInternal {
		operationLogger.logger.Error("inventory operation failed", fields...)
		return
	}
	operationLogger.logger.Warn("inventory operation rejected", fields...)
}
