// Package logging adapts ledger operation callbacks to zap.
package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// OperationLogger writes one structured line per ledger operation.
type OperationLogger struct {
	logger *zap.Logger
}

var _ ledger.OperationLogger = (*OperationLogger)(nil)

// NewOperationLogger wraps logger. A nil logger discards everything.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger")}
}

// LogOperation logs successes at info, retryable and internal failures at error, and rejections at warn.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := make([]zap.Field, 0, 9)
	fields = append(fields, zap.String("operation", entry.Operation), zap.String("status", entry.Status))
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if !entry.ExternalID.IsZero() {
		fields = append(fields, zap.String("external_id", entry.ExternalID.String()))
	}
	if entry.Type != "" {
		fields = append(fields, zap.String("type", entry.Type.String()))
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if entry.PayoutID.String() != "" {
		fields = append(fields, zap.String("payout_id", entry.PayoutID.String()))
	}
	if !entry.Amount.Currency().IsZero() {
		fields = append(fields, zap.Int64("amount_minor", entry.Amount.Amount()), zap.String("currency", entry.Amount.Currency().String()))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		class := ledger.Classify(entry.Error)
		fields = append(fields, zap.String("error_class", string(class)), zap.Error(entry.Error))
		level = zapcore.WarnLevel
		if class == ledger.ClassInternal {
			level = zapcore.ErrorLevel
		}
	}
	if checked := operationLogger.logger.Check(level, "ledger operation"); checked != nil {
		checked.Write(fields...)
	}
}
