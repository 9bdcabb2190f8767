package observability

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const metricsNamespace = "fanvault"

// OperationLogger writes entitlement operation logs to zap and counts them in Prometheus.
//
// Denials log at debug and integrity events such as forged URLs or replayed deposits at warn.
// Rejections the caller caused log at info. Only store and internal faults log at error.
type OperationLogger struct {
	logger     *zap.Logger
	operations *prometheus.CounterVec
	denials    *prometheus.CounterVec
}

// NewOperationLogger registers the operation collectors on registerer.
func NewOperationLogger(logger *zap.Logger, registerer prometheus.Registerer) (*OperationLogger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	operations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "entitlement",
			Name:      "operations_total",
			Help:      "Entitlement operations by outcome.",
		},
		[]string{"operation", "status"},
	)
	denials := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "entitlement",
			Name:      "denials_total",
			Help:      "Access denials by reason.",
		},
		[]string{"operation", "reason"},
	)
	if registerer != nil {
		for _, collector := range []prometheus.Collector{operations, denials} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return &OperationLogger{logger: logger, operations: operations, denials: denials}, nil
}

// LogOperation implements entitlement.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry entitlement.OperationLog) {
	operationLogger.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Denied() {
		operationLogger.denials.WithLabelValues(entry.Operation, entry.Reason.String()).Inc()
	}

	fields := operationFields(entry)
	switch {
	case isIntegrityEvent(entry):
		operationLogger.logger.Warn("entitlement integrity event", fields...)
	case entry.Denied():
		operationLogger.logger.Debug("entitlement denied", fields...)
	case entry.Failed() && entitlement.IsRejection(entry.Error):
		operationLogger.logger.Info("entitlement operation rejected", fields...)
	case entry.Failed():
		operationLogger.logger.Error("entitlement operation failed", fields...)
	default:
		operationLogger.logger.Info("entitlement operation", fields...)
	}
}

func isIntegrityEvent(entry entitlement.OperationLog) bool {
	if entry.Denied() && entry.Reason == entitlement.ReasonInvalidURL {
		return true
	}
	return errors.Is(entry.Error, entitlement.ErrDuplicateDeposit) || errors.Is(entry.Error, entitlement.ErrAlreadyDisputed)
}

func operationFields(entry entitlement.OperationLog) []zap.Field {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.Counterparty.IsZero() {
		fields = append(fields, zap.String("counterparty", entry.Counterparty.String()))
	}
	if contentID := entry.ContentID.String(); contentID != "" {
		fields = append(fields, zap.String("content_id", contentID))
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	return fields
}
