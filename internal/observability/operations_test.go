package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationLoggerLevels(test *testing.T) {
	userID, err := entitlement.NewUserID("fan")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	testCases := []struct {
		name      string
		entry     entitlement.OperationLog
		wantLevel zapcore.Level
	}{
		{
			name:      "ok",
			entry:     entitlement.OperationLog{Operation: "tip", UserID: userID, Amount: 10, Status: "ok"},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "denied",
			entry:     entitlement.OperationLog{Operation: "authorize_stream", UserID: userID, Status: "denied", Reason: entitlement.ReasonPurchaseRequired},
			wantLevel: zapcore.DebugLevel,
		},
		{
			name:      "forged url",
			entry:     entitlement.OperationLog{Operation: "authorize_stream", Status: "denied", Reason: entitlement.ReasonInvalidURL},
			wantLevel: zapcore.WarnLevel,
		},
		{
			name:      "replayed deposit",
			entry:     entitlement.OperationLog{Operation: "deposit", Status: "error", Error: entitlement.ErrDuplicateDeposit},
			wantLevel: zapcore.WarnLevel,
		},
		{
			name:      "insufficient funds",
			entry:     entitlement.OperationLog{Operation: "tip", UserID: userID, Amount: 500, Status: "error", Error: fmt.Errorf("debit: %w", entitlement.ErrInsufficientFunds)},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "malformed input",
			entry:     entitlement.OperationLog{Operation: "tip", Status: "error", Error: entitlement.ErrSelfTransfer},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "not disputable",
			entry:     entitlement.OperationLog{Operation: "flag_dispute", Status: "error", Error: entitlement.ErrNotDisputable},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "store unavailable",
			entry:     entitlement.OperationLog{Operation: "tip", Status: "error", Error: fmt.Errorf("%w: database is locked", entitlement.ErrStoreUnavailable)},
			wantLevel: zapcore.ErrorLevel,
		},
		{
			name:      "fault",
			entry:     entitlement.OperationLog{Operation: "tip", Status: "error", Error: errors.New("boom")},
			wantLevel: zapcore.ErrorLevel,
		},
	}

	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			operationLogger, err := NewOperationLogger(zap.New(core), prometheus.NewRegistry())
			if err != nil {
				test.Fatalf("logger: %v", err)
			}
			operationLogger.LogOperation(context.Background(), testCase.entry)
			entries := logs.All()
			if len(entries) != 1 {
				test.Fatalf("expected one entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.wantLevel {
				test.Fatalf("expected level %s, got %s", testCase.wantLevel, entries[0].Level)
			}
			if entries[0].ContextMap()["operation"] != testCase.entry.Operation {
				test.Fatalf("missing operation field: %v", entries[0].ContextMap())
			}
		})
	}
}

func TestOperationLoggerCounts(test *testing.T) {
	registry := prometheus.NewRegistry()
	operationLogger, err := NewOperationLogger(zap.NewNop(), registry)
	if err != nil {
		test.Fatalf("logger: %v", err)
	}
	ctx := context.Background()
	operationLogger.LogOperation(ctx, entitlement.OperationLog{Operation: "authorize_stream", Status: "ok"})
	operationLogger.LogOperation(ctx, entitlement.OperationLog{Operation: "authorize_stream", Status: "denied", Reason: entitlement.ReasonViewLimitReached})
	operationLogger.LogOperation(ctx, entitlement.OperationLog{Operation: "authorize_stream", Status: "denied", Reason: entitlement.ReasonViewLimitReached})

	if got := testutil.ToFloat64(operationLogger.operations.WithLabelValues("authorize_stream", "denied")); got != 2 {
		test.Fatalf("expected 2 denied operations, got %v", got)
	}
	if got := testutil.ToFloat64(operationLogger.denials.WithLabelValues("authorize_stream", entitlement.ReasonViewLimitReached.String())); got != 2 {
		test.Fatalf("expected 2 view limit denials, got %v", got)
	}

	if _, err := NewOperationLogger(zap.NewNop(), registry); err == nil {
		test.Fatalf("expected duplicate registration to fail")
	}
}

func TestParseLevel(test *testing.T) {
	for raw, want := range map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	} {
		got, err := parseLevel(raw)
		if err != nil || got != want {
			test.Fatalf("parseLevel(%q) = %s, %v", raw, got, err)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		test.Fatalf("expected unsupported level error")
	}
}
