package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsIdempotencyConflict(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "idempotency key", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintTransactionIdempotencyKey}, want: true},
		{name: "other unique", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "idx_transactions_id"}, want: false},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}, want: false},
		{name: "wrapped", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintTransactionIdempotencyKey}), want: true},
	}
	for _, tc := range cases {
		if got := isIdempotencyConflict(tc.err); got != tc.want {
			test.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestWrapLookupErrorMapsNoRows(test *testing.T) {
	test.Parallel()
	err := wrapLookupError(errorSubjectAccount, pgx.ErrNoRows, entitlement.ErrAccountNotFound)
	if !errors.Is(err, entitlement.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	var operationError entitlement.OperationError
	if !errors.As(err, &operationError) || operationError.Subject() != errorSubjectAccount {
		test.Fatalf("expected OperationError for account, got %v", err)
	}
}

func TestClassifyErrorMarksTimeoutsTransient(test *testing.T) {
	test.Parallel()
	if err := classifyError(context.DeadlineExceeded); !entitlement.IsTransient(err) {
		test.Fatalf("expected deadline to be transient, got %v", err)
	}
	constraint := &pgconn.PgError{Code: pgUniqueViolationCode}
	if err := classifyError(constraint); entitlement.IsTransient(err) {
		test.Fatalf("expected constraint violation to be terminal")
	}
	if err := wrapStoreError(errorSubjectBalance, errorCodeUpdate, nil); err != nil {
		test.Fatalf("expected nil for nil error, got %v", err)
	}
}

func TestSchemaDeclaresIdempotencyConstraint(test *testing.T) {
	test.Parallel()
	for _, fragment := range []string{"uniq_transactions_idem", "check (token_balance >= 0)", "primary key (fan_id, content_id)"} {
		if !strings.Contains(Schema, fragment) {
			test.Fatalf("schema is missing %q", fragment)
		}
	}
}

func TestUpsertsTargetTablePrimaryKeys(test *testing.T) {
	test.Parallel()
	cases := []struct {
		statement string
		key       string
		conflict  string
	}{
		{statement: sqlUpsertContentAsset, key: "content_id text primary key", conflict: "on conflict (content_id)"},
		{statement: sqlUpsertSubscription, key: "primary key (fan_id, creator_id)", conflict: "on conflict (fan_id, creator_id)"},
	}
	for _, tc := range cases {
		if !strings.Contains(Schema, tc.key) {
			test.Fatalf("schema is missing %q", tc.key)
		}
		if !strings.Contains(tc.statement, tc.conflict) {
			test.Fatalf("upsert does not target %q:\n%s", tc.conflict, tc.statement)
		}
	}
}
