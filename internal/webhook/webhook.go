// Package webhook turns payment processor callbacks into ledger operations.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventDisputeCreated   = "charge.dispute.created"

	// CentsPerToken prices one token at ten US cents.
	CentsPerToken = 10

	pathType           = "type"
	pathEventID        = "id"
	pathObjectID       = "data.object.id"
	pathObjectAmount   = "data.object.amount"
	pathObjectMetadata = "data.object.metadata"
	pathObjectUserID   = "data.object.metadata.userId"
	pathDisputeIntent  = "data.object.payment_intent"
	pathDisputeCharge  = "data.object.charge"
)

// Action describes what a delivery did to the ledger.
type Action string

const (
	ActionDeposited      Action = "deposited"
	ActionFailedRecorded Action = "failed_recorded"
	ActionDisputed       Action = "disputed"
	ActionDuplicate      Action = "duplicate"
	ActionIgnored        Action = "ignored"
)

var (
	ErrInvalidEvent = errors.New("invalid webhook event")

	errBelowOneToken = errors.New("amount below one token")
)

// Ledger is the part of entitlement.Service the webhook drives.
type Ledger interface {
	RecordExternalDeposit(ctx context.Context, userID entitlement.UserID, amount entitlement.Tokens, externalPaymentID entitlement.ExternalPaymentID, metadata entitlement.MetadataJSON) (entitlement.Transaction, error)
	RecordFailedDeposit(ctx context.Context, userID entitlement.UserID, amount entitlement.Tokens, externalPaymentID entitlement.ExternalPaymentID, metadata entitlement.MetadataJSON) (entitlement.Transaction, error)
	FlagDisputeByPayment(ctx context.Context, externalPaymentID entitlement.ExternalPaymentID) (entitlement.DisputeOutcome, error)
}

// AccountReviewer is told about every account that received a chargeback.
type AccountReviewer interface {
	FlagForReview(ctx context.Context, outcome entitlement.DisputeOutcome) error
}

// Result reports the handled event.
type Result struct {
	EventType string
	Action    Action
}

// Handler verifies and dispatches payment processor deliveries.
type Handler struct {
	ledger    Ledger
	reviewer  AccountReviewer
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithTolerance overrides DefaultTolerance. Zero disables the timestamp check.
func WithTolerance(tolerance time.Duration) Option {
	return func(handler *Handler) {
		handler.tolerance = tolerance
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(handler *Handler) {
		handler.now = now
	}
}

// WithLogger sets the logger used for acknowledged redeliveries and reviews.
func WithLogger(logger *zap.Logger) Option {
	return func(handler *Handler) {
		handler.logger = logger
	}
}

// NewHandler validates dependencies. A nil reviewer logs flagged accounts instead.
func NewHandler(ledger Ledger, reviewer AccountReviewer, secret []byte, options ...Option) (*Handler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("webhook: ledger is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook: signing secret is required")
	}
	handler := &Handler{
		ledger:    ledger,
		secret:    append([]byte(nil), secret...),
		tolerance: DefaultTolerance,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(handler)
	}
	if reviewer == nil {
		reviewer = LogReviewer{Logger: handler.logger}
	}
	handler.reviewer = reviewer
	return handler, nil
}

// Handle verifies the signature header and applies the event. Redeliveries are acknowledged
// with ActionDuplicate and change nothing.
func (handler *Handler) Handle(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	if err := verifySignature(handler.secret, payload, signatureHeader, handler.now(), handler.tolerance); err != nil {
		return Result{}, err
	}
	if !gjson.ValidBytes(payload) {
		return Result{}, fmt.Errorf("%w: malformed json", ErrInvalidEvent)
	}
	event := gjson.ParseBytes(payload)
	result := Result{EventType: event.Get(pathType).String()}

	var err error
	switch result.EventType {
	case EventPaymentSucceeded:
		result.Action, err = handler.handleSucceeded(ctx, event)
	case EventPaymentFailed:
		result.Action, err = handler.handleFailed(ctx, event)
	case EventDisputeCreated:
		result.Action, err = handler.handleDispute(ctx, event)
	default:
		result.Action = ActionIgnored
	}
	if err != nil {
		return Result{}, err
	}
	handler.logger.Info("payment webhook handled",
		zap.String("event_id", event.Get(pathEventID).String()),
		zap.String("event_type", result.EventType),
		zap.String("action", string(result.Action)),
	)
	return result, nil
}

type paymentIntent struct {
	userID    entitlement.UserID
	amount    entitlement.Tokens
	paymentID entitlement.ExternalPaymentID
	metadata  entitlement.MetadataJSON
}

func parsePaymentIntent(event gjson.Result) (paymentIntent, error) {
	userID, err := entitlement.NewUserID(event.Get(pathObjectUserID).String())
	if err != nil {
		return paymentIntent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	paymentID, err := entitlement.NewExternalPaymentID(event.Get(pathObjectID).String())
	if err != nil {
		return paymentIntent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	cents := event.Get(pathObjectAmount).Int()
	if cents > 0 && cents < CentsPerToken {
		return paymentIntent{}, fmt.Errorf("%w: %d cents", errBelowOneToken, cents)
	}
	amount, err := entitlement.NewPositiveTokens(cents / CentsPerToken)
	if err != nil {
		return paymentIntent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	rawMetadata := "{}"
	if metadata := event.Get(pathObjectMetadata); metadata.IsObject() {
		rawMetadata = metadata.Raw
	}
	metadata, err := entitlement.NewMetadataJSON(rawMetadata)
	if err != nil {
		return paymentIntent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return paymentIntent{userID: userID, amount: amount, paymentID: paymentID, metadata: metadata}, nil
}

func (handler *Handler) handleSucceeded(ctx context.Context, event gjson.Result) (Action, error) {
	intent, err := parsePaymentIntent(event)
	if errors.Is(err, errBelowOneToken) {
		handler.ignoreSubTokenPayment(event, err)
		return ActionIgnored, nil
	}
	if err != nil {
		return "", err
	}
	_, err = handler.ledger.RecordExternalDeposit(ctx, intent.userID, intent.amount, intent.paymentID, intent.metadata)
	switch {
	case errors.Is(err, entitlement.ErrDuplicateDeposit):
		return ActionDuplicate, nil
	case err != nil:
		return "", err
	}
	return ActionDeposited, nil
}

func (handler *Handler) handleFailed(ctx context.Context, event gjson.Result) (Action, error) {
	intent, err := parsePaymentIntent(event)
	if errors.Is(err, errBelowOneToken) {
		handler.ignoreSubTokenPayment(event, err)
		return ActionIgnored, nil
	}
	if err != nil {
		return "", err
	}
	_, err = handler.ledger.RecordFailedDeposit(ctx, intent.userID, intent.amount, intent.paymentID, intent.metadata)
	switch {
	case errors.Is(err, entitlement.ErrDuplicateDeposit):
		return ActionDuplicate, nil
	case err != nil:
		return "", err
	}
	return ActionFailedRecorded, nil
}

// ignoreSubTokenPayment acknowledges a payment too small to buy a token so the processor stops redelivering it.
func (handler *Handler) ignoreSubTokenPayment(event gjson.Result, cause error) {
	handler.logger.Warn("payment webhook ignored",
		zap.String("event_id", event.Get(pathEventID).String()),
		zap.String("event_type", event.Get(pathType).String()),
		zap.String("external_payment_id", event.Get(pathObjectID).String()),
		zap.Error(cause),
	)
}

// handleDispute resolves the deposit by payment intent id, falling back to the charge id.
func (handler *Handler) handleDispute(ctx context.Context, event gjson.Result) (Action, error) {
	rawPaymentID := event.Get(pathDisputeIntent).String()
	if rawPaymentID == "" {
		rawPaymentID = event.Get(pathDisputeCharge).String()
	}
	paymentID, err := entitlement.NewExternalPaymentID(rawPaymentID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	outcome, err := handler.ledger.FlagDisputeByPayment(ctx, paymentID)
	switch {
	case errors.Is(err, entitlement.ErrAlreadyDisputed):
		return ActionDuplicate, nil
	case errors.Is(err, entitlement.ErrTransactionNotFound):
		handler.logger.Warn("dispute for unknown payment", zap.String("external_payment_id", paymentID.String()))
		return ActionIgnored, nil
	case err != nil:
		return "", err
	}
	if err := handler.reviewer.FlagForReview(ctx, outcome); err != nil {
		return "", fmt.Errorf("flag account for review: %w", err)
	}
	return ActionDisputed, nil
}

// LogReviewer records flagged accounts in the log.
type LogReviewer struct {
	Logger *zap.Logger
}

func (reviewer LogReviewer) FlagForReview(_ context.Context, outcome entitlement.DisputeOutcome) error {
	logger := reviewer.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("account flagged for review",
		zap.String("user_id", outcome.ReviewAccount.String()),
		zap.String("transaction_id", outcome.Disputed.ID.String()),
		zap.Int64("recovered", outcome.Recovered.Int64()),
		zap.Int64("shortfall", outcome.Shortfall.Int64()),
	)
	return nil
}
