package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
)

// Service is the boundary façade over the Ledger, Evaluator and Gateway.
type Service struct {
	store        Store
	ledger       *Ledger
	evaluator    *Evaluator
	gateway      *Gateway
	codec        *signedurl.Codec
	nowFn        func() time.Time
	logger       OperationLogger
	publisher    EventPublisher
	storeTimeout time.Duration
}

// TipRequest sends Amount tokens from From to To.
// AgencyRate is taken from what remains after the platform fee and requires Agency.
type TipRequest struct {
	From         UserID
	To           UserID
	Amount       Tokens
	PlatformRate pricing.Rate
	Agency       UserID
	AgencyRate   pricing.Rate
	Metadata     MetadataJSON
}

// NewService wires a Service.
func NewService(store Store, codec *signedurl.Codec, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: codec dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	unixNow := func() int64 { return now().UTC().Unix() }
	ledger, err := NewLedger(store, unixNow)
	if err != nil {
		return nil, err
	}
	evaluator := NewEvaluator(unixNow)
	gateway, err := NewGateway(store, codec, evaluator)
	if err != nil {
		return nil, err
	}
	service := &Service{
		store:     store,
		ledger:    ledger,
		evaluator: evaluator,
		gateway:   gateway,
		codec:     codec,
		nowFn:     now,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.storeTimeout < 0 {
		return nil, fmt.Errorf("%w: negative store timeout", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Ledger exposes the underlying ledger for administrative flows.
func (service *Service) Ledger() *Ledger {
	return service.ledger
}

// OpenAccount returns the user's account, creating an empty one on first use.
func (service *Service) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	account, operationError := service.ledger.OpenAccount(ctx, userID)
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		UserID:    userID,
		Error:     operationError,
	})
	return account, operationError
}

// Balance returns the user's account without creating it.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	return service.ledger.Account(ctx, userID)
}

// ListTransactions returns the user's newest transactions first. Limit is clamped to [1, 200]; zero means 50.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	return service.ledger.ListTransactions(ctx, userID, limit)
}

// MintStreamToken signs a stream capability without checking entitlement.
// Callers that face end users should use GrantStreamToken.
func (service *Service) MintStreamToken(ctx context.Context, contentID ContentID, userID UserID, ttl time.Duration) (signedurl.Token, error) {
	token, operationError := service.codec.Mint(contentID.String(), userID.String(), ttl)
	if operationError != nil {
		operationError = fmt.Errorf("%w: %v", ErrInvalidStreamToken, operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationMintStreamToken,
		UserID:    userID,
		ContentID: contentID,
		Error:     operationError,
	})
	return token, operationError
}

// GrantStreamToken evaluates entitlement and mints a token only when access is allowed.
// A zero ttl uses the default of one hour.
func (service *Service) GrantStreamToken(ctx context.Context, userID UserID, contentID ContentID, ttl time.Duration) (signedurl.Token, Decision, error) {
	if ttl == 0 {
		ttl = defaultStreamTokenTTL
	}
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	decision, _, operationError := service.evaluator.Evaluate(ctx, service.store, userID, contentID)
	var token signedurl.Token
	if operationError == nil && decision.Allowed {
		token, operationError = service.codec.Mint(contentID.String(), userID.String(), ttl)
		if operationError != nil {
			operationError = fmt.Errorf("%w: %v", ErrInvalidStreamToken, operationError)
			decision = Deny(ReasonAccessDenied)
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationGrantStreamToken,
		UserID:    userID,
		ContentID: contentID,
		Status:    decisionStatus(decision, operationError),
		Reason:    decision.Reason,
		Error:     operationError,
	})
	return token, decision, operationError
}

// AuthorizeStream verifies a presented token and records the view when access is granted.
func (service *Service) AuthorizeStream(ctx context.Context, raw signedurl.RawToken) (StreamGrant, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	grant, operationError := service.gateway.AuthorizeStream(ctx, raw)
	contentID, _ := NewContentID(raw.ContentID)
	service.logOperation(ctx, OperationLog{
		Operation: operationAuthorizeStream,
		UserID:    grant.UserID,
		ContentID: contentID,
		Status:    decisionStatus(grant.Decision, operationError),
		Reason:    grant.Decision.Reason,
		Error:     operationError,
	})
	return grant, operationError
}

// Tip transfers tokens from a fan to a creator and announces the tip after commit.
func (service *Service) Tip(ctx context.Context, request TipRequest) (TransferResult, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	result, operationError := service.ledger.Transfer(ctx, TransferRequest{
		From:         request.From,
		To:           request.To,
		Gross:        request.Amount,
		Kind:         KindTip,
		PlatformRate: request.PlatformRate,
		AgencyRate:   request.AgencyRate,
		Agency:       request.Agency,
		Metadata:     request.Metadata,
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationTip,
		UserID:        request.From,
		Counterparty:  request.To,
		TransactionID: result.Debit.ID,
		Amount:        request.Amount,
		Error:         operationError,
	})
	if operationError != nil {
		return TransferResult{}, operationError
	}
	service.publishTip(ctx, request, result)
	return result, nil
}

// UnlockPPV charges the content price and unlocks the item for the fan in one transaction.
func (service *Service) UnlockPPV(ctx context.Context, userID UserID, contentID ContentID, platformRate pricing.Rate) (TransferResult, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	var result TransferResult
	var price Tokens
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		asset, err := transactionStore.GetContentAsset(ctx, contentID)
		if err != nil {
			return err
		}
		if asset.Visibility != VisibilityPPV || asset.Price <= 0 {
			return ErrNotPPV
		}
		if asset.CreatorID == userID {
			return ErrSelfTransfer
		}
		purchase, err := transactionStore.GetPurchase(ctx, userID, contentID)
		switch {
		case err == nil && purchase.Unlocked:
			return ErrAlreadyUnlocked
		case err != nil && !errors.Is(err, ErrPurchaseNotFound):
			return err
		}
		price = asset.Price
		metadata, err := NewMetadataJSON(fmt.Sprintf(`{"content_id":%q}`, contentID.String()))
		if err != nil {
			return err
		}
		result, err = service.ledger.transferInTx(ctx, transactionStore, TransferRequest{
			From:         userID,
			To:           asset.CreatorID,
			Gross:        asset.Price,
			Kind:         KindPurchase,
			PlatformRate: platformRate,
			Metadata:     metadata,
		})
		if err != nil {
			return err
		}
		return transactionStore.UnlockPurchase(ctx, userID, contentID, service.nowFn().UTC().Unix())
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationUnlockPPV,
		UserID:        userID,
		ContentID:     contentID,
		TransactionID: result.Debit.ID,
		Amount:        price,
		Error:         operationError,
	})
	if operationError != nil {
		return TransferResult{}, operationError
	}
	return result, nil
}

// RecordExternalDeposit credits a settled external payment exactly once.
func (service *Service) RecordExternalDeposit(ctx context.Context, userID UserID, amount Tokens, externalPaymentID ExternalPaymentID, metadata MetadataJSON) (Transaction, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	deposit, operationError := service.ledger.Deposit(ctx, userID, amount, externalPaymentID, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeposit,
		UserID:        userID,
		TransactionID: deposit.ID,
		Amount:        amount,
		Error:         operationError,
	})
	return deposit, operationError
}

// RecordFailedDeposit keeps an audit record of a payment the processor reported as failed.
func (service *Service) RecordFailedDeposit(ctx context.Context, userID UserID, amount Tokens, externalPaymentID ExternalPaymentID, metadata MetadataJSON) (Transaction, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	failed, operationError := service.ledger.RecordFailedDeposit(ctx, userID, amount, externalPaymentID, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:     operationFailedDeposit,
		UserID:        userID,
		TransactionID: failed.ID,
		Amount:        amount,
		Error:         operationError,
	})
	return failed, operationError
}

// FlagDispute marks a completed credit as disputed and reverses what can still be recovered.
// The caller must route outcome.ReviewAccount to manual review.
func (service *Service) FlagDispute(ctx context.Context, transactionID TransactionID) (DisputeOutcome, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	outcome, operationError := service.ledger.ReverseForDispute(ctx, transactionID)
	service.logDispute(ctx, transactionID, outcome, operationError)
	return outcome, operationError
}

// FlagDisputeByPayment is FlagDispute for a deposit identified by its external payment id.
func (service *Service) FlagDisputeByPayment(ctx context.Context, externalPaymentID ExternalPaymentID) (DisputeOutcome, error) {
	ctx, cancel := service.boundContext(ctx)
	defer cancel()
	outcome, operationError := service.ledger.ReverseDepositForDispute(ctx, externalPaymentID)
	service.logDispute(ctx, outcome.Disputed.ID, outcome, operationError)
	return outcome, operationError
}

func (service *Service) logDispute(ctx context.Context, transactionID TransactionID, outcome DisputeOutcome, operationError error) {
	service.logOperation(ctx, OperationLog{
		Operation:     operationFlagDispute,
		UserID:        outcome.ReviewAccount,
		TransactionID: transactionID,
		Amount:        outcome.Disputed.Amount,
		Error:         operationError,
	})
}

func (service *Service) publishTip(ctx context.Context, request TipRequest, result TransferResult) {
	if service.publisher == nil {
		return
	}
	event := TipEvent{
		FromUserID:      request.From,
		ToUserID:        request.To,
		Amount:          request.Amount,
		CreatorEarnings: result.Credit.Amount,
		TransactionID:   result.Credit.ID,
		CreatedUnixUTC:  result.Credit.CreatedUnixUTC,
	}
	if err := service.publisher.PublishTip(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationPublishTipEvent,
			UserID:        request.From,
			Counterparty:  request.To,
			TransactionID: result.Credit.ID,
			Amount:        request.Amount,
			Error:         err,
		})
	}
}

func (service *Service) boundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if service.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, service.storeTimeout)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func decisionStatus(decision Decision, err error) string {
	switch {
	case err != nil:
		return operationStatusError
	case !decision.Allowed:
		return operationStatusDenied
	default:
		return operationStatusOK
	}
}
