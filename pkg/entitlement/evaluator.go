package entitlement

import (
	"context"
	"errors"
)

// Decision is the outcome of an entitlement check. A denial is a value, not an error.
type Decision struct {
	Allowed bool
	Reason  DenialReason
}

// Allow grants access.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny refuses access with reason.
func Deny(reason DenialReason) Decision {
	return Decision{Reason: reason}
}

// EntitlementReader is the read side of the Store consulted by the Evaluator.
type EntitlementReader interface {
	GetContentAsset(ctx context.Context, contentID ContentID) (ContentAsset, error)
	GetSubscription(ctx context.Context, fanID UserID, creatorID UserID) (Subscription, error)
	GetPurchase(ctx context.Context, fanID UserID, contentID ContentID) (Purchase, error)
}

// Evaluator decides whether a user is currently entitled to a content item.
type Evaluator struct {
	nowFn func() int64
}

// NewEvaluator builds an Evaluator using now for subscription expiry.
func NewEvaluator(now func() int64) *Evaluator {
	return &Evaluator{nowFn: now}
}

// Evaluate loads the asset and evaluates access for userID.
// A store failure returns a denial together with the error; it never allows.
func (evaluator *Evaluator) Evaluate(ctx context.Context, reader EntitlementReader, userID UserID, contentID ContentID) (Decision, ContentAsset, error) {
	asset, err := reader.GetContentAsset(ctx, contentID)
	if errors.Is(err, ErrContentNotFound) {
		return Deny(ReasonContentNotFound), ContentAsset{}, nil
	}
	if err != nil {
		return Deny(ReasonAccessDenied), ContentAsset{}, err
	}
	decision, err := evaluator.EvaluateAsset(ctx, reader, userID, asset)
	return decision, asset, err
}

// EvaluateAsset applies the access rules to an already loaded asset. The first matching rule wins:
// owner, public, subscribers, pay-per-view. Anything else is denied.
func (evaluator *Evaluator) EvaluateAsset(ctx context.Context, reader EntitlementReader, userID UserID, asset ContentAsset) (Decision, error) {
	if userID.IsZero() {
		return Deny(ReasonAccessDenied), nil
	}
	if asset.CreatorID == userID {
		return Allow(), nil
	}
	switch asset.Visibility {
	case VisibilityPublic:
		return Allow(), nil
	case VisibilitySubscribers:
		subscription, err := reader.GetSubscription(ctx, userID, asset.CreatorID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return Deny(ReasonSubscriptionRequired), nil
		}
		if err != nil {
			return Deny(ReasonAccessDenied), err
		}
		if !subscription.Active || subscription.ExpiresAtUnixUTC <= evaluator.nowFn() {
			return Deny(ReasonSubscriptionRequired), nil
		}
		return Allow(), nil
	case VisibilityPPV:
		purchase, err := reader.GetPurchase(ctx, userID, asset.ID)
		if errors.Is(err, ErrPurchaseNotFound) {
			return Deny(ReasonPurchaseRequired), nil
		}
		if err != nil {
			return Deny(ReasonAccessDenied), err
		}
		if !purchase.Unlocked {
			return Deny(ReasonPurchaseRequired), nil
		}
		if asset.HasViewLimit() && purchase.ViewCount >= asset.ViewLimit {
			return Deny(ReasonViewLimitReached), nil
		}
		return Allow(), nil
	default:
		return Deny(ReasonAccessDenied), nil
	}
}
