package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
)

// Descriptor tells the delivery layer where and how to serve the bytes.
type Descriptor struct {
	ContentID ContentID
	OriginURL string
	Watermark bool
	DRM       bool
}

// StreamGrant is the result of AuthorizeStream. Descriptor is set only when the decision allows.
type StreamGrant struct {
	Decision   Decision
	Descriptor *Descriptor
	UserID     UserID
}

// Gateway is the single entry point for stream authorization and view tracking.
type Gateway struct {
	store     Store
	codec     *signedurl.Codec
	evaluator *Evaluator
}

// NewGateway wires a Gateway.
func NewGateway(store Store, codec *signedurl.Codec, evaluator *Evaluator) (*Gateway, error) {
	if store == nil || codec == nil || evaluator == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	return &Gateway{store: store, codec: codec, evaluator: evaluator}, nil
}

// AuthorizeStream verifies the token, re-evaluates entitlement and records the view.
//
// Entitlement and the view counters are read and written in one store transaction. For pay-per-view
// content the purchase view count is bumped with a conditional increment, so two requests racing at the
// limit cannot both be admitted. A store failure denies and returns the error.
func (gateway *Gateway) AuthorizeStream(ctx context.Context, raw signedurl.RawToken) (StreamGrant, error) {
	if !gateway.codec.VerifyRaw(raw) {
		return StreamGrant{Decision: Deny(ReasonInvalidURL)}, nil
	}
	userID, err := NewUserID(raw.UserID)
	if err != nil {
		return StreamGrant{Decision: Deny(ReasonInvalidURL)}, nil
	}
	contentID, err := NewContentID(raw.ContentID)
	if err != nil {
		return StreamGrant{Decision: Deny(ReasonInvalidURL)}, nil
	}

	var grant StreamGrant
	err = gateway.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		decision, asset, err := gateway.evaluator.Evaluate(ctx, transactionStore, userID, contentID)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			grant = StreamGrant{Decision: decision, UserID: userID}
			return nil
		}
		if err := gateway.recordView(ctx, transactionStore, userID, asset); err != nil {
			if errors.Is(err, errViewLimitReached) {
				grant = StreamGrant{Decision: Deny(ReasonViewLimitReached), UserID: userID}
				return nil
			}
			return err
		}
		grant = StreamGrant{
			Decision: decision,
			UserID:   userID,
			Descriptor: &Descriptor{
				ContentID: asset.ID,
				OriginURL: asset.OriginURL,
				Watermark: asset.WatermarkEnabled,
				DRM:       asset.DRMEnabled,
			},
		}
		return nil
	})
	if err != nil {
		return StreamGrant{Decision: Deny(ReasonAccessDenied), UserID: userID}, err
	}
	return grant, nil
}

var errViewLimitReached = errors.New("view limit reached")

func (gateway *Gateway) recordView(ctx context.Context, transactionStore Store, userID UserID, asset ContentAsset) error {
	if asset.CreatorID != userID {
		limit := int64(0)
		if asset.Visibility == VisibilityPPV {
			limit = asset.ViewLimit
		}
		incremented, err := transactionStore.IncrementViewCountIfBelowLimit(ctx, userID, asset.ID, limit)
		if err != nil {
			return err
		}
		if !incremented && asset.Visibility == VisibilityPPV {
			return errViewLimitReached
		}
	}
	return transactionStore.IncrementContentViews(ctx, asset.ID)
}
