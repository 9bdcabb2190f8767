package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/spf13/cobra"
)

const (
	flagContentID   = "id"
	flagCreatorID   = "creator"
	flagFanID       = "fan"
	flagVisibility  = "visibility"
	flagPrice       = "price"
	flagViewLimit   = "view-limit"
	flagOriginURL   = "origin-url"
	flagWatermark   = "watermark"
	flagDRM         = "drm"
	flagDuration    = "duration"
	flagInactive    = "inactive"
	defaultTermDays = 30
)

func newContentCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Manage protected content assets",
	}
	cmd.AddCommand(newContentPutCommand(cfg), newContentTakedownCommand(cfg))
	return cmd
}

func newContentPutCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a content asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asset, err := contentAssetFromFlags(cmd)
			if err != nil {
				return err
			}
			store, cleanup, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()
			if err := store.PutContentAsset(cmd.Context(), asset); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "content %s stored (%s)\n", asset.ID, asset.Visibility)
			return nil
		},
	}
	cmd.Flags().String(flagContentID, "", "content id (required)")
	cmd.Flags().String(flagCreatorID, "", "owning creator user id (required)")
	cmd.Flags().String(flagVisibility, string(entitlement.VisibilityPublic), "PUBLIC, SUBSCRIBERS, PPV or PRIVATE")
	cmd.Flags().Int64(flagPrice, 0, "unlock price in tokens (PPV only)")
	cmd.Flags().Int64(flagViewLimit, 0, "per-fan view limit (0 means unlimited)")
	cmd.Flags().String(flagOriginURL, "", "origin URL served to entitled viewers")
	cmd.Flags().Bool(flagWatermark, false, "overlay a viewer watermark")
	cmd.Flags().Bool(flagDRM, false, "mark the stream as DRM protected")
	return cmd
}

func newContentTakedownCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "takedown",
		Short: "Make a content asset private to its creator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString(flagContentID)
			contentID, err := entitlement.NewContentID(rawID)
			if err != nil {
				return err
			}
			store, cleanup, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()
			asset, err := store.GetContentAsset(cmd.Context(), contentID)
			if err != nil {
				return err
			}
			asset.Visibility = entitlement.VisibilityPrivate
			if err := store.PutContentAsset(cmd.Context(), asset); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "content %s taken down\n", asset.ID)
			return nil
		},
	}
	cmd.Flags().String(flagContentID, "", "content id (required)")
	return cmd
}

func newSubscriptionCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manage fan subscriptions",
	}
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a fan's subscription to a creator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subscription, err := subscriptionFromFlags(cmd, time.Now())
			if err != nil {
				return err
			}
			store, cleanup, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()
			if err := store.PutSubscription(cmd.Context(), subscription); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscription %s -> %s active=%t until %s\n",
				subscription.FanID, subscription.CreatorID, subscription.Active,
				time.Unix(subscription.ExpiresAtUnixUTC, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	put.Flags().String(flagFanID, "", "subscribing fan user id (required)")
	put.Flags().String(flagCreatorID, "", "creator user id (required)")
	put.Flags().Duration(flagDuration, defaultTermDays*24*time.Hour, "subscription term from now")
	put.Flags().Bool(flagInactive, false, "store the subscription as cancelled")
	cmd.AddCommand(put)
	return cmd
}

func contentAssetFromFlags(cmd *cobra.Command) (entitlement.ContentAsset, error) {
	flags := cmd.Flags()
	rawID, _ := flags.GetString(flagContentID)
	rawCreator, _ := flags.GetString(flagCreatorID)
	rawVisibility, _ := flags.GetString(flagVisibility)
	price, _ := flags.GetInt64(flagPrice)
	viewLimit, _ := flags.GetInt64(flagViewLimit)
	originURL, _ := flags.GetString(flagOriginURL)
	watermark, _ := flags.GetBool(flagWatermark)
	drm, _ := flags.GetBool(flagDRM)

	contentID, err := entitlement.NewContentID(rawID)
	if err != nil {
		return entitlement.ContentAsset{}, err
	}
	creatorID, err := entitlement.NewUserID(rawCreator)
	if err != nil {
		return entitlement.ContentAsset{}, err
	}
	visibility, err := parseVisibility(rawVisibility)
	if err != nil {
		return entitlement.ContentAsset{}, err
	}
	if price < 0 || viewLimit < 0 {
		return entitlement.ContentAsset{}, fmt.Errorf("%s and %s must not be negative", flagPrice, flagViewLimit)
	}
	if visibility == entitlement.VisibilityPPV && price == 0 {
		return entitlement.ContentAsset{}, fmt.Errorf("%s is required for PPV content", flagPrice)
	}
	return entitlement.ContentAsset{
		ID:               contentID,
		CreatorID:        creatorID,
		Visibility:       visibility,
		Price:            entitlement.Tokens(price),
		ViewLimit:        viewLimit,
		OriginURL:        strings.TrimSpace(originURL),
		WatermarkEnabled: watermark,
		DRMEnabled:       drm,
	}, nil
}

func subscriptionFromFlags(cmd *cobra.Command, now time.Time) (entitlement.Subscription, error) {
	flags := cmd.Flags()
	rawFan, _ := flags.GetString(flagFanID)
	rawCreator, _ := flags.GetString(flagCreatorID)
	term, _ := flags.GetDuration(flagDuration)
	inactive, _ := flags.GetBool(flagInactive)

	fanID, err := entitlement.NewUserID(rawFan)
	if err != nil {
		return entitlement.Subscription{}, err
	}
	creatorID, err := entitlement.NewUserID(rawCreator)
	if err != nil {
		return entitlement.Subscription{}, err
	}
	if term <= 0 {
		return entitlement.Subscription{}, fmt.Errorf("%s must be positive", flagDuration)
	}
	return entitlement.Subscription{
		FanID:            fanID,
		CreatorID:        creatorID,
		Active:           !inactive,
		ExpiresAtUnixUTC: now.Add(term).UTC().Unix(),
	}, nil
}

func parseVisibility(raw string) (entitlement.Visibility, error) {
	switch visibility := entitlement.Visibility(strings.ToUpper(strings.TrimSpace(raw))); visibility {
	case entitlement.VisibilityPublic, entitlement.VisibilitySubscribers, entitlement.VisibilityPPV, entitlement.VisibilityPrivate:
		return visibility, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", raw)
	}
}
