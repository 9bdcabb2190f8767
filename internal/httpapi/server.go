package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/internal/webhook"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

// Dependencies are the collaborators the HTTP API serves.
type Dependencies struct {
	Logger   *zap.Logger
	Service  *entitlement.Service
	Webhook  *webhook.Handler
	Registry *prometheus.Registry
}

// Run serves the HTTP API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, dependencies Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router, err := NewRouter(cfg, dependencies, sessionValidator.GinMiddleware(claimsContextKey))
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires routes. authenticate must store *sessionvalidator.Claims under "auth_claims"
// or abort the request.
func NewRouter(cfg Config, dependencies Dependencies, authenticate gin.HandlerFunc) (*gin.Engine, error) {
	if dependencies.Service == nil {
		return nil, fmt.Errorf("entitlement service is required")
	}
	registry := dependencies.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics, err := newHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("http metrics: %w", err)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:  logger,
		service: dependencies.Service,
		webhook: dependencies.Webhook,
		cfg:     cfg,
		now:     time.Now,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.handler)
	router.POST("/webhooks/payments", handler.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(authenticate)
	api.Use(newUserRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).middleware())

	api.POST("/accounts", handler.handleOpenAccount)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/tips", handler.handleTip)
	api.POST("/content/:id/stream-token", handler.handleStreamToken)
	api.POST("/content/:id/unlock", handler.handleUnlock)
	api.GET("/content/stream", handler.handleStream)
	api.GET("/analytics/revenue", handler.handleRevenue)
	api.POST("/admin/disputes", handler.handleAdminDispute)

	return router, nil
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
