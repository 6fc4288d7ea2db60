// Package httpapi exposes the ledger over HTTP: signed webhooks, owner session routes and admin routes.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/payledger/internal/inbound"
	"github.com/MarkoPoloResearchLab/payledger/internal/reporting"
	"github.com/MarkoPoloResearchLab/payledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	maxWebhookBytes  = 1 << 20
	shutdownTimeout  = 5 * time.Second
)

// Settings configures the HTTP surface.
type Settings struct {
	ListenAddr        string
	AllowedOrigins    []string
	AdminUserIDs      []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
}

// WebhookHandler applies signed webhook deliveries.
type WebhookHandler interface {
	Handle(ctx context.Context, integration string, raw []byte, signatureHeader string) (inbound.Result, error)
}

// Dependencies are the ledger components served over HTTP.
type Dependencies struct {
	Service  *ledger.Service
	Payouts  *ledger.PayoutProcessor
	Webhooks WebhookHandler
	Reports  *reporting.Projector
	Logger   *zap.Logger
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Service == nil:
		return errors.New("httpapi: service is required")
	case deps.Payouts == nil:
		return errors.New("httpapi: payout processor is required")
	case deps.Webhooks == nil:
		return errors.New("httpapi: webhook handler is required")
	case deps.Reports == nil:
		return errors.New("httpapi: reports are required")
	}
	return nil
}

// Run serves the HTTP API until ctx is cancelled.
func Run(ctx context.Context, settings Settings, deps Dependencies) error {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(settings.SessionSigningKey),
		Issuer:     settings.SessionIssuer,
		CookieName: settings.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router, err := NewRouter(settings, deps, validator)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", settings.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine. Webhooks authenticate by signature; /api routes require a session.
func NewRouter(settings Settings, deps Dependencies, validator *sessionvalidator.Validator) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if validator == nil {
		return nil, errors.New("httpapi: session validator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler := &httpHandler{
		deps:   deps,
		logger: deps.Logger.Named("httpapi"),
		admins: make(map[string]struct{}, len(settings.AdminUserIDs)),
	}
	for _, userID := range settings.AdminUserIDs {
		handler.admins[userID] = struct{}{}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(settings.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     settings.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/:integration", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/accounts/:role/:currency/balance", handler.handleBalance)
	api.GET("/accounts/:role/:currency/entries", handler.handleEntries)
	api.POST("/payouts", handler.handleRequestPayout)
	api.GET("/payouts/:id", handler.handleGetPayout)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.GET("/transactions/:id", handler.handleGetTransaction)
	admin.POST("/transactions/:id/dispute", handler.handleDispute)
	admin.POST("/transactions/:id/refund", handler.handleRefund)
	admin.POST("/transactions/:id/cancel", handler.handleCancel)
	admin.POST("/payouts/:id/settle", handler.handleSettlePayout)
	admin.POST("/payouts/:id/fail", handler.handleFailPayout)
	admin.POST("/accounts/:id/freeze", handler.handleFreeze)
	admin.POST("/accounts/:id/close", handler.handleClose)
	admin.POST("/accounts/:id/reopen", handler.handleReopen)
	admin.GET("/reports/pnl", handler.handleProfitAndLoss)
	admin.GET("/reports/balance-sheet", handler.handleBalanceSheet)
	admin.GET("/reports/cash-flow", handler.handleCashFlow)
	admin.GET("/reports/dashboard", handler.handleDashboard)
	admin.GET("/reports/revenue", handler.handleRevenue)
	admin.GET("/reports/mrr", handler.handleMRR)

	return router, nil
}

type httpHandler struct {
	deps   Dependencies
	logger *zap.Logger
	admins map[string]struct{}
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", "webhook body exceeds limit"))
		return
	}
	result, err := handler.deps.Webhooks.Handle(ctx.Request.Context(), ctx.Param("integration"), raw, ctx.GetHeader(inbound.SignatureHeader))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"kind":           result.Kind,
		"transaction_id": result.TransactionID.String(),
		"first_delivery": result.FirstDelivery,
	})
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if _, ok := handler.admins[claims.GetUserID()]; !ok {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin access required"))
		return
	}
	ctx.Next()
}

// respondError maps the ledger error taxonomy onto HTTP status codes.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	class := ledger.Classify(err)
	statusCode := statusForClass(class)
	message := err.Error()
	if class == ledger.ClassInternal {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		message = "internal error"
	}
	ctx.JSON(statusCode, errorResponse(string(class), message))
}

func statusForClass(class ledger.ErrorClass) int {
	switch class {
	case ledger.ClassValidation:
		return http.StatusBadRequest
	case ledger.ClassConflict:
		return http.StatusConflict
	case ledger.ClassPolicy:
		return http.StatusUnprocessableEntity
	case ledger.ClassSecurity:
		return http.StatusUnauthorized
	case ledger.ClassNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
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
