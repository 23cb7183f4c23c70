// Package httpapi exposes the wallet, recharge, call and livestream
// operations over HTTP and hosts the payment gateway webhook.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/streampay/internal/calls"
	"github.com/MarkoPoloResearchLab/streampay/internal/identity"
	"github.com/MarkoPoloResearchLab/streampay/internal/recharge"
	"github.com/MarkoPoloResearchLab/streampay/pkg/wallet"
)

const identityContextKey = "auth_identity"

var errInvalidServerConfig = errors.New("invalid http server config")

// Server hosts the public API and the gateway webhook.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	wallet     *wallet.Service
	recharge   *recharge.Service
	authorizer *calls.Authorizer
	verifier   *identity.Verifier
}

// NewServer wires a Server.
func NewServer(cfg Config, logger *zap.Logger, walletService *wallet.Service, rechargeService *recharge.Service, authorizer *calls.Authorizer, verifier *identity.Verifier) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidServerConfig, err)
	}
	if walletService == nil || rechargeService == nil || authorizer == nil || verifier == nil {
		return nil, fmt.Errorf("%w: missing dependency", errInvalidServerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		wallet:     walletService,
		recharge:   rechargeService,
		authorizer: authorizer,
		verifier:   verifier,
	}, nil
}

// Router builds the gin engine with all routes mounted.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The gateway calls the webhook out-of-band and carries no bearer token.
	router.GET("/api/recharge/webhook", server.handleWebhookRegistration)
	router.POST("/api/recharge/webhook", server.handleWebhookNotification)

	api := router.Group("/api")
	api.Use(server.verifier.GinMiddleware(identityContextKey))

	api.POST("/setupNewUser", server.handleSetupNewUser)
	api.GET("/wallet", server.handleWallet)
	api.POST("/recharge/initiate", server.handleRechargeInitiate)
	api.POST("/calls/livekit-token", server.handleCallToken)
	api.POST("/calls/charge-duration", server.handleChargeDuration)
	api.POST("/livestreams/start", server.handleLivestreamStart)
	api.POST("/livestreams/stop", server.handleLivestreamStop)
	api.GET("/livestreams", server.handleLivestreamList)
	api.POST("/rewards/grant-ad-reward", server.handleAdReward)

	return router
}

// Run serves the API until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) callerID(ctx *gin.Context) (wallet.UserID, identity.Identity, bool) {
	verified, ok := identity.FromContext(ctx, identityContextKey)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing identity"))
		return wallet.UserID{}, identity.Identity{}, false
	}
	userID, err := wallet.NewUserID(verified.UserID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid identity"))
		return wallet.UserID{}, identity.Identity{}, false
	}
	return userID, verified, true
}

func (server *Server) handleSetupNewUser(ctx *gin.Context) {
	userID, verified, ok := server.callerID(ctx)
	if !ok {
		return
	}
	created, err := server.wallet.Bootstrap(ctx.Request.Context(), userID, verified.Email)
	if err != nil {
		server.logger.Error("bootstrap failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "failed to set up new user"))
		return
	}
	if !created {
		ctx.JSON(http.StatusOK, gin.H{"message": "User profile already exists."})
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": fmt.Sprintf("User profile created with %d bonus coins.", server.wallet.StartingBonusCoins()),
	})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, _, ok := server.callerID(ctx)
	if !ok {
		return
	}
	coins, err := server.wallet.Balance(ctx.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, wallet.ErrAccountNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "user profile does not exist"))
			return
		}
		server.logger.Error("balance fetch failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"coins": coins})
}

type rechargeInitiateRequest struct {
	PackageID   string `json:"packageId"`
	PhoneNumber string `json:"phoneNumber"`
}

func (server *Server) handleRechargeInitiate(ctx *gin.Context) {
	userID, verified, ok := server.callerID(ctx)
	if !ok {
		return
	}
	var request rechargeInitiateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := server.recharge.Initiate(ctx.Request.Context(), userID, verified.Email, request.PackageID, request.PhoneNumber)
	if err != nil {
		if errors.Is(err, recharge.ErrUnknownPackage) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_package", "unknown coin package"))
			return
		}
		server.logger.Error("recharge initiation failed",
			zap.String("user_id", userID.String()),
			zap.String("package_id", request.PackageID),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("initiation_failed", "could not initiate recharge"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"redirectUrl":       result.RedirectURL,
		"merchantReference": result.MerchantReference,
	})
}

// handleWebhookRegistration answers the gateway's URL-registration handshake
// with the exact ack shape it validates against.
func (server *Server) handleWebhookRegistration(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"order_notification_type": "GET",
		"timestamp":               time.Now().UTC().Format(time.RFC3339),
		"status":                  "200",
		"message":                 "Callback URL successfully registered",
	})
}

type webhookNotificationRequest struct {
	OrderNotificationType  string `json:"OrderNotificationType"`
	OrderTrackingID        string `json:"OrderTrackingId"`
	OrderMerchantReference string `json:"OrderMerchantReference"`
}

// handleWebhookNotification processes one gateway delivery. A 500 here is
// deliberate: it tells the gateway to redeliver the notification.
func (server *Server) handleWebhookNotification(ctx *gin.Context) {
	var request webhookNotificationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if _, err := server.recharge.HandleNotification(ctx.Request.Context(), recharge.Notification{
		Type:              request.OrderNotificationType,
		TrackingID:        request.OrderTrackingID,
		MerchantReference: request.OrderMerchantReference,
	}); err != nil {
		server.logger.Error("webhook processing failed",
			zap.String("merchant_reference", request.OrderMerchantReference),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("webhook_error", "notification processing failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"order_notification_type": "POST",
		"timestamp":               time.Now().UTC().Format(time.RFC3339),
		"status":                  "200",
		"message":                 "IPN received successfully. Ready for processing.",
	})
}

type callTokenRequest struct {
	RoomName            string `json:"roomName"`
	ParticipantIdentity string `json:"participantIdentity"`
}

func (server *Server) handleCallToken(ctx *gin.Context) {
	userID, _, ok := server.callerID(ctx)
	if !ok {
		return
	}
	var request callTokenRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.RoomName == "" || request.ParticipantIdentity == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "roomName and participantIdentity are required"))
		return
	}
	token, err := server.authorizer.SessionToken(ctx.Request.Context(), userID, request.ParticipantIdentity, request.RoomName)
	if err != nil {
		switch {
		case errors.Is(err, calls.ErrForbidden):
			ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "token may only be requested for your own identity"))
		case errors.Is(err, wallet.ErrAccountNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "user profile does not exist"))
		case errors.Is(err, calls.ErrInsufficientBalance):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "not enough coins to start a call"))
		default:
			server.logger.Error("call token minting failed", zap.String("user_id", userID.String()), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "could not mint call token"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"token": token})
}

type chargeDurationRequest struct {
	DurationInSeconds int64 `json:"durationInSeconds"`
}

func (server *Server) handleChargeDuration(ctx *gin.Context) {
	userID, _, ok := server.callerID(ctx)
	if !ok {
		return
	}
	var request chargeDurationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := server.authorizer.ChargeDuration(ctx.Request.Context(), userID, request.DurationInSeconds)
	if err != nil {
		switch {
		case errors.Is(err, calls.ErrInvalidDuration):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_duration", "durationInSeconds must not be negative"))
		case errors.Is(err, wallet.ErrAccountNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "user profile does not exist"))
		case errors.Is(err, wallet.ErrInsufficientFunds):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "not enough coins for the call duration"))
		default:
			server.logger.Error("duration charge failed", zap.String("user_id", userID.String()), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "could not charge call duration"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"chargedCoins": result.DebitedCoins,
		"balance":      result.RemainingCoins,
	})
}

func (server *Server) handleLivestreamStart(ctx *gin.Context) {
	server.setLive(ctx, true, "User is now live.")
}

func (server *Server) handleLivestreamStop(ctx *gin.Context) {
	server.setLive(ctx, false, "User has stopped being live.")
}

func (server *Server) setLive(ctx *gin.Context, live bool, message string) {
	userID, _, ok := server.callerID(ctx)
	if !ok {
		return
	}
	if err := server.wallet.SetLive(ctx.Request.Context(), userID, live); err != nil {
		if errors.Is(err, wallet.ErrAccountNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "user profile does not exist"))
			return
		}
		server.logger.Error("live flag update failed",
			zap.String("user_id", userID.String()),
			zap.Bool("live", live),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "could not update live status"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}

func (server *Server) handleLivestreamList(ctx *gin.Context) {
	if _, _, ok := server.callerID(ctx); !ok {
		return
	}
	accounts, err := server.wallet.ListLive(ctx.Request.Context())
	if err != nil {
		server.logger.Error("live listing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "could not list livestreams"))
		return
	}
	liveUsers := make([]gin.H, 0, len(accounts))
	for _, account := range accounts {
		liveUsers = append(liveUsers, gin.H{
			"uid":               account.UserID,
			"username":          account.Username,
			"profilePictureUrl": account.ProfilePictureURL,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "liveUsers": liveUsers})
}

func (server *Server) handleAdReward(ctx *gin.Context) {
	userID, _, ok := server.callerID(ctx)
	if !ok {
		return
	}
	amount, err := wallet.NewCoinAmount(server.cfg.AdRewardCoins)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "ad rewards are disabled"))
		return
	}
	metadata, err := wallet.NewMetadataJSON(`{"source":"rewarded_ad"}`)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "could not grant reward"))
		return
	}
	if err := server.wallet.Credit(ctx.Request.Context(), userID, amount, wallet.EntryReasonAdReward, metadata); err != nil {
		if errors.Is(err, wallet.ErrAccountNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "user profile does not exist"))
			return
		}
		server.logger.Error("ad reward grant failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "could not grant reward"))
		return
	}
	coins, err := server.wallet.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("balance fetch failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "coins": coins})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
