package handlers

import (
	"errors"
	"net/http"

	"token-listener/shared/env"
	"token-listener/shared/logger"
	"token-listener/tracker/internal/scheduler"
	"token-listener/tracker/internal/store"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

type BuySignalRequest struct {
	Address          string  `json:"address" binding:"required"`
	Symbol           string  `json:"symbol"`
	InitialMarketCap float64 `json:"initialMarketCap" binding:"required"`
}

type SellSignalRequest struct {
	Address string `json:"address" binding:"required"`
}

func RegisterRoutes(router *gin.Engine, appLogger *logger.Logger) {
	router.GET("/", func(c *gin.Context) {
		appLogger.Info("Root endpoint accessed")
		c.JSON(http.StatusOK, gin.H{"message": "API is running. Tracker active!"})
	})
}

func RegisterAPIRoutes(router *gin.Engine, appLogger *logger.Logger, sched *scheduler.Scheduler, tokens *store.Store) {
	apiGroup := router.Group("/api/v1")
	{
		apiGroup.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "tracked": tokens.Count()})
		})

		apiGroup.GET("/tokens", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"tracked": tokens.Snapshot(), "sold": tokens.SoldSnapshot()})
		})

		apiGroup.POST("/signals/buy", requireSignalAuth(appLogger), handleBuySignal(appLogger, sched))
		apiGroup.POST("/signals/sell", requireSignalAuth(appLogger), handleSellSignal(appLogger, sched))
	}
	appLogger.Info("API routes registered under /api/v1")
}

// requireSignalAuth checks a shared-secret Authorization header when one is
// configured; without it the signal endpoints accept anything.
func requireSignalAuth(appLogger *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := env.SignalAuthHeader
		if expected == "" {
			appLogger.Warn("No SIGNAL_AUTH_HEADER configured. Accepting signal without Authorization check.")
			c.Next()
			return
		}
		received := c.GetHeader("Authorization")
		if received == "" {
			appLogger.Warn("Signal request missing Authorization header.", "remoteAddr", c.RemoteIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing Authorization header"})
			return
		}
		if received != expected {
			appLogger.Error("Unauthorized signal request - header mismatch.", "remoteAddr", c.RemoteIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func handleBuySignal(appLogger *logger.Logger, sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BuySignalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			appLogger.Warn("Invalid buy signal request", "error", err, "remoteAddr", c.RemoteIP())
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		if _, err := solana.PublicKeyFromBase58(req.Address); err != nil {
			appLogger.Warn("Buy signal with invalid contract address", "address", req.Address, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract address"})
			return
		}

		if err := sched.OnBuySignal(req.Address, req.Symbol, req.InitialMarketCap); err != nil {
			switch {
			case errors.Is(err, store.ErrAlreadyTracked):
				c.JSON(http.StatusConflict, gin.H{"error": "Token is already tracked"})
			case errors.Is(err, store.ErrSoldToken):
				c.JSON(http.StatusConflict, gin.H{"error": "Token was sold; release it before re-tracking"})
			default:
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Tracking started", "address": req.Address})
	}
}

func handleSellSignal(appLogger *logger.Logger, sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SellSignalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			appLogger.Warn("Invalid sell signal request", "error", err, "remoteAddr", c.RemoteIP())
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		if err := sched.OnSellSignal(req.Address); err != nil {
			if errors.Is(err, store.ErrNotTracked) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Token is not tracked"})
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Tracking stopped", "address": req.Address})
	}
}
