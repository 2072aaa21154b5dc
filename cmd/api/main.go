package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"auth-guard/internal/config"
	"auth-guard/internal/handler"
	"auth-guard/internal/logger"
	"auth-guard/internal/middleware"
	"auth-guard/internal/service"
	"auth-guard/internal/storage"
)

func main() {
	configLoader := config.NewConfigLoader()
	guardConfig, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	serverConfig := configLoader.GetConfig()

	logOptions := logger.Options{Level: serverConfig.LogLevel, Format: serverConfig.LogFormat}
	if serverConfig.LogFile != "" {
		logOptions.File = &logger.FileOptions{
			Filename:   serverConfig.LogFile,
			MaxSizeMB:  serverConfig.LogMaxSizeMB,
			MaxBackups: serverConfig.LogMaxBackups,
			MaxAgeDays: serverConfig.LogMaxAgeDays,
			Compress:   true,
		}
	}
	appLogger := logger.NewLoggerWithOptions(logOptions)
	appLogger.Info("Starting Auth Guard", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": serverConfig.LogLevel,
		"port":      serverConfig.ServerPort,
	})

	// a process without its signing keys cannot verify anything
	keys, err := service.LoadSigningKeys(serverConfig.SigningAlgorithm, serverConfig.SigningPrivateKeyFile, serverConfig.SigningPublicKeyFile)
	if err != nil {
		appLogger.Error("Failed to load signing keys", err, map[string]interface{}{
			"algorithm": serverConfig.SigningAlgorithm,
		})
		os.Exit(1)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStartup()

	storageConfig := storage.BuildStorageConfigFromEnv(
		serverConfig.AbuseStorage,
		serverConfig.CredentialStore,
		serverConfig.RedisHost,
		serverConfig.RedisPort,
		serverConfig.RedisPassword,
		serverConfig.RedisDB,
		serverConfig.DatabaseURL,
	)
	backends, err := storage.NewStorageFactory().Build(startupCtx, storageConfig, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize storage", err, map[string]interface{}{
			"abuse_storage":    serverConfig.AbuseStorage,
			"credential_store": serverConfig.CredentialStore,
		})
		os.Exit(1)
	}
	defer backends.Close()

	authority := service.NewTokenAuthority(backends.Credentials, keys, service.TokenAuthorityConfig{
		Issuer:    serverConfig.TokenIssuer,
		WebTTL:    serverConfig.WebTokenTTL,
		MirrorTTL: serverConfig.MirrorTokenTTL,
	}, appLogger)
	tracker := service.NewAbuseTracker(backends.Abuse, guardConfig.Abuse, appLogger)
	breaker := service.NewFaultClassifier(guardConfig.FaultThreshold, appLogger)

	accounts, err := service.NewAccountService(backends.Users, service.NewArgon2Hasher(), authority, backends.Deletion, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize accounts", err, nil)
		os.Exit(1)
	}
	if serverConfig.AdminLogin != "" {
		if err := accounts.EnsureAdmin(startupCtx, serverConfig.AdminLogin, serverConfig.AdminPassword); err != nil {
			appLogger.Error("Failed to bootstrap administrator", err, nil)
			os.Exit(1)
		}
	}

	handlers := handler.NewHandlers(handler.Services{
		Accounts:  accounts,
		Authority: authority,
		Tracker:   tracker,
		Breaker:   breaker,
		Mirrors:   service.NewMirrorLinker(authority, serverConfig.PublicURL, appLogger),
		Auth:      middleware.NewAuthenticator(authority, service.NewAuthorizer(backends.Users), serverConfig.CookieName),
		Checks: map[string]handler.HealthChecker{
			"abuse":       backends.Abuse,
			"credentials": backends.Credentials,
		},
		Cookie: handler.CookieConfig{
			Name:     serverConfig.CookieName,
			Domain:   serverConfig.CookieDomain,
			Path:     serverConfig.CookiePath,
			Secure:   serverConfig.CookieSecure,
			SameSite: serverConfig.CookieSameSite,
		},
		Logger: appLogger,
	})

	if serverConfig.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	if err := middleware.ConfigureClientIP(router, middleware.ClientIPConfig{
		TrustedProxies:  serverConfig.TrustedProxies,
		TrustedPlatform: serverConfig.TrustedPlatform,
	}); err != nil {
		appLogger.Error("Failed to configure trusted proxies", err, nil)
		os.Exit(1)
	}

	// the dispatch guard recovers panics on /api; this covers the unguarded routes
	router.Use(gin.Recovery())

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	handlers.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", serverConfig.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"port": serverConfig.ServerPort,
			"addr": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Failed to start server", err, nil)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("Auth Guard is running", map[string]interface{}{
		"port":             serverConfig.ServerPort,
		"abuse_storage":    serverConfig.AbuseStorage,
		"credential_store": serverConfig.CredentialStore,
		"abuse_policy": map[string]interface{}{
			"threshold": guardConfig.Abuse.Threshold,
			"window":    guardConfig.Abuse.Window.String(),
			"ban_tiers": fmt.Sprint(guardConfig.Abuse.BanTiers),
		},
		"fault_threshold": guardConfig.FaultThreshold,
	})

	<-quit
	appLogger.Info("Shutting down server...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
		return
	}

	appLogger.Info("Server stopped gracefully", nil)
}
