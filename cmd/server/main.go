package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/handlers"
	"github.com/vaultsync/vaultsync/internal/middleware"
	"github.com/vaultsync/vaultsync/internal/ratelimit"
	"github.com/vaultsync/vaultsync/internal/repository"
	"github.com/vaultsync/vaultsync/internal/service"
)

const purgeInterval = time.Hour

func main() {
	// Local development convenience; in deployment the environment is real.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	dynamoClient, err := initDynamoDB(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DynamoDB")
	}
	logger.Info("DynamoDB client initialized")

	// Initialize repositories
	userRepo := repository.NewUserRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	refreshRepo := repository.NewRefreshTokenRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	blacklistRepo := repository.NewBlacklistRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	syncRepo := repository.NewSyncBlobRepository(dynamoClient, cfg.DynamoDB.TableName, logger)

	limiter, memLimiter := initRateLimiter(cfg, logger)

	// Initialize services
	tokenService, err := service.NewTokenService(&cfg.JWT, blacklistRepo, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize token service")
	}
	refreshService := service.NewRefreshService(refreshRepo, tokenService, cfg.JWT.RefreshExpiry, logger)
	syncService := service.NewSyncService(syncRepo, logger)

	authHandlers := handlers.NewAuthHandlers(userRepo, refreshService, limiter, cfg, logger)
	syncHandlers := handlers.NewSyncHandlers(syncService, refreshService, logger)

	authMiddleware := middleware.NewAuthMiddleware(tokenService, logger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(limiter, logger)

	router := setupRouter(cfg, authHandlers, syncHandlers, authMiddleware, rateLimitMiddleware, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	purgeCtx, stopPurge := context.WithCancel(context.Background())
	go purgeLoop(purgeCtx, refreshService, memLimiter, logger)

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopPurge()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initDynamoDB(cfg *config.Config) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO())
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg), nil
}

// initRateLimiter picks the backend: Redis when configured, the per-instance
// in-memory store otherwise. The memory store cannot report consumed points,
// so progressive login delay is inactive on it.
func initRateLimiter(cfg *config.Config, logger *logrus.Logger) (ratelimit.Store, *ratelimit.MemoryStore) {
	if cfg.Redis.Disabled {
		logger.Warn("Redis disabled; using per-instance rate limiting without progressive delay")
		mem := ratelimit.NewMemoryStore()
		return mem, mem
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return ratelimit.NewRedisStore(client, logger), nil
}

func purgeLoop(ctx context.Context, refreshService *service.RefreshService, memLimiter *ratelimit.MemoryStore, logger *logrus.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := refreshService.PurgeExpired(ctx)
			if err != nil {
				logger.WithError(err).Warn("Refresh token purge failed")
			} else if purged > 0 {
				logger.WithField("purged", purged).Info("Purged expired refresh tokens")
			}

			if memLimiter != nil {
				memLimiter.PurgeExpired()
			}
		}
	}
}

func setupRouter(
	cfg *config.Config,
	authHandlers *handlers.AuthHandlers,
	syncHandlers *handlers.SyncHandlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.Logging(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api/v1").Subrouter()

	// Login and registration consume their limits inside the handler: the
	// identifier derives from the body's email claim.
	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/register", authHandlers.Register).Methods("POST", "OPTIONS")
	auth.HandleFunc("/login", authHandlers.Login).Methods("POST", "OPTIONS")

	refreshRoute := api.PathPrefix("/auth/refresh").Subrouter()
	refreshRoute.Use(rateLimitMiddleware.Limit(ratelimit.LimitRefresh, cfg.RateLimit.Refresh))
	refreshRoute.HandleFunc("", authHandlers.Refresh).Methods("POST", "OPTIONS")

	logout := api.PathPrefix("/auth").Subrouter()
	logout.Use(authMiddleware.RequireAuth)
	logout.Use(rateLimitMiddleware.Limit(ratelimit.LimitLogout, cfg.RateLimit.Logout))
	logout.HandleFunc("/logout", authHandlers.Logout).Methods("POST", "OPTIONS")
	logout.HandleFunc("/logout-all", authHandlers.LogoutAll).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("/").Subrouter()
	protected.Use(authMiddleware.RequireAuth)
	protected.HandleFunc("/me", authHandlers.Me).Methods("GET", "OPTIONS")

	// OPTIONS registered once per path; the CORS middleware answers the
	// preflight before auth or rate limiting run.
	syncRead := api.PathPrefix("/sync").Subrouter()
	syncRead.Use(authMiddleware.RequireAuth)
	syncRead.Use(rateLimitMiddleware.Limit(ratelimit.LimitSyncRead, cfg.RateLimit.SyncRead))
	syncRead.HandleFunc("", syncHandlers.Get).Methods("GET", "OPTIONS")

	syncWrite := api.PathPrefix("/sync").Subrouter()
	syncWrite.Use(authMiddleware.RequireAuth)
	syncWrite.Use(rateLimitMiddleware.Limit(ratelimit.LimitSyncWrite, cfg.RateLimit.SyncWrite))
	syncWrite.HandleFunc("", syncHandlers.Put).Methods("PUT")
	syncWrite.HandleFunc("", syncHandlers.Delete).Methods("DELETE")

	return router
}
