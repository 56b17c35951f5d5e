package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/inkwell-api/api/swagger"
	"github.com/noah-isme/inkwell-api/internal/handler"
	"github.com/noah-isme/inkwell-api/internal/middleware"
	"github.com/noah-isme/inkwell-api/internal/repository"
	"github.com/noah-isme/inkwell-api/internal/service"
	"github.com/noah-isme/inkwell-api/pkg/cache"
	"github.com/noah-isme/inkwell-api/pkg/config"
	"github.com/noah-isme/inkwell-api/pkg/database"
	"github.com/noah-isme/inkwell-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/inkwell-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/inkwell-api/pkg/middleware/requestid"
	"github.com/noah-isme/inkwell-api/pkg/storage"
)

// @title Inkwell API
// @version 0.1.0
// @description Authentication and session lifecycle API
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer rdb.Close() //nolint:errcheck

	uploads, err := storage.NewLocalStorage(cfg.Uploads.Dir, cfg.Uploads.MaxFileSizeBytes)
	if err != nil {
		logr.Sugar().Fatalw("failed to prepare uploads directory", "error", err)
	}

	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionStore(rdb)

	authSvc := service.NewAuthService(users, sessions, validator.New(), logr, service.AuthConfig{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessExpiry:  cfg.JWT.AccessExpiry,
		RefreshExpiry: cfg.JWT.RefreshExpiry,
		Issuer:        cfg.JWT.Issuer,
	})
	metricsSvc := service.NewMetricsService()

	authHandler := handler.NewAuthHandler(authSvc, uploads, metricsSvc, handler.CookieConfig{
		Name:     cfg.Cookie.Name,
		Path:     cfg.Cookie.Path,
		Domain:   cfg.Cookie.Domain,
		SameSite: cfg.Cookie.SameSite,
		Secure:   cfg.Cookie.Secure,
		MaxAge:   cfg.JWT.RefreshExpiry,
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	userRoutes := api.Group("/users")
	{
		userRoutes.POST("/login", authHandler.Login)
		userRoutes.POST("/register", authHandler.Register)
		userRoutes.POST("/refresh-token", authHandler.Refresh)

		protected := userRoutes.Group("")
		protected.Use(middleware.JWT(authSvc))
		protected.POST("/logout", authHandler.Logout)
		protected.GET("/me", authHandler.Me)
		protected.POST("/change-password", authHandler.ChangePassword)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
