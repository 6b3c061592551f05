package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sis-enrollment-api/api/swagger"
	"github.com/noah-isme/sis-enrollment-api/internal/handler"
	"github.com/noah-isme/sis-enrollment-api/internal/middleware"
	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/repository"
	"github.com/noah-isme/sis-enrollment-api/internal/service"
	"github.com/noah-isme/sis-enrollment-api/pkg/cache"
	"github.com/noah-isme/sis-enrollment-api/pkg/config"
	"github.com/noah-isme/sis-enrollment-api/pkg/database"
	"github.com/noah-isme/sis-enrollment-api/pkg/jobs"
	"github.com/noah-isme/sis-enrollment-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sis-enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sis-enrollment-api/pkg/middleware/requestid"
)

// @title SIS Enrollment API
// @version 0.1.0
// @description Scheduling and enrollment engine for academic terms
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
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	termRepo := repository.NewTermRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	classroomRepo := repository.NewClassroomRepository(db)
	teacherRepo := repository.NewTeacherRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	sectionRepo := repository.NewSectionRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsService := service.NewMetricsService()
	termService := service.NewTermService(termRepo, cacheRepo, cfg.Timetable.CacheTTL, nil, logr)
	sectionService := service.NewSectionService(sectionRepo, termRepo, subjectRepo, teacherRepo, classroomRepo, cacheRepo, cfg.Timetable.CacheTTL, nil, logr)
	registrationService := service.NewRegistrationService(registrationRepo, sectionRepo, termRepo, subjectRepo, studentRepo, metricsService, nil, logr)
	lifecycleService := service.NewLifecycleService(sectionRepo, registrationRepo, termRepo, cacheRepo, metricsService, logr)

	var exportService *service.ExportService
	if cfg.Exports.Enabled {
		exportService = service.NewExportService(sectionService, logr)
	}

	termHandler := handler.NewTermHandler(termService)
	sectionHandler := handler.NewSectionHandler(sectionService, exportService)
	registrationHandler := handler.NewRegistrationHandler(registrationService)
	lifecycleHandler := handler.NewLifecycleHandler(lifecycleService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(cfg.JWT.Secret))

	terms := api.Group("/terms")
	{
		terms.GET("", termHandler.List)
		terms.GET("/current", termHandler.GetCurrent)
		terms.GET("/:id", termHandler.Get)
		terms.POST("", middleware.RequireRoles(models.RoleAdmin), termHandler.Create)
		terms.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), termHandler.Update)
		terms.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), termHandler.Delete)
		terms.POST("/:id/set-current", middleware.RequireRoles(models.RoleAdmin), termHandler.SetCurrent)
		terms.POST("/:id/complete", middleware.RequireRoles(models.RoleAdmin), registrationHandler.CompleteTerm)
	}

	sections := api.Group("/sections")
	{
		sections.GET("", sectionHandler.List)
		sections.GET("/:id", sectionHandler.Get)
		sections.GET("/:id/schedule", sectionHandler.ExpandSchedule)
		sections.GET("/:id/schedule/export", sectionHandler.ExportSchedule)
		sections.POST("", middleware.RequireRoles(models.RoleAdmin), sectionHandler.Create)
		sections.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), sectionHandler.Update)
	}

	registrations := api.Group("/registrations")
	{
		registrations.GET("", registrationHandler.List)
		registrations.GET("/:id", registrationHandler.Get)
		registrations.POST("", middleware.RequireRoles(models.RoleAdmin, models.RoleStudent), registrationHandler.Register)
		registrations.POST("/:id/switch", middleware.RequireRoles(models.RoleAdmin, models.RoleStudent), registrationHandler.Switch)
		registrations.POST("/:id/approve", middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher), registrationHandler.Approve)
		registrations.POST("/:id/reject", middleware.RequireRoles(models.RoleAdmin), registrationHandler.Reject)
		registrations.POST("/:id/request-rejection", middleware.RequireRoles(models.RoleTeacher), registrationHandler.RequestRejection)
		registrations.POST("/:id/drop", middleware.RequireRoles(models.RoleAdmin, models.RoleStudent), registrationHandler.Drop)
	}

	api.POST("/lifecycle/sync", middleware.RequireRoles(models.RoleAdmin), lifecycleHandler.Sync)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sweepQueue *jobs.Queue
	if cfg.Lifecycle.Enabled {
		sweepQueue = jobs.NewQueue("lifecycle-sweep", func(jobCtx context.Context, job jobs.Job) error {
			result, err := lifecycleService.Sync(jobCtx, "")
			if err != nil {
				return err
			}
			if len(result.DeactivatedSectionIDs) > 0 {
				logr.Sugar().Infow("scheduled lifecycle sweep applied",
					"term_id", result.TermID,
					"deactivated", len(result.DeactivatedSectionIDs),
					"cancelled", result.CancelledRegistrations)
			}
			return nil
		}, jobs.QueueConfig{
			Workers:    1,
			MaxRetries: cfg.Lifecycle.WorkerRetries,
			Logger:     logr,
		})
		sweepQueue.Start(ctx)
		defer sweepQueue.Stop()

		go func() {
			ticker := time.NewTicker(cfg.Lifecycle.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := sweepQueue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: "lifecycle-sweep"}); err != nil {
						logr.Sugar().Warnw("failed to enqueue lifecycle sweep", "error", err)
					}
				}
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
