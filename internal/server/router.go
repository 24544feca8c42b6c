// Package server assembles the HTTP routes of the receiptly API.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"receiptly/internal/handlers"
	"receiptly/internal/middleware"
	"receiptly/internal/services"
)

// Services are the business services the routes are served by.
type Services struct {
	Users      services.UserServicer
	Categories services.CategoryServicer
	Receipts   services.ReceiptServicer
	Summaries  services.SummaryServicer
	Reports    services.ReportServicer
	Audit      services.AuditServicer
}

// Options configure the optional parts of the router.
type Options struct {
	// PipelineAPIKey guards /pipeline routes. An empty key rejects every call.
	PipelineAPIKey string
	// ImageRoot and ImageURL serve locally stored images. Both empty disables
	// the static route, as when images live in S3.
	ImageRoot string
	ImageURL  string
	// Swagger mounts /swagger/*any.
	Swagger bool
	// RequestLogging enables the per-request access log.
	RequestLogging bool
}

// NewRouter builds the gin engine with every API route registered.
func NewRouter(svc Services, opts Options) *gin.Engine {
	authHandler := handlers.NewAuthHandler(svc.Users)
	categoryHandler := handlers.NewCategoryHandler(svc.Categories)
	receiptHandler := handlers.NewReceiptHandler(svc.Receipts, svc.Audit)
	summaryHandler := handlers.NewSummaryHandler(svc.Summaries, svc.Users)
	reportHandler := handlers.NewReportHandler(svc.Reports)

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.RequestLogging {
		router.Use(middleware.RequestLogging())
	}
	router.Use(middleware.ErrorHandler())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	if opts.Swagger {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if opts.ImageRoot != "" && opts.ImageURL != "" {
		router.Static(opts.ImageURL, opts.ImageRoot)
	}

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")

	// Public routes
	auth := v1.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)

	// Protected routes
	protected := v1.Group("/")
	protected.Use(middleware.AuthMiddleware())

	protected.GET("/profile", authHandler.GetProfile)
	protected.GET("/categories", categoryHandler.ListCategories)

	receipts := protected.Group("/receipts")
	receipts.POST("", receiptHandler.UploadReceipt)
	receipts.GET("", receiptHandler.ListReceipts)
	receipts.GET("/:id", receiptHandler.GetReceipt)
	receipts.GET("/:id/status", middleware.NoStore(), receiptHandler.GetReceiptStatus)
	receipts.PUT("/:id", receiptHandler.UpdateReceipt)
	receipts.DELETE("/:id", receiptHandler.DeleteReceipt)
	receipts.POST("/:id/reprocess", receiptHandler.ReprocessReceipt)

	summaries := protected.Group("/summaries")
	summaries.GET("", summaryHandler.ListSummaries)
	summaries.GET("/:year/:month", summaryHandler.GetSummary)

	protected.GET("/dashboard", reportHandler.GetDashboard)
	protected.GET("/reports", reportHandler.GetReport)
	protected.GET("/reports/export", reportHandler.ExportReport)

	// Pipeline routes
	pipeline := v1.Group("/pipeline")
	pipeline.Use(middleware.PipelineAuthMiddleware(opts.PipelineAPIKey))
	pipeline.POST("/summaries/recompute", summaryHandler.RecomputeSummaries)

	return router
}
