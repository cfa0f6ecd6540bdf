package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stripe-reconciler/internal/database"
	"stripe-reconciler/internal/repo"
	"stripe-reconciler/internal/service"
	"stripe-reconciler/internal/webhook"
)

const maxWebhookBody = 1 << 20

type Deps struct {
	OrderTransactions repo.OrderTransactionRepo
	Events            webhook.EventHandler
	Finalize          service.FinalizeService
	// DB is optional; without it /health only reports the process as up.
	DB             database.Service
	Gatherer       prometheus.Gatherer
	WebhookSecret  string
	AllowedOrigins []string
}

type Server struct {
	deps   Deps
	router *gin.Engine
}

func NewServer(deps Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestContext())

	if len(deps.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     deps.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost},
			AllowHeaders:     []string{"Origin", "Content-Type", "Stripe-Signature", "sw-context-token", "sw-language-id", "sw-version-id"},
			ExposeHeaders:    []string{requestIDHeader},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	s := &Server{deps: deps, router: router}

	router.GET("/health", s.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	{
		api.POST("/stripe/webhook", s.handleWebhook)
		api.GET("/order-transactions/:id", s.handleGetOrderTransaction)
		api.POST("/order-transactions/:id/finalize", s.handleFinalize)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the router with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
