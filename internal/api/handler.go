package api

import (
	"net/http"
	"time"

	"tradesim-core/internal/events"
	"tradesim-core/internal/ledger"
	"tradesim-core/internal/market"
	"tradesim-core/internal/monitor"
	"tradesim-core/internal/policy"
	"tradesim-core/internal/position"
	"tradesim-core/internal/settle"
	"tradesim-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the simulator core.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Ledger    *ledger.Manager
	Registry  *policy.Registry
	Engine    *settle.Engine
	Positions *position.Store
	Scheduler *position.Scheduler
	Quotes    *market.Board
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta

	admins map[string]bool
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Version               string
	TransactionHistoryCap int
	TradeHistoryCap       int
	WebhookSecret         string
}

func NewServer(bus *events.Bus, database *db.Database, ledg *ledger.Manager,
	registry *policy.Registry, engine *settle.Engine, positions *position.Store,
	scheduler *position.Scheduler, quotes *market.Board, metrics *monitor.SystemMetrics,
	meta SystemMeta, jwtSecret string, adminUsers []string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger(metrics))              // Request logging (after ID is set)
	r.Use(RateLimitMiddleware())               // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	admins := make(map[string]bool, len(adminUsers))
	for _, name := range adminUsers {
		admins[name] = true
	}

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Ledger:    ledg,
		Registry:  registry,
		Engine:    engine,
		Positions: positions,
		Scheduler: scheduler,
		Quotes:    quotes,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
		admins:    admins,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/market", s.getMarket)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Payment provider callback, authenticated by signature instead.
		api.POST("/admin/payments/webhook", s.paymentsWebhook)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/trades", s.openTrade)
			protected.GET("/trades", s.listTrades)
			protected.POST("/trades/:id/settle", s.settleTrade)
			protected.GET("/trades/stats", s.tradeStats)

			protected.GET("/accounts/:mode", s.getAccount)
			protected.POST("/accounts/:mode/deposit", s.deposit)
			protected.POST("/accounts/:mode/withdraw", s.withdraw)

			protected.GET("/transactions", s.listTransactions)
			protected.GET("/marketer/account", s.marketerAccount)

			// Admin-only
			admin := protected.Group("/admin")
			admin.Use(AdminMiddleware())
			{
				admin.GET("/privileged-traders", s.listPrivileged)
				admin.POST("/privileged-traders", s.addPrivileged)
				admin.DELETE("/privileged-traders/:username", s.removePrivileged)

				admin.GET("/withdrawals", s.listPendingWithdrawals)
				admin.POST("/withdrawals/:id/approve", s.approveWithdrawal)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.Meta.Version})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getMarket(c *gin.Context) {
	c.JSON(http.StatusOK, s.Quotes.Snapshot())
}

func (s *Server) isConfiguredAdmin(username string) bool {
	return s.admins[username]
}

func (s *Server) internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":  "INTERNAL_ERROR",
		"error": err.Error(),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
