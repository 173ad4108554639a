package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/dispatch"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	"github.com/smallbiznis/genledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/genledger/internal/observability/tracing"
	"github.com/smallbiznis/genledger/internal/reconcile"
	"github.com/smallbiznis/genledger/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(debug bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           debug,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg.Debug())
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	dispatcher *dispatch.Service
	reconciler *reconcile.Service
	accounts   accountdomain.Service
	ledger     ledgerdomain.Service
	scheduler  *scheduler.Scheduler
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Dispatcher *dispatch.Service
	Reconciler *reconcile.Service
	Accounts   accountdomain.Service
	Ledger     ledgerdomain.Service
	Scheduler  *scheduler.Scheduler `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		dispatcher: p.Dispatcher,
		reconciler: p.Reconciler,
		accounts:   p.Accounts,
		ledger:     p.Ledger,
		scheduler:  p.Scheduler,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Jobs --------
	api.POST("/jobs", s.SubmitJob)
	api.GET("/jobs/:job_id", s.GetJob)
	api.POST("/jobs/:job_id/cancel", s.CancelJob)

	// -------- Accounts --------
	api.POST("/accounts", s.CreateAccount)
	api.GET("/accounts/:account_id", s.GetAccount)
	api.GET("/accounts/:account_id/balance", s.GetBalance)
	api.GET("/accounts/:account_id/jobs", s.ListJobs)

	// -------- Provider callbacks --------
	api.POST("/providers/:provider/callback", s.ProviderCallback)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())

	admin.POST("/accounts/:account_id/credits", s.GrantCredits)
	admin.POST("/accounts/:account_id/plan", s.AssignPlan)
	admin.GET("/transactions", s.ExportTransactions)

	admin.POST("/sweep", s.SweepNow)
	admin.POST("/jobs/:job_id/requeue", s.RequeueJob)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
