// Command apphost is the supervising process: it serves the core endpoint, spawns app
// services on demand and bridges UI surfaces over websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"apphost/config"
	"apphost/logging"
	"apphost/metrics"
	"apphost/middleware"
	"apphost/registry"
	"apphost/server"
	"apphost/uibridge"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	shell := flag.Bool("shell", true, "start the shell app on boot")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logger = logging.NewDefault()
	}
	defer logger.Sync()

	if err := run(cfg, logger, *shell, flag.Args()); err != nil {
		logger.Fatal("apphost failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, startShell bool, shellArgs []string) error {
	m := metrics.New()

	var reg registry.Registry = registry.NewMemoryRegistry()
	if len(cfg.Registry.EtcdEndpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, cfg.Registry.TTL)
		if err != nil {
			return err
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	pkgs, err := server.ParsePackages(cfg.Supervisor.Packages)
	if err != nil {
		return err
	}

	srv := server.New(
		server.WithConfig(cfg),
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithPackages(pkgs),
		server.WithRegistry(reg),
	)
	srv.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit.Enabled {
		srv.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Service.CallTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.Service.CallTimeout))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	if startShell {
		if _, err := srv.StartShell(ctx, shellArgs...); err != nil {
			logger.Warn("shell not started", zap.Error(err))
		}
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/ipc/:instance", uibridge.NewHandler(srv,
		uibridge.WithLogger(logger),
		uibridge.WithMetrics(m),
	).HandleConnection)
	router.GET("/apps", func(c *gin.Context) {
		apps := srv.Apps()
		out := make([]gin.H, 0, len(apps))
		for _, app := range apps {
			out = append(out, gin.H{"instanceId": app.ID(), "name": app.Name(), "render": app.RenderEndpoint()})
		}
		c.JSON(http.StatusOK, out)
	})
	router.POST("/apps/:name", func(c *gin.Context) {
		app, err := srv.StartApp(c.Request.Context(), c.Param("name"), c.QueryArray("arg")...)
		if errors.Is(err, server.ErrAppNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"instanceId": app.ID(), "render": app.RenderEndpoint()})
	})
	router.DELETE("/apps/:id", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
			return
		}
		app, ok := srv.App(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		app.Close()
		c.Status(http.StatusNoContent)
	})
	router.GET("/services", func(c *gin.Context) {
		records, err := reg.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, records)
	})

	httpSrv := &http.Server{Addr: cfg.Supervisor.HTTPAddr, Handler: router}
	errChan := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.Supervisor.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errChan:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return srv.Shutdown(10 * time.Second)
}
