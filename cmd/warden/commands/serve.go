package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hollowpoint-games/warden/internal/anticheat"
	"github.com/hollowpoint-games/warden/internal/api"
	"github.com/hollowpoint-games/warden/internal/config"
	"github.com/hollowpoint-games/warden/internal/gateway"
	"github.com/hollowpoint-games/warden/internal/logging"
	"github.com/hollowpoint-games/warden/internal/metrics"
	"github.com/hollowpoint-games/warden/internal/protocol"
	"github.com/hollowpoint-games/warden/internal/ratelimit"
	"github.com/hollowpoint-games/warden/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trust gateway and admin API",
	Long: `Start the player-facing websocket gateway and the operator API.

Examples:
  # Run with built-in defaults
  warden serve

  # Run with a config file, reloaded on change
  warden serve --config warden.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	factory, err := logging.NewFactory(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer factory.Sync()

	logger := factory.GetLogger("main")
	logger.Info("starting warden",
		zap.String("version", Version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("admin_addr", cfg.API.ListenAddr),
	)

	m := metrics.New()

	limiter := ratelimit.NewLimiter(factory.GetLogger("ratelimit"), cfg.RateLimit, m)
	limiter.Start()
	defer limiter.Stop()

	validator := protocol.NewValidator(factory.GetLogger("protocol"), m)

	controller := anticheat.NewController(factory.GetLogger("anticheat"), cfg.AntiCheat, m)
	controller.Start()
	defer controller.Stop()

	sessions := session.NewStore(factory.GetLogger("session"), cfg.Session, m)
	sessions.Start()
	defer sessions.Stop()

	gw := gateway.NewServer(
		factory.GetLogger("gateway"),
		cfg.Gateway,
		m,
		limiter,
		validator,
		controller,
		sessions,
		nil, // the game simulation registers its dispatcher when embedding
	)
	defer gw.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleConnection)
	public := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		if err := public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway listener error", zap.Error(err))
		}
	}()

	admin := api.NewServer(
		factory.GetLogger("api"),
		cfg.API,
		m,
		limiter,
		controller,
		map[string]api.StatsProvider{
			"ratelimit": limiter,
			"anticheat": controller,
			"sessions":  sessions,
			"gateway":   gw,
			"protocol":  validator,
		},
	)
	admin.Start()

	var watcher *config.Watcher
	if cfgFile != "" {
		watcher, err = config.NewWatcher(factory.GetLogger("config"), cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		watcher.OnReload(func(next *config.Config) {
			limiter.UpdateConfig(next.RateLimit)
			controller.UpdateConfig(next.AntiCheat)
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("config hot reload unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	logger.Info("warden started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := public.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway listener shutdown error", zap.Error(err))
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown error", zap.Error(err))
	}

	logger.Info("warden stopped")
	return nil
}
