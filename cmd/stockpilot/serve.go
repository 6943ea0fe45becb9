package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stockpilot/realtime/internal/auth"
	"github.com/stockpilot/realtime/internal/config"
	"github.com/stockpilot/realtime/internal/hub"
	"github.com/stockpilot/realtime/internal/inventory"
	"github.com/stockpilot/realtime/internal/logging"
	"github.com/stockpilot/realtime/internal/mock"
)

var (
	servePort     int
	serveHost     string
	serveDB       string
	serveMock     bool
	serveMockTick time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the realtime hub and inventory API",
	Long: `Start the hub: the /ws WebSocket endpoint, the /ws/poll long-poll
fallback and the /api inventory REST API.

With --mock a demo catalog is seeded and scripted stock movements are
recorded every tick.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override server port")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override listen host")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (empty keeps inventory in memory)")
	serveCmd.Flags().BoolVar(&serveMock, "mock", false, "Seed a demo catalog and generate stock movements")
	serveCmd.Flags().DurationVar(&serveMockTick, "mock-interval", 2*time.Second, "Interval between mock movement rounds")
}

func runServe(cmd *cobra.Command, args []string) error {
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if serveDB != "" {
		cfg.Database.Path = serveDB
	}
	log := logging.Component("serve")

	store, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		if verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret); err != nil {
			return err
		}
	}

	var relay hub.Relay
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		relay = hub.NewRedisRelay(rdb, cfg.Redis.Channel, logging.Component("relay"))
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("redis relay enabled")
	}

	h := hub.New(hubOptions(cfg, verifier, relay))
	inv := inventory.NewService(store, h, cfg.Hub.LowStockThreshold, logging.Component("inventory"))

	sopts := hub.ServerOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequireAuth:    cfg.Auth.Required,
		Logger:         logging.Component("http"),
	}
	if verifier != nil {
		sopts.Verifier = verifier
	}
	server := hub.NewServer(h, inv, sopts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if relay != nil {
		go func() {
			if err := h.RunRelay(ctx); err != nil {
				log.Error().Err(err).Msg("relay stopped")
			}
		}()
	}

	if serveMock {
		log.Info().Dur("interval", serveMockTick).Msg("starting in mock mode")
		if err := mock.NewGenerator(inv, serveMockTick, logging.Component("mock")).Start(ctx); err != nil {
			return err
		}
	}

	err = server.ListenAndServe(ctx, cfg.Server.Addr())
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	log.Info().Msg("shut down")
	return err
}

func openStore(db config.DatabaseConfig) (inventory.Store, error) {
	if db.Path == "" {
		return inventory.NewMemoryStore(), nil
	}
	s, err := inventory.OpenSQLite(db.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// hubOptions maps configuration onto the hub. verifier and relay may be nil.
func hubOptions(c *config.Config, verifier *auth.Verifier, relay hub.Relay) hub.Options {
	opts := hub.Options{
		MaxConnections:    c.Hub.MaxConnections,
		SendBuffer:        c.Hub.SendBuffer,
		DashboardThrottle: c.Hub.DashboardThrottle,
		PollTimeout:       c.Hub.PollTimeout,
		PollSessionTTL:    c.Hub.PollSessionTTL,
		MessageRate:       c.Hub.MessageRate,
		MessageBurst:      c.Hub.MessageBurst,
		MaxSubscriptions:  c.Hub.MaxSubscriptions,
		RequireAuth:       c.Auth.Required,
		Relay:             relay,
		Logger:            logging.Component("hub"),
	}
	if verifier != nil {
		opts.Checker = verifier
	}
	return opts
}
