package cli

import (
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/moppymopperson/waiwai-uml/internal/config"
	"github.com/moppymopperson/waiwai-uml/internal/discovery"
	"github.com/moppymopperson/waiwai-uml/internal/relay"
)

// ServerOptions holds flags for the relay.
type ServerOptions struct {
	CommonOptions
	Listen    string
	RedisAddr string
	RoomTTL   time.Duration
	Advertise bool
}

// NewServerCommand creates the relay command.
func NewServerCommand() *cobra.Command {
	opts := &ServerOptions{}

	cmd := &cobra.Command{
		Use:   "waiwai-server",
		Short: "Room relay for waiwai-uml peers",
		Long: `Run the room relay. Peers connect to /rooms/{room} over websocket; the
relay keeps each room's operation log, answers sync requests and fans new
operations out to the room.

With a Redis address the log and fan-out live in Redis, so several relays
can serve the same rooms. Without one, rooms live in this process only.

Example:
  waiwai-server --listen :8081 --redis localhost:6379
  REDIS_ADDR=redis:6379 waiwai-server --advertise`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}

	bindCommon(cmd, &opts.CommonOptions)
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default :8081)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "Redis address; empty keeps rooms in memory")
	cmd.Flags().DurationVar(&opts.RoomTTL, "room-ttl", 0, "how long idle rooms are kept in Redis (default 24h)")
	cmd.Flags().BoolVar(&opts.Advertise, "advertise", false, "advertise the relay over mDNS")
	return cmd
}

func (o *ServerOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = o.Listen
	}
	if flags.Changed("redis") {
		cfg.Server.RedisAddr = o.RedisAddr
	}
	if flags.Changed("room-ttl") {
		cfg.Server.RoomTTL = o.RoomTTL
	}
	if flags.Changed("advertise") {
		cfg.Server.Advertise = o.Advertise
	}
}

func runServer(cmd *cobra.Command, opts *ServerOptions) error {
	logger := newLogger(opts.Verbose)
	cfg, err := loadConfig(&opts.CommonOptions)
	if err != nil {
		return err
	}
	opts.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var broker relay.Broker
	if cfg.Server.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return WrapExitError(ExitFailure, "connecting to redis", err)
		}
		logger.Info("connected to redis", "addr", cfg.Server.RedisAddr, "room_ttl", cfg.Server.RoomTTL)
		broker = relay.NewRedisBroker(rdb, cfg.Server.RoomTTL)
	} else {
		logger.Warn("no redis configured, rooms are kept in memory")
		broker = relay.NewMemoryBroker()
	}

	if cfg.Server.Advertise {
		port, err := listenPort(cfg.Server.Listen)
		if err != nil {
			return WrapExitError(ExitCommandError, "parsing listen address", err)
		}
		go func() {
			if err := discovery.Advertise(ctx, "", port, logger); err != nil {
				logger.Error("mDNS advertisement failed", "error", err)
			}
		}()
	}

	srv := relay.NewServer(broker, relay.WithLogger(logger))
	return serve(ctx, &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, logger)
}
