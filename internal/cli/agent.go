package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/moppymopperson/waiwai-uml/internal/config"
	"github.com/moppymopperson/waiwai-uml/internal/discovery"
	"github.com/moppymopperson/waiwai-uml/internal/peer"
	"github.com/moppymopperson/waiwai-uml/internal/session"
	"github.com/moppymopperson/waiwai-uml/internal/transport"
)

// AgentOptions holds flags for the agent.
type AgentOptions struct {
	CommonOptions
	Listen       string
	RelayURL     string
	Document     string
	Room         string
	Peer         string
	PlantUML     string
	PreambleFile string
	RenderDelay  time.Duration
	StaticDir    string
}

// NewAgentCommand creates the agent command.
func NewAgentCommand() *cobra.Command {
	opts := &AgentOptions{}

	cmd := &cobra.Command{
		Use:   "waiwai-agent",
		Short: "Collaborative PlantUML editing peer",
		Long: `Run a peer. The agent joins a room on the relay, keeps the room's
diagram source in sync with every other peer, serves the editor to local
browser tabs on /ws and renders the diagram through a PlantUML server once
typing pauses.

The room is the last path segment of --document, falling back to --room.
Without a relay URL the agent looks for a relay on the local network.

Example:
  waiwai-agent --relay ws://localhost:8081 --document https://example.com/d/sprint-12
  waiwai-agent --room design-review --plantuml http://localhost:8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}

	bindCommon(cmd, &opts.CommonOptions)
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "editor listen address (default :8080)")
	cmd.Flags().StringVar(&opts.RelayURL, "relay", "", "relay websocket URL; empty discovers one over mDNS")
	cmd.Flags().StringVar(&opts.Document, "document", "", "document URL the room is derived from")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room to join when --document names none (default my_room)")
	cmd.Flags().StringVar(&opts.Peer, "peer", "", "peer id (default: random per run)")
	cmd.Flags().StringVar(&opts.PlantUML, "plantuml", "", "PlantUML server base URL")
	cmd.Flags().StringVar(&opts.PreambleFile, "preamble-file", "", "file prepended to every diagram")
	cmd.Flags().DurationVar(&opts.RenderDelay, "render-delay", 0, "quiet period before rendering (default 1s)")
	cmd.Flags().StringVar(&opts.StaticDir, "static", "", "directory with the editor UI")
	return cmd
}

func (o *AgentOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Agent.Listen = o.Listen
	}
	if flags.Changed("relay") {
		cfg.Agent.RelayURL = o.RelayURL
	}
	if flags.Changed("room") {
		cfg.Agent.Room = session.DeriveRoomID(session.RoomContext{Fallback: o.Room})
	}
	if flags.Changed("plantuml") {
		cfg.Agent.Render.BaseURL = o.PlantUML
	}
	if flags.Changed("render-delay") {
		cfg.Agent.Render.Delay = o.RenderDelay
	}
	if flags.Changed("static") {
		cfg.Agent.StaticDir = o.StaticDir
	}
	if o.PreambleFile != "" {
		data, err := os.ReadFile(o.PreambleFile)
		if err != nil {
			return fmt.Errorf("reading preamble: %w", err)
		}
		cfg.Agent.Render.Preamble = string(data)
	}
	return nil
}

// roomID derives the room from the document URL, if any.
func (o *AgentOptions) roomID(fallback string) (string, error) {
	rc := session.RoomContext{Fallback: fallback}
	if o.Document != "" {
		u, err := url.Parse(o.Document)
		if err != nil {
			return "", fmt.Errorf("parsing document URL: %w", err)
		}
		rc.URL = u
	}
	return session.DeriveRoomID(rc), nil
}

func runAgent(cmd *cobra.Command, opts *AgentOptions) error {
	logger := newLogger(opts.Verbose)
	cfg, err := loadConfig(&opts.CommonOptions)
	if err != nil {
		return err
	}
	if err := opts.apply(cmd, cfg); err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	room, err := opts.roomID(cfg.Agent.Room)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	peerID := opts.Peer
	if peerID == "" {
		peerID = uuid.NewString()
	}
	logger = logger.With("room", room)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayURL, err := resolveRelay(ctx, cfg.Agent, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "finding a relay", err)
	}

	conn := transport.New(transport.Config{RelayURL: relayURL, Peer: peerID}, transport.WithLogger(logger)).Room(room)
	p := peer.New(peer.Config{
		Peer:              peerID,
		Render:            cfg.Agent.Render.Pipeline(),
		DependencyTimeout: cfg.Agent.DependencyTimeout,
		StaticDir:         cfg.Agent.StaticDir,
	}, conn, peer.WithLogger(logger))
	conn.OnReceive(p.Receive)
	conn.OnStatus(p.SetStatus)

	peerDone := make(chan error, 1)
	go func() { peerDone <- p.Run(ctx) }()
	defer func() {
		stop()
		if err := <-peerDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("peer stopped", "error", err)
		}
	}()
	defer conn.Close()

	// The editor is usable offline, so the relay connection is not awaited.
	go func() {
		if err := conn.Connect(ctx); err == nil {
			logger.Info("joined room", "relay", relayURL, "peer", peerID)
		}
	}()

	return serve(ctx, &http.Server{
		Addr:              cfg.Agent.Listen,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, logger)
}

func resolveRelay(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (string, error) {
	if cfg.RelayURL != "" {
		return cfg.RelayURL, nil
	}
	logger.Info("no relay configured, browsing the local network", "timeout", cfg.DiscoveryTimeout)
	ctx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
	defer cancel()
	return discovery.Lookup(ctx, logger)
}
