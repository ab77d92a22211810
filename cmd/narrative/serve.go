package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AaronLay10/SentientNarrative/internal/api"
	"github.com/AaronLay10/SentientNarrative/internal/config"
	"github.com/AaronLay10/SentientNarrative/internal/engine"
	"github.com/AaronLay10/SentientNarrative/internal/events"
	"github.com/AaronLay10/SentientNarrative/internal/mqtt"
	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/storage/memory"
	"github.com/AaronLay10/SentientNarrative/internal/storage/postgres"
	"github.com/AaronLay10/SentientNarrative/internal/storage/sqlite"
)

// store is what every storage driver provides.
type store interface {
	api.Registry
	engine.SessionStore
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to narrative.yaml (defaults apply when empty)")
	cmd.Flags().IntP("port", "p", 0, "Override network.api_port")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	port, _ := cmd.Flags().GetInt("port")

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return fmt.Errorf("failed to load %s: %w", cfgPath, err)
		}
	}
	if port == 0 {
		port = cfg.APIPort()
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if dir := cfg.Programs.Dir; dir != "" {
		if err := preload(cmd.Context(), st, dir); err != nil {
			return err
		}
	}

	opts := []engine.Option{engine.WithConfig(cfg)}
	var connected func() bool
	if cfg.MQTT.Enabled {
		client := mqtt.NewClient(cfg.MQTTClientID())
		client.StartWithRetry()
		defer client.Disconnect()

		reqTopic, replyTopic := cfg.MQTTTopics()
		gen := mqtt.NewGenerationClient(client, reqTopic, replyTopic)
		if err := gen.Start(); err != nil {
			log.Printf("generation replies not subscribed yet: %v", err)
		}
		opts = append(opts, engine.WithResolver(gen))
		connected = client.IsConnected
	}
	eng := engine.New(st, st, opts...)

	if err := api.InitAuth(); err != nil {
		return err
	}
	tlsFiles := api.TLSFromEnv(api.TLSFiles{CertFile: cfg.Network.TLSCert, KeyFile: cfg.Network.TLSKey})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	_, _ = events.Emit("info", "system.startup", "narrative engine starting", map[string]interface{}{
		"service":  "narrative",
		"version":  cfg.Version,
		"build":    cmd.Root().Version,
		"hostname": hostname,
		"pid":      os.Getpid(),
		"storage":  cfg.StorageDriver(),
		"mqtt":     cfg.MQTT.Enabled,
		"auth":     api.IsAuthEnabled(),
		"tls":      tlsFiles.Enabled(),
	})

	srv := api.NewServer(eng, st, api.NewMetrics(connected), cfg.RateLimit())
	srv.UseTLS(tlsFiles)
	srv.TrustProxy(cfg.Network.TrustProxy)
	err = srv.ListenAndServe(ctx, port)

	_, _ = events.Emit("info", "system.shutdown", "narrative engine stopping", nil)
	return err
}

func openStore(cfg *config.Config) (store, func(), error) {
	switch cfg.StorageDriver() {
	case config.DriverPostgres:
		client, err := postgres.New()
		if err != nil {
			return nil, nil, err
		}
		events.SetPostgresClient(client)
		return client, func() {
			events.SetPostgresClient(nil)
			_ = client.Close()
		}, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return memory.New(), func() {}, nil
}

// preload registers every program in dir. Programs with fatal issues are
// skipped so one broken file does not keep the rest offline.
func preload(ctx context.Context, st store, dir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	programs, err := program.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, p := range programs {
		issues := program.Validate(p)
		if program.Fatal(issues) {
			for _, issue := range program.Errors(issues) {
				log.Printf("%s: %s", p.ID, issue)
			}
			_, _ = events.Emit("warn", "program.invalid", "skipped at startup", map[string]interface{}{
				"program_id": p.ID,
				"version":    p.Version,
				"issues":     len(program.Errors(issues)),
			})
			continue
		}
		if err := st.PutProgram(ctx, p); err != nil {
			return fmt.Errorf("failed to register %s: %w", p.ID, err)
		}
		_, _ = events.Emit("info", "program.registered", "", map[string]interface{}{
			"program_id": p.ID,
			"version":    p.Version,
			"nodes":      len(p.Nodes),
		})
	}
	return nil
}
