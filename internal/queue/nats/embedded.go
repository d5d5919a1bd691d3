package nats

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"
)

// EmbeddedConfig configures an in-process NATS server with JetStream
type EmbeddedConfig struct {
	DataDir string `toml:"data_dir" env:"DATA_DIR"`
	Host    string `toml:"host" env:"HOST"`

	// Port of -1 picks a random free port
	Port int `toml:"port" env:"PORT"`
}

// EmbeddedServer is a running in-process NATS server
type EmbeddedServer struct {
	server  *server.Server
	dataDir string
}

// StartEmbedded starts a JetStream-enabled server and waits until it accepts connections
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/nats"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 4222
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ns, err := server.NewServer(&server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("NATS server failed to start within timeout")
	}

	log.Info().
		Str("url", ns.ClientURL()).
		Str("dataDir", cfg.DataDir).
		Msg("Embedded NATS server started")

	return &EmbeddedServer{server: ns, dataDir: cfg.DataDir}, nil
}

// ClientURL is the URL clients connect to
func (e *EmbeddedServer) ClientURL() string {
	return e.server.ClientURL()
}

// Close shuts the server down and waits for it to exit
func (e *EmbeddedServer) Close() error {
	e.server.Shutdown()
	e.server.WaitForShutdown()
	log.Info().Msg("Embedded NATS server shut down")
	return nil
}
