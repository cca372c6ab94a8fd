// trace-inspector is a standalone operator binary: it loads trace-engine
// configuration, connects to the audit database, and serves the read-only
// HTTP introspection API over whatever PhysicalTrace/ShardedTemplate
// instances the embedding runtime process registers with it.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/legion-project/physical-trace/pkg/audit"
	"github.com/legion-project/physical-trace/pkg/config"
	"github.com/legion-project/physical-trace/pkg/traceapi"
	"github.com/legion-project/physical-trace/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	log.Printf("Starting %s", version.Full())
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	auditClient, err := audit.NewClient(ctx, audit.Config{
		Host:            cfg.Audit.Host,
		Port:            cfg.Audit.Port,
		User:            cfg.Audit.User,
		Password:        cfg.Audit.Password,
		Database:        cfg.Audit.Database,
		SSLMode:         cfg.Audit.SSLMode,
		MaxOpenConns:    cfg.Audit.MaxOpenConns,
		MaxIdleConns:    cfg.Audit.MaxIdleConns,
		ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Audit.ConnMaxIdleTime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to audit database: %v", err)
	}
	defer func() {
		if err := auditClient.Close(); err != nil {
			log.Printf("Error closing audit client: %v", err)
		}
	}()
	log.Println("Connected to audit database")

	server := traceapi.New(nil, auditClient)

	log.Printf("HTTP introspection API listening on %s", cfg.API.ListenAddr)
	if err := server.Run(cfg.API.ListenAddr); err != nil {
		log.Fatalf("Failed to start introspection API: %v", err)
	}
}
