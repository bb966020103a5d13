// Command recalibrate runs one recalibration cycle against the configured
// metrics source and prints the derived policies as JSON. It never touches a
// running pool: the output is for inspection or external application.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/egressguard/egressguard/internal/config"
	"github.com/egressguard/egressguard/internal/logger"
	"github.com/egressguard/egressguard/internal/recalibrate"
	"github.com/egressguard/egressguard/internal/telemetry"
)

type nopTarget struct{}

func (nopTarget) SetPolicies(int, time.Duration) {}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)

	var source recalibrate.MetricsSource
	switch cfg.Recalibration.Source {
	case "postgres":
		pgSource, err := recalibrate.NewPostgresSource(context.Background(), cfg.Recalibration.DSN, log)
		if err != nil {
			log.Error("Failed to connect to metrics source", "error", err)
			os.Exit(1)
		}
		defer pgSource.Close()
		source = pgSource
	default:
		source = recalibrate.NewMemorySource(nil)
	}

	controller := recalibrate.NewController(source, nopTarget{}, telemetry.NopSink{}, log, nil)

	policies, err := controller.Run()
	if err != nil {
		log.Error("Recalibration failed", "error", err)
		os.Exit(1)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(policies); err != nil {
		log.Error("Failed to encode policies", "error", err)
		os.Exit(1)
	}
}
