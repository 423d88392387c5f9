package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/config"
	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/fingerprint"
	"github.com/kozaktomas/face-memory/internal/logging"
	"github.com/kozaktomas/face-memory/internal/memory"
	"github.com/kozaktomas/face-memory/internal/similarity"
)

// app bundles what the store-opening commands share.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *memory.Store
}

// loadConfig reads the configuration and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if v, _ := cmd.Flags().GetString("dir"); v != "" {
		cfg.Storage.Dir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	log, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, log, nil
}

// openApp loads the configuration and opens the identity store. Callers must
// call close so the final snapshot is written.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, err := memory.Open(memory.Options{
		Dir:             cfg.Storage.Dir,
		SaveInterval:    cfg.Storage.SaveInterval,
		CheckInterval:   cfg.Storage.CheckInterval,
		ShutdownTimeout: cfg.Storage.ShutdownTimeout,
		EmbeddingDim:    cfg.Provider.Dim,
		Logger:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("opening face memory: %w", err)
	}
	return &app{cfg: cfg, log: log, store: store}, nil
}

// engine builds the matching engine backed by the embedding server.
func (a *app) newEngine() (*engine.Engine, error) {
	thresholds, err := a.cfg.Thresholds()
	if err != nil {
		return nil, err
	}
	m := a.cfg.Matching
	provider := fingerprint.NewFaceClient(a.cfg.Provider.URL, a.cfg.Provider.Timeout, a.cfg.Provider.Dim)
	return engine.New(a.store, provider, similarity.NewService(thresholds), engine.Options{
		DetectionThreshold:  m.DetectionThreshold,
		ImportThreshold:     m.ImportThreshold,
		OverlapThreshold:    m.OverlapThreshold,
		SaveRequestInterval: m.SaveRequestInterval,
		SaveRequestUpdates:  m.SaveRequestUpdates,
		ThumbnailWidth:      m.ThumbnailWidth,
		ThumbnailHeight:     m.ThumbnailHeight,
		Logger:              a.log,
	}), nil
}

// close shuts the store down, writing the final snapshot.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Storage.ShutdownTimeout+5*time.Second)
	defer cancel()
	err := a.store.Shutdown(ctx)
	if err != nil {
		a.log.Error("final save failed", zap.Error(err))
	}
	_ = a.log.Sync()
	return err
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
