package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ghostline/internal/config"
	"ghostline/internal/db"
	"ghostline/internal/engine"
	"ghostline/internal/gateway"
	"ghostline/internal/logger"
	"ghostline/internal/migrate"
)

// Options override values from the workspace config. Empty fields keep the file value.
type Options struct {
	Workspace     string
	ConfigPath    string
	GatewayURL    string
	GatewaySecret string
	Regions       []string
	LogMode       string
}

// Runtime is everything a command needs to run the engine against a workspace.
type Runtime struct {
	Config *config.Config
	Log    *logger.Logger
	DB     *sql.DB
	Engine engine.Engine
}

func (r *Runtime) Close() {
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.Log != nil {
		r.Log.Sync()
	}
}

// ResolveConfig loads the workspace config (or an explicit file) and applies overrides.
func ResolveConfig(opts Options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.Workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.GatewayURL != "" {
		cfg.Gateway.URL = opts.GatewayURL
	}
	if opts.GatewaySecret != "" {
		cfg.Gateway.JWTSecret = opts.GatewaySecret
	}
	if regions := trimmed(opts.Regions); len(regions) > 0 {
		cfg.Scope.Regions = regions
	}
	if opts.LogMode != "" {
		cfg.Log.Mode = opts.LogMode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewGateway builds the HTTP gateway client described by cfg.
func NewGateway(cfg *config.Config) *gateway.HTTPClient {
	client := gateway.NewHTTPClient(cfg.Gateway.URL, time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second)
	client.JWTSecret = cfg.Gateway.JWTSecret
	client.ServiceAccount = cfg.Gateway.ServiceAccount
	client.Regions = cfg.Scope.Regions
	return client
}

// Open resolves config, opens and migrates the workspace database and wires an engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := ResolveConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("workspace opened", "workspace", opts.Workspace, "gateway", cfg.Gateway.URL, "regions", cfg.Scope.Regions)
	return &Runtime{
		Config: cfg,
		Log:    log,
		DB:     conn,
		Engine: engine.New(conn, cfg, NewGateway(cfg), log),
	}, nil
}

func trimmed(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
