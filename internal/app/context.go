package app

import (
	"fmt"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
)

// Open builds an Engine for a workspace: ensures the workspace directory,
// opens the database, applies migrations and loads reviewline.yml.
func Open(workspace string) (engine.Engine, func() error, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return engine.New(conn, cfg), conn.Close, nil
}
