package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fieldtrack/internal/authorization"
	"github.com/smallbiznis/fieldtrack/internal/clock"
	"github.com/smallbiznis/fieldtrack/internal/config"
	"github.com/smallbiznis/fieldtrack/internal/identity"
	"github.com/smallbiznis/fieldtrack/internal/location"
	"github.com/smallbiznis/fieldtrack/internal/migration"
	"github.com/smallbiznis/fieldtrack/internal/observability"
	"github.com/smallbiznis/fieldtrack/internal/ratelimit"
	"github.com/smallbiznis/fieldtrack/internal/server"
	"github.com/smallbiznis/fieldtrack/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Collaborators
		identity.Module,
		authorization.Module,
		ratelimit.Module,

		// Functional Domains
		location.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
