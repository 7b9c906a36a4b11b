package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/staylane/atrium/internal/clock"
	"github.com/staylane/atrium/internal/config"
	"github.com/staylane/atrium/internal/migration"
	"github.com/staylane/atrium/internal/observability"
	"github.com/staylane/atrium/internal/payment"
	"github.com/staylane/atrium/internal/reservation"
	"github.com/staylane/atrium/internal/server"
	"github.com/staylane/atrium/pkg/db"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		migration.Module,
		reservation.Module,
		payment.Module,
		server.Module,
	).Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	return snowflake.NewNode(nodeID)
}
