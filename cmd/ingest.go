package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/dmbridge/internal/config"
	"github.com/dmbridge/internal/database"
	"github.com/dmbridge/internal/graph"
	"github.com/dmbridge/internal/ingest"
	"github.com/dmbridge/internal/logging"
	"github.com/dmbridge/internal/store"
)

// IngestCommand returns the CLI command for a one-shot ingestion run,
// useful for backfilling the store without the HTTP server.
func IngestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Run the conversation ingestion pipeline once and exit",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			log := logging.NewLogger()

			db, err := database.NewDB(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(db); err != nil {
				return err
			}

			ctx := context.Background()
			graphClient := graph.NewClient(cfg.Graph.BaseURL, cfg.Graph.PageID, nil)
			pageToken, err := graphClient.PageAccessToken(ctx, cfg.Graph.SystemUserToken)
			if err != nil {
				return err
			}

			messageStore := store.NewMessageStore(db, log)
			pipeline := ingest.NewPipeline(graphClient, messageStore, cfg.Instagram.Username, log)
			return pipeline.Run(ctx, pageToken)
		},
	}
}
