package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/dmbridge/internal/api"
	"github.com/dmbridge/internal/config"
	"github.com/dmbridge/internal/database"
	"github.com/dmbridge/internal/direct"
	"github.com/dmbridge/internal/graph"
	"github.com/dmbridge/internal/ingest"
	"github.com/dmbridge/internal/logging"
	"github.com/dmbridge/internal/store"
)

// APICommand returns the CLI command for starting the API server.
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the dmbridge API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if c.IsSet("port") {
				cfg.Server.Port = c.Int("port")
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

			graphClient := graph.NewClient(cfg.Graph.BaseURL, cfg.Graph.PageID, nil)

			// Exchange the system-user token for the page token once, up front.
			pageToken, err := graphClient.PageAccessToken(context.Background(), cfg.Graph.SystemUserToken)
			if err != nil {
				return fmt.Errorf("failed to fetch page access token: %w", err)
			}

			directClient := direct.NewClient(direct.Config{
				BaseURL:  cfg.Instagram.BaseURL,
				Username: cfg.Instagram.Username,
				Password: cfg.Instagram.Password,
			}, log)
			if cfg.Instagram.Username == "" || cfg.Instagram.Password == "" {
				log.Warn().Msg("skipping direct messaging login: credentials not configured")
			} else if err := directClient.Login(context.Background()); err != nil {
				log.Error().Err(err).Msg("direct messaging login failed; template sending disabled")
			}

			messageStore := store.NewMessageStore(db, log)
			pipeline := ingest.NewPipeline(graphClient, messageStore, cfg.Instagram.Username, log)

			server := api.NewServer(api.ServerConfig{
				Host:               cfg.Server.Host,
				Port:               cfg.Server.Port,
				APIKey:             cfg.Server.APIKey,
				APIKeyHash:         cfg.Server.APIKeyHash,
				WebhookVerifyToken: cfg.Webhook.VerifyToken,
				WebhookAppSecret:   cfg.Webhook.AppSecret,
				PageAccessToken:    pageToken,
			}, pipeline, messageStore, graphClient, directClient, log)

			log.Info().Int("port", cfg.Server.Port).Msg("starting dmbridge API server")
			return server.Start()
		},
	}
}