package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/relaygate/mailbridge/internal/config"
	"github.com/relaygate/mailbridge/internal/db"
	"github.com/relaygate/mailbridge/internal/network"
	"github.com/relaygate/mailbridge/internal/repository"
	"github.com/relaygate/mailbridge/internal/util"
)

var allowlistCmd = &cobra.Command{
	Use:   "allowlist",
	Short: "Resolve configured allowlist handles and seed the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		conn, err := network.NewClient(cfg.Network.BaseURL, cfg.Network.AuthToken, cfg.Network.Timeout, cfg.Network.PollWait)
		if err != nil {
			return fmt.Errorf("network client: %w", err)
		}

		ctx := context.Background()
		identities := make([]string, 0, len(cfg.Relay.Allowlist))
		for _, h := range cfg.Relay.Allowlist {
			id, err := conn.ResolveIdentity(ctx, h)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", h, err)
			}
			log.Printf(">> %s -> %s", h, util.CanonicalIdentity(id))
			identities = append(identities, id)
		}

		if err := repository.NewAllowlistRepository(sqlDB).Seed(ctx, identities); err != nil {
			return fmt.Errorf("seed allowlist: %w", err)
		}

		log.Printf(">> Seeded %d allowlist identities", len(identities))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(allowlistCmd)
}
