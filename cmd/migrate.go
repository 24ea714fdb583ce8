package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relaygate/mailbridge/internal/config"
	"github.com/relaygate/mailbridge/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema (MySQL, plus ClickHouse when configured)",
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
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		sqlPath := filepath.Join("migrations", "001_init.sql")
		sqlBytes, err := os.ReadFile(sqlPath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", sqlPath, err)
		}
		if _, err := sqlDB.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
		fmt.Println(">> MySQL migration complete")

		if cfg.ClickHouse.DSN != "" {
			chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
				DSN:         cfg.ClickHouse.DSN,
				PingTimeout: cfg.ClickHouse.PingTimeout,
			})
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()

			chPath := filepath.Join("migrations", "ch_001_init.sql")
			chBytes, err := os.ReadFile(chPath)
			if err != nil {
				return fmt.Errorf("read migration file %s: %w", chPath, err)
			}
			if _, err := chDB.Exec(string(chBytes)); err != nil {
				return fmt.Errorf("exec clickhouse migration: %w", err)
			}
			fmt.Println(">> ClickHouse migration complete")
		}

		return nil
	},
}
