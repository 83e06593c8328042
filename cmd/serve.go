package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/echoflow/gateway/pkg/config"
	"github.com/echoflow/gateway/pkg/gateway"
	"github.com/echoflow/gateway/pkg/logutil"
	"github.com/echoflow/gateway/pkg/store"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveDatabaseOverride   string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the AI gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Local development keeps secrets in a .env file; a missing
			// file is the normal production case.
			_ = godotenv.Load()

			cfg, err := config.Load(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("db") {
				cfg.Database.Path = serveDatabaseOverride
			}
			if err := logutil.Configure(cfg.LogLevel); err != nil {
				return err
			}

			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			srv := gateway.NewServer(cfg, st, nil)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Gateway config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8085)")
	serveCmd.Flags().StringVar(&serveDatabaseOverride, "db", "", "Override sqlite database path from config")
	rootCmd.AddCommand(serveCmd)
}
