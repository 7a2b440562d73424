package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/liliang-cn/rusers/pkg/agent"
	"github.com/liliang-cn/rusers/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	Version = "dev" // Set at build time

	addr     string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "rusersd",
		Short:   "Serve this machine's login sessions to rusers over gRPC",
		Version: Version,
		Long: `rusersd - Answer rusers queries with the sessions logged in utmp

Settings come from RUSERSD_ADDR, RUSERSD_LOG_LEVEL and RUSERSD_LOG_OUTPUT;
flags take precedence.`,
		RunE: runServer,
	}

	rootCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default: :50051)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rusersd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rusersd version %s\n", Version)
		},
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := agent.LoadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	l := logger.New(&logger.Config{Level: cfg.LogLevel, Output: cfg.LogOutput, ShowTime: true})
	logger.SetDefault(l)

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := agent.NewServer(agent.WithServerLogger(l))
	if err := srv.Serve(ctx, lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	l.Info("server stopped")
	return nil
}
