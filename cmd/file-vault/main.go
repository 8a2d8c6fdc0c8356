package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pavel-fokin/file-vault/internal/auth"
	"github.com/pavel-fokin/file-vault/internal/server"
)

var (
	version = "0.0.1-dev"
	commit  = "main"
)

func main() {
	root := newRootCommand()
	root.AddCommand(
		newServeCommand(),
		newSweepCommand(),
		newTokenCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "file-vault",
		Short:         "Personal file vault backend",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runServe,
	}
	cmd.Version = fmt.Sprintf("%s.%s", version, commit)
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled janitor",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	guard, err := auth.NewGuard(ctx, auth.Config{
		Secret:          a.cfg.JWTSecret,
		JWKSURL:         a.cfg.JWKSURL,
		RefreshInterval: a.cfg.JWKSRefresh,
		Leeway:          a.cfg.JWTLeeway,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	if err := a.janitor.Start(ctx, a.cfg.SweepSchedule); err != nil {
		return err
	}
	defer a.janitor.Stop()

	srv := server.New(server.Config{
		Addr:            a.cfg.Addr,
		MaxRequestSize:  a.cfg.MaxRequestSize,
		PublicURL:       a.cfg.PublicURL,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
	}, a.files, guard, a.repo, a.logger)

	return srv.Run(ctx)
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim orphaned blobs and purge expired trash once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.janitor.RunOnce(cmd.Context())
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d orphans=%d purged=%d errors=%d duration=%s\n",
					result.Scanned, result.Orphans, result.Purged, result.Errors, result.Duration)
			}
			return err
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		sub    string
		name   string
		ttl    time.Duration
		secret string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 development token",
		PreRun: func(cmd *cobra.Command, _ []string) {
			_ = godotenv.Load()
			if secret == "" {
				secret = os.Getenv("FILE_VAULT_JWT_SECRET")
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.IssueToken(secret, sub, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&sub, "sub", "", "user id placed in the sub claim")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $FILE_VAULT_JWT_SECRET)")
	_ = cmd.MarkFlagRequired("sub")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "file-vault %s (%s)\n", version, commit)
		},
	}
}
