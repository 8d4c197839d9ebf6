// latepassctl is the operator CLI for the late pass service: it applies the
// schema, mints actor bearer tokens for scripts and runs the expiry sweep on
// demand.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"latepass/internal/auth"
	"latepass/internal/config"
	"latepass/internal/latepass"
	"latepass/internal/store"
)

const usage = `usage: latepassctl <command> [flags]

commands:
  migrate   apply the database schema
  token     mint an actor bearer token
  expire    expire overdue tickets for one organization or all auto-expire organizations
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, cfg, args[1:], out)
	case "token":
		return runToken(cfg, args[1:], out)
	case "expire":
		return runExpire(ctx, cfg, args[1:], out)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runMigrate(ctx context.Context, cfg config.App, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	dsn := flags.String("database-url", cfg.DatabaseURL, "postgres connection string")
	if err := flags.Parse(args); err != nil {
		return err
	}
	db, err := store.NewDB(ctx, *dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "schema applied")
	return nil
}

func runToken(cfg config.App, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	userID := flags.StringP("user", "u", "", "user id to embed (required)")
	orgID := flags.StringP("org", "o", "", "organization id to embed (required)")
	role := flags.StringP("role", "r", auth.RoleStaff, "role: staff or admin")
	ttl := flags.Duration("ttl", cfg.AccessTTL, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *orgID == "" {
		return fmt.Errorf("--user and --org are required")
	}
	if *role != auth.RoleStaff && *role != auth.RoleAdmin {
		return fmt.Errorf("--role must be %s or %s", auth.RoleStaff, auth.RoleAdmin)
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required")
	}
	token, exp, err := auth.Issue(*userID, *orgID, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.UTC().Format(time.RFC3339))
	return nil
}

func runExpire(ctx context.Context, cfg config.App, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("expire", pflag.ContinueOnError)
	orgID := flags.String("org", "", "organization id; empty sweeps every auto-expire organization")
	dsn := flags.String("database-url", cfg.DatabaseURL, "postgres connection string")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if cfg.LatePassSigningKey == "" {
		return fmt.Errorf("LATEPASS_SIGNING_KEY is required")
	}

	db, err := store.NewDB(ctx, *dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	codec, err := latepass.NewCodec(latepass.CodecConfig{
		SigningKey: []byte(cfg.LatePassSigningKey),
		Issuer:     cfg.LatePassTokenIssuer,
	}, nil)
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	repo := latepass.NewPGRepository(db.Client)
	manager := latepass.NewManager(repo, latepass.NewPolicyStore(repo, nil, logger), codec, nil, nil, logger)

	var n int64
	if *orgID != "" {
		n, err = manager.ExpireOverdue(ctx, *orgID)
	} else {
		n, err = manager.SweepExpired(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "expired %d ticket(s)\n", n)
	return nil
}
