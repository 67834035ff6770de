package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/app"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run loads configuration and either mints a development token or serves
// until SIGINT or SIGTERM.
func run(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("chatrelay", flag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("CHATRELAY_CONFIG_FILE"), "path to a YAML config file")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	tokenFor := flags.String("token-for", "", "print a signed token for this user id and exit")
	tokenTTL := flags.Duration("token-ttl", 24*time.Hour, "lifetime of tokens minted with -token-for")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return err
	}

	if *tokenFor != "" {
		return printToken(stdout, cfg, *tokenFor, *tokenTTL)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	application, err := app.NewApplication(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	log.Info().
		Str("addr", cfg.HTTP.Addr()).
		Str("rate_limit_backend", cfg.RateLimit.Backend).
		Bool("assistant", cfg.Assistant.Enabled).
		Msg("Starting ChatRelay")

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	return nil
}

func printToken(w io.Writer, cfg *config.Config, userID string, ttl time.Duration) error {
	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(userID, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
