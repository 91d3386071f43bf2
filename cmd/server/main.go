package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/storage"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	cfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomchat: %v\n", err)
		return 2
	}

	flags := pflag.NewFlagSet("roomchat", pflag.ContinueOnError)
	flags.StringVar(&cfg.Port, "addr", cfg.Port, "address to listen on")
	flags.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "path of the SQLite database")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	dev := flags.Bool("dev", false, "development mode: random token secret and seeded demo accounts")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := newLogger(cfg, stdout)

	if cfg.JWTSecret == "" {
		if !*dev {
			logger.Error("JWT_SECRET is required outside development mode")
			return 1
		}
		cfg.JWTSecret = randomSecret()
		logger.Warn("using a random token secret; tokens will not survive a restart")
	}

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		logger.Error("failed to build token manager", "err", err)
		return 1
	}

	store, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("failed to open database", "err", err)
		return 1
	}
	if err := store.Migrate(context.Background()); err != nil {
		logger.Error("failed to migrate database", "err", err)
		_ = store.Close()
		return 1
	}

	if *dev {
		seedDevAccounts(context.Background(), store, tokens, logger)
	}

	srv := server.New(cfg, store, tokens, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "err", err)
		_ = store.Close()
		return 1
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"roomchat": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				return errors.Join(srv.Shutdown(ctx), store.Close())
			},
		},
	)

	exitCode := <-wait
	logger.Info("server exited", "code", exitCode)
	return exitCode
}

func newLogger(cfg server.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// seedDevAccounts creates an admin and a member account if they are missing
// and logs a token for each.
func seedDevAccounts(ctx context.Context, store *storage.Store, tokens *auth.TokenManager, logger *slog.Logger) {
	accounts := []struct{ name, email, role string }{
		{"admin", "admin@roomchat.local", "admin"},
		{"demo", "demo@roomchat.local", "member"},
	}
	for _, a := range accounts {
		user, err := store.CreateUser(ctx, a.name, a.email, "password", a.role)
		if errors.Is(err, storage.ErrDuplicate) {
			user, err = store.Authenticate(ctx, a.email, "password")
		}
		if err != nil {
			logger.Warn("failed to seed account", "email", a.email, "err", err)
			continue
		}
		token, err := tokens.Issue(user.ID, user.Role)
		if err != nil {
			logger.Warn("failed to issue token", "user", user.ID, "err", err)
			continue
		}
		logger.Info("development account", "user", user.ID, "email", a.email, "role", a.role, "token", token)
	}
}
