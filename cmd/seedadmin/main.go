// AngelaMos | 2026
// main.go

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/carterperez-dev/haven-auth/internal/auth"
	"github.com/carterperez-dev/haven-auth/internal/config"
	"github.com/carterperez-dev/haven-auth/internal/core"
	"github.com/carterperez-dev/haven-auth/internal/user"
)

const minPasswordLength = 8

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	email := flag.String("email", "", "admin email")
	password := flag.String("password", "", "admin password (or ADMIN_PASSWORD)")
	name := flag.String("name", "Administrator", "display name for a new account")
	flag.Parse()

	if *password == "" {
		*password = os.Getenv("ADMIN_PASSWORD")
	}

	if err := run(*configPath, *email, *password, *name); err != nil {
		slog.Error("seed admin failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, email, password, name string) error {
	if email == "" {
		return errors.New("-email is required")
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // process exit

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	core.SetArgon2Params(core.Argon2ParamsFromConfig(cfg.Password))

	hash, err := core.HashPassword(password)
	if err != nil {
		return err
	}

	userSvc := user.NewService(user.NewRepository(db.DB))

	account, err := userSvc.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, core.ErrNotFound):
		account, err = userSvc.Create(ctx, email, hash, name)
		if err != nil {
			return err
		}
		slog.Info("account created", "user_id", account.ID, "email", account.Email)
	case err != nil:
		return err
	default:
		if err := userSvc.UpdatePassword(ctx, account.ID, hash); err != nil {
			return err
		}
		slog.Info("password reset", "user_id", account.ID)
	}

	promoted, err := userSvc.PromoteToAdmin(ctx, account.ID)
	if err != nil {
		return err
	}

	tokens, closeStore, err := openTokenStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	jwtManager, err := auth.NewJWTManager(cfg.JWT)
	if err != nil {
		return err
	}

	authSvc := auth.NewService(tokens, jwtManager, userSvc)
	revoked, err := authSvc.RevokeUserSessions(ctx, promoted.ID)
	if err != nil {
		return err
	}

	slog.Info("admin ready",
		"user_id", promoted.ID,
		"email", promoted.Email,
		"sessions_revoked", revoked,
	)
	return nil
}

func openTokenStore(
	ctx context.Context,
	cfg *config.Config,
	db *core.Database,
) (auth.Repository, func(), error) {
	if cfg.TokenStore.Driver != config.StoreDriverRedis {
		return auth.NewRepository(db.DB), func() {}, nil
	}

	rdb, err := core.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}

	return auth.NewRedisRepository(rdb.Client, cfg.TokenStore.KeyPrefix),
		func() { _ = rdb.Close() },
		nil
}
