// Command gochat-token mints access tokens for the GoChat relay, optionally
// provisioning the identity in the store, and revokes issued tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/directory"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gochat-token: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a config file")
		identity   = flag.String("identity", "", "identity to mint a token for")
		ttl        = flag.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
		provision  = flag.Bool("provision", false, "record the identity in the store before minting")
		revoke     = flag.String("revoke", "", "token ID (jti) to revoke instead of minting")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (set GOCHAT_AUTH_JWT_SECRET)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *revoke != "" {
		return revokeToken(ctx, cfg, *revoke)
	}

	if *identity == "" {
		return errors.New("-identity is required")
	}

	if *provision {
		if err := provisionUser(ctx, cfg, chat.Identity(*identity)); err != nil {
			return err
		}
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}

	issuer := auth.NewIssuer(auth.JWTConfig{
		SecretKey: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		TokenTTL:  cfg.Auth.TokenTTL,
	})
	token, err := issuer.IssueWithTTL(chat.Identity(*identity), lifetime)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func provisionUser(ctx context.Context, cfg config.Config, identity chat.Identity) error {
	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	repo := store.NewRepository(db)
	defer func() { _ = repo.Close() }()

	if err := directory.New(repo).EnsureUser(ctx, identity); err != nil {
		return fmt.Errorf("provision %s: %w", identity, err)
	}
	return nil
}

func revokeToken(ctx context.Context, cfg config.Config, tokenID string) error {
	if cfg.Auth.RedisAddr == "" {
		return errors.New("auth.redis_addr is required to revoke tokens")
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
	defer func() { _ = client.Close() }()

	list := auth.NewRedisRevocationList(client, cfg.Auth.RevocationPrefix)
	if err := list.Revoke(ctx, tokenID, cfg.Auth.TokenTTL); err != nil {
		return fmt.Errorf("revoke %s: %w", tokenID, err)
	}
	fmt.Printf("revoked %s\n", tokenID)
	return nil
}
