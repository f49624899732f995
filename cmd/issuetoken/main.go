// issuetoken mints an access/refresh pair for local testing with the keys from the environment
// (JWT_PRIVATE_KEY, JWT_PUBLIC_KEY). Output is JSON matching POST /auth/refresh.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"bizhub/realtime/internal/config"
	identityhandler "bizhub/realtime/internal/identity/handler"
	identityservice "bizhub/realtime/internal/identity/service"
	"bizhub/realtime/internal/security"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var identityID, roleID string
	flagSet := pflag.NewFlagSet("issuetoken", pflag.ContinueOnError)
	flagSet.StringVar(&identityID, "identity", "", "identity id (sub claim)")
	flagSet.StringVar(&roleID, "role", "customer", "role id (role claim)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if identityID == "" {
		return errors.New("--identity is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.AuthEnabled() {
		return errors.New("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set")
	}
	signer, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return err
	}
	tokens := security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())

	res, err := identityservice.NewAuthService(tokens, nil, nil, nil).Issue(identityID, roleID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(identityhandler.TokenResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
