package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "Path to the service configuration")
		envFile    = flag.String("env", ".env", "Optional dotenv file with secrets")
		username   = flag.String("user", "", "Token subject")
		role       = flag.String("role", "operator", "Token role: operator, technician or admin")
		ttl        = flag.Duration("ttl", 0, "Token lifetime, defaults to auth.access_token_ttl")
	)
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "Usage: tokengen -user NAME [-role ROLE] [-ttl DURATION]")
		os.Exit(2)
	}
	if !slices.Contains(auth.Roles(), *role) {
		fmt.Fprintf(os.Stderr, "Unknown role %q, expected one of %v\n", *role, auth.Roles())
		os.Exit(2)
	}

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Auth.IsProductionReady() {
		log.Printf("Warning: %s is unset or too short, signing with the development secret", cfg.Auth.JWTSecretEnv)
	}

	lifetime := cfg.Auth.AccessTokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	jwtHandler := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL, cfg.Auth.Issuer)
	token, err := jwtHandler.GenerateAccessToken(*username, *role, lifetime)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Fprintf(os.Stderr, "Token for %s (%s), expires %s\n",
		*username, *role, time.Now().Add(lifetime).Format(time.RFC3339))
	fmt.Println(token)
}
