// Command devtoken mints a signed access token for local testing.
//
// Usage:
//
//	go run ./cmd/devtoken -owner cust-1
//	go run ./cmd/devtoken -owner uw-1 -role underwriter -ttl 8h
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/carepay/healthcredit/internal/auth"
	"github.com/carepay/healthcredit/internal/config"
)

func main() {
	owner := flag.String("owner", "", "subject (owner id) of the token")
	roles := flag.String("role", auth.RoleCustomer, "comma-separated roles")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *owner == "" {
		log.Fatal("-owner is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("refusing to mint tokens with production settings")
	}

	v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatalf("Failed to create verifier: %v", err)
	}
	token, err := v.Issue(*owner, strings.Split(*roles, ","), *ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}
