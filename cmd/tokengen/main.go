/*
main.go - Bearer token generator

PURPOSE:
  Issues a signed token for a user so the API and client can be exercised
  without an identity provider. Uses the same JWT_SECRET and JWT_TTL as the
  server.

EXAMPLES:
  ./tokengen -email=owner@example.com
  ./tokengen -email=owner@example.com -ttl=1h -id=u-42
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/warp/stock-ledger/auth"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/ledger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	email := flag.String("email", "", "caller email (required)")
	id := flag.String("id", "", "caller id (default: random uuid)")
	ttl := flag.Duration("ttl", cfg.JWTTTL, "token lifetime")
	flag.Parse()

	if *email == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -email is required")
		flag.Usage()
		os.Exit(2)
	}
	if cfg.UsingDevSecret() {
		fmt.Fprintln(os.Stderr, "tokengen: warning: signing with the development secret")
	}

	token, err := auth.NewManager(cfg.JWTSecret, cfg.AllowedEmails).Issue(ledger.Caller{ID: *id, Email: *email}, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
