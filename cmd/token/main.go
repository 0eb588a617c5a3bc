// Command token mints a bearer token for the operator API.
//
//	go run ./cmd/token -subject ops-alice -roles operator,arbiter
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"escrow-engine/config"
	"escrow-engine/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	subject := flag.String("subject", "", "token subject, recorded as the audit actor")
	roles := flag.String("roles", "", "comma-separated roles: operator, compliance, arbiter, scheduler, auditor")
	flag.Parse()

	if *subject == "" || *roles == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.JWT.Secret == "" {
		fmt.Fprintln(os.Stderr, "jwt.secret is not configured")
		os.Exit(1)
	}

	var list []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			list = append(list, r)
		}
	}

	tokens := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	token, expiresAt, err := tokens.Generate(*subject, list)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n# expires %s\n", token, expiresAt.UTC().Format("2006-01-02T15:04:05Z"))
}
