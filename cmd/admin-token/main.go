// Command admin-token prints a signed admin JWT for the catalog write endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"coupon/internal/config"
	internalutils "coupon/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "config file (default: search configs/)")
	subject := flag.String("subject", "ops", "token subject")
	ttl := flag.Duration("ttl", 0, "token lifetime (default: security.jwt.expire)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	expire := cfg.Security.JWT.Expire
	if *ttl > 0 {
		expire = *ttl
	}

	token, err := internalutils.NewJWTManager(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, expire).
		GenerateToken(*subject, internalutils.RoleAdmin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", time.Now().Add(expire).Format(time.RFC3339))
}
