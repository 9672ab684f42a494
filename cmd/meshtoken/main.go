package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"MeshGate/internal/auth"
)

// meshtoken mints a service-to-service token for the gateway. The
// secret comes from the environment so it never lands in shell history.
func main() {
	service := flag.String("service", "", "calling service name (required)")
	requestID := flag.String("request-id", "", "request ID to embed, generated downstream if empty")
	perms := flag.String("permissions", "", "comma-separated resource:action grants")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("MESHGATE_AUTH_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "MESHGATE_AUTH_SECRET is not set")
		os.Exit(1)
	}
	if *service == "" {
		fmt.Fprintln(os.Stderr, "-service is required")
		flag.Usage()
		os.Exit(1)
	}

	var permissions []string
	if *perms != "" {
		permissions = strings.Split(*perms, ",")
	}

	token, err := auth.GenerateToken([]byte(secret), *service, *requestID, permissions, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
