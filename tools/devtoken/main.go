// devtoken mints a signed access/refresh pair for local development and
// test-harness requests. It signs with whatever JWT_SECRET the target API
// was started with; never point it at a production secret.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
)

func main() {
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (defaults to JWT_SECRET)")
	issuer := flag.String("issuer", "edumesh-api", "iss claim, must match the API's SERVICE_NAME")
	userID := flag.String("user-id", "", "user id claim (defaults to a fresh uuid)")
	email := flag.String("email", "dev@edumesh.local", "email claim")
	roles := flag.String("roles", "school_admin", "comma-separated role slugs")
	tenantID := flag.String("tenant-id", "", "tenant institution id claim")
	tenantSchema := flag.String("tenant-schema", "", "tenant schema claim (e.g. school_dps_rohini)")
	mustChange := flag.Bool("must-change-password", false, "must_change_password claim")
	expiresIn := flag.Duration("expires-in", time.Hour, "access token lifetime")
	refreshOnly := flag.Bool("refresh", false, "print the refresh token instead of the access token")

	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: --secret or JWT_SECRET is required")
		os.Exit(2)
	}
	if *tenantSchema == "" {
		fmt.Fprintln(os.Stderr, "error: --tenant-schema is required (tenant-scoped routes reject unbound tokens)")
		os.Exit(2)
	}
	if *userID == "" {
		*userID = uuid.New().String()
	}
	if *tenantID == "" {
		*tenantID = uuid.New().String()
	}

	manager := platformauth.NewManager(platformauth.TokenConfig{
		Secret:       *secret,
		Issuer:       *issuer,
		AccessExpiry: *expiresIn,
	})

	pair, err := manager.GenerateTokenPair(platformauth.TokenUser{
		ID:                 *userID,
		Email:              *email,
		Roles:              splitCSV(*roles),
		TenantID:           *tenantID,
		TenantSchema:       *tenantSchema,
		MustChangePassword: *mustChange,
	}, uuid.New().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *refreshOnly {
		fmt.Println(pair.RefreshToken)
		return
	}
	fmt.Println(pair.AccessToken)
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
