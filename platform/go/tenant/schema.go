package tenant

import (
	"regexp"
	"strings"

	"github.com/edumesh/edumesh-server/platform/go/apperr"
)

// schemaNamePattern is the whitelist every externally-supplied schema name
// must match before it may appear anywhere near DDL or a search_path.
var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// reservedSchemas may never be targeted by tenant operations.
var reservedSchemas = map[string]struct{}{
	"public":             {},
	"root":               {},
	"pg_catalog":         {},
	"information_schema": {},
}

// ValidateSchemaName rejects anything that is not a plain lowercase
// identifier or that names a reserved namespace. Callers must run every
// externally-supplied schema name through this before use.
func ValidateSchemaName(name string) error {
	if !schemaNamePattern.MatchString(name) {
		return apperr.Validation("INVALID_SCHEMA_NAME", "schema name must match ^[a-z_][a-z0-9_]{0,62}$")
	}
	if _, reserved := reservedSchemas[name]; reserved {
		return apperr.Validation("RESERVED_SCHEMA_NAME", "schema name is reserved")
	}
	return nil
}

// ToSnake converts a kebab-case slug into snake_case for schema names.
func ToSnake(slug string) string {
	return strings.ReplaceAll(strings.ToLower(slug), "-", "_")
}

// BuildSchemaName returns the canonical PostgreSQL schema name for a tenant
// given the tenant slug transformed to snake_case.
func BuildSchemaName(slugSnake string) string {
	return "tenant_" + slugSnake
}
