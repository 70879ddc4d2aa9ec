// Package sqlassets embeds the SQL shipped with the server: the global
// catalog, the per-tenant blueprint, structural migrations and baseline
// seeds. Files execute in lexical order, which encodes table dependency
// order (roles before user_roles, classes before sections, and so on).
package sqlassets

import (
	"embed"
	"io/fs"
	"regexp"
	"sort"
	"strings"
)

//go:embed schema/platform/*.sql
var platformFS embed.FS

//go:embed schema/tenant/*.sql
var tenantFS embed.FS

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed seeds/*.sql
var seedsFS embed.FS

// File is one embedded SQL script.
type File struct {
	Name string
	SQL  string
}

// PlatformSchema returns the global catalog DDL.
func PlatformSchema() []File { return mustReadDir(platformFS, "schema/platform") }

// TenantBlueprint returns the per-tenant DDL set in dependency order.
func TenantBlueprint() []File { return mustReadDir(tenantFS, "schema/tenant") }

// Migrations returns the structural migration scripts in apply order.
func Migrations() []File { return mustReadDir(migrationsFS, "migrations") }

// Seeds returns the baseline seed scripts.
func Seeds() []File { return mustReadDir(seedsFS, "seeds") }

func mustReadDir(fsys embed.FS, dir string) []File {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		panic("sqlassets: " + err.Error())
	}
	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		raw, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			panic("sqlassets: " + err.Error())
		}
		files = append(files, File{Name: entry.Name(), SQL: string(raw)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// Statements splits a script into executable statements. Scripts here hold
// plain DDL/DML only, no dollar-quoted bodies, so a semicolon at end of
// line is a reliable boundary.
func Statements(script string) []string {
	var out []string
	var buf strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(buf.String()))
			buf.Reset()
		}
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

var createTableRe = regexp.MustCompile(`(?i)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([a-z_][a-z0-9_]*)`)

// TableName extracts the table a CREATE TABLE statement defines, or "".
func TableName(stmt string) string {
	m := createTableRe.FindStringSubmatch(stmt)
	if m == nil {
		return ""
	}
	return m[1]
}

// BlueprintTables lists every table the tenant blueprint creates, in
// creation order.
func BlueprintTables() []string {
	var tables []string
	for _, file := range TenantBlueprint() {
		for _, stmt := range Statements(file.SQL) {
			if name := TableName(stmt); name != "" {
				tables = append(tables, name)
			}
		}
	}
	return tables
}

// CriticalTables is the set that must exist before a tenant may go live.
var CriticalTables = []string{
	"users", "roles", "user_roles", "user_permissions", "role_permissions",
	"students", "student_attendance", "attendance_settings",
	"classes", "sections", "subjects", "teachers",
	"academic_sessions", "exams", "marks",
}
