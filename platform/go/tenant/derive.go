package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ToSnake converts a kebab-case slug into snake_case for database names.
func ToSnake(slug string) string {
	return strings.ReplaceAll(strings.ToLower(slug), "-", "_")
}

// ShortRef returns the first 8 hexadecimal characters of the organization id
// digest. Appending it to the slug keeps database names unique even when a
// soft-deleted tenant's slug is reused by a new organization.
func ShortRef(organizationID string) string {
	sum := sha256.Sum256([]byte(organizationID))
	return hex.EncodeToString(sum[:])[:8]
}

// BuildDatabaseName returns the canonical physical database name for a tenant:
// `ml_<slugSnake>_<shortRef>`. The value is stored as the tenant's connection
// ref at registration time and is immutable afterwards.
func BuildDatabaseName(slugSnake, shortRef string) string {
	return "ml_" + slugSnake + "_" + shortRef
}
