package persistence

import (
	"fmt"
	"net/url"
)

// DSNForDatabase rebuilds a postgres URL so it targets the given database on
// the same server. The base URL carries host, credentials and options; the
// database segment is the tenant's connection ref.
func DSNForDatabase(base, database string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base conn string is required")
	}
	if database == "" {
		return "", fmt.Errorf("database name is required")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base conn string: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported conn string scheme %q", u.Scheme)
	}

	u.Path = "/" + database
	return u.String(), nil
}
