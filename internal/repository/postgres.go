package repository

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// openPostgres opens a PostgreSQL connection pool through lib/pq.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := ping(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

// postgresDSN builds a key/value connection string, filling defaults for
// host, port, database and sslmode.
func postgresDSN(cfg domain.RepositoryConfig) string {
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	params := []struct{ key, value string }{
		{"host", firstNonEmpty(cfg.PostgresHost, "localhost")},
		{"port", fmt.Sprint(port)},
		{"user", cfg.PostgresUser},
		{"password", cfg.PostgresPassword},
		{"dbname", firstNonEmpty(cfg.PostgresDB, "trialguard")},
		{"sslmode", firstNonEmpty(cfg.PostgresSSLMode, "disable")},
		{"application_name", "trialguard"},
		{"connect_timeout", "5"},
	}

	var b strings.Builder
	for _, p := range params {
		if p.value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(quoteDSNValue(p.value))
	}
	return b.String()
}

// quoteDSNValue single-quotes values containing spaces, quotes or backslashes.
func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

func firstNonEmpty(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
