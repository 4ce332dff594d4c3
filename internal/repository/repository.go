// Package repository persists decision records and tenant configs.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit applies when ListDecisionsByAccount is given limit <= 0.
const DefaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a repository from configuration. Driver "none" returns nil, nil.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != ":memory:" {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDecision appends a decision record. Saving the same id twice is a no-op,
// so redelivered records do not fail.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, rec *domain.DecisionRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}
	if rec.TenantID != "" && rec.TenantID != tenantID {
		return fmt.Errorf("%w: decision belongs to tenant %q", ErrInvalidInput, rec.TenantID)
	}

	reasons, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("encode reasons: %w", err)
	}

	coldStart := 0
	if rec.ColdStart {
		coldStart = 1
	}

	query := `
		INSERT INTO decisions (
			id, tenant_id, account_id, sequence, event_id, event_kind, resource,
			timestamp_ns, abuse, cost, conversion, roi, disposition, reasons,
			config_version, cold_start, evaluated_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.AccountID, int64(rec.Sequence), rec.EventID,
		string(rec.EventKind), rec.Resource, rec.Timestamp.UnixNano(),
		rec.SubScores.Abuse, rec.SubScores.Cost, rec.SubScores.Conversion,
		rec.ROI, string(rec.Disposition), string(reasons),
		rec.ConfigVersion, coldStart, rec.EvaluatedAt.UnixNano(),
	)
	return err
}

const decisionColumns = `
	id, tenant_id, account_id, sequence, event_id, event_kind, resource,
	timestamp_ns, abuse, cost, conversion, roi, disposition, reasons,
	config_version, cold_start, evaluated_at_ns
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*domain.DecisionRecord, error) {
	var (
		rec                 domain.DecisionRecord
		seq, tsNs, evalNs   int64
		eventID, resource   sql.NullString
		kind, disp, reasons string
		coldStart           int
	)

	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.AccountID, &seq, &eventID, &kind, &resource,
		&tsNs, &rec.SubScores.Abuse, &rec.SubScores.Cost, &rec.SubScores.Conversion,
		&rec.ROI, &disp, &reasons, &rec.ConfigVersion, &coldStart, &evalNs,
	); err != nil {
		return nil, err
	}

	rec.Sequence = uint64(seq)
	rec.EventID = eventID.String
	rec.EventKind = domain.EventKind(kind)
	rec.Resource = resource.String
	rec.Timestamp = time.Unix(0, tsNs).UTC()
	rec.Disposition = domain.Disposition(disp)
	rec.ColdStart = coldStart == 1
	rec.EvaluatedAt = time.Unix(0, evalNs).UTC()
	if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse reasons for %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// GetDecision retrieves a decision by id with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.DecisionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE tenant_id = ? AND id = ?`

	rec, err := scanDecision(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListDecisionsByAccount returns an account's decisions at or after since,
// newest first.
func (r *SQLRepository) ListDecisionsByAccount(ctx context.Context, tenantID string, accountID string, since time.Time, limit int) ([]*domain.DecisionRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var sinceNs int64
	if !since.IsZero() {
		sinceNs = since.UnixNano()
	}

	query := `SELECT ` + decisionColumns + `
		FROM decisions
		WHERE tenant_id = ? AND account_id = ? AND timestamp_ns >= ?
		ORDER BY timestamp_ns DESC, evaluated_at_ns DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, accountID, sinceNs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveTenantConfig upserts a tenant's config as JSON.
func (r *SQLRepository) SaveTenantConfig(ctx context.Context, tenantID string, cfg *domain.TenantConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if cfg == nil {
		return fmt.Errorf("%w: config is required", ErrInvalidInput)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}

	updated := cfg.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `
		INSERT INTO tenant_configs (tenant_id, config, version, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			config = excluded.config,
			version = excluded.version,
			updated_at_ns = excluded.updated_at_ns
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), tenantID, string(data), cfg.Version, updated.UnixNano())
	return err
}

// GetTenantConfig retrieves a tenant's stored config.
func (r *SQLRepository) GetTenantConfig(ctx context.Context, tenantID string) (*domain.TenantConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT config FROM tenant_configs WHERE tenant_id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTenantConfig(tenantID, data)
}

// ListTenantConfigs returns every stored tenant config ordered by tenant id.
func (r *SQLRepository) ListTenantConfigs(ctx context.Context) ([]*domain.TenantConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id, config FROM tenant_configs ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TenantConfig
	for rows.Next() {
		var tenantID, data string
		if err := rows.Scan(&tenantID, &data); err != nil {
			return nil, err
		}
		cfg, err := decodeTenantConfig(tenantID, data)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func decodeTenantConfig(tenantID, data string) (*domain.TenantConfig, error) {
	var cfg domain.TenantConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tenant config for %s: %w", tenantID, err)
	}
	cfg.TenantID = tenantID
	return &cfg, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
