package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/trialguard/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "trialguard-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testDecision(id, tenantID, accountID string, ts time.Time) *domain.DecisionRecord {
	return &domain.DecisionRecord{
		ID:            id,
		Sequence:      7,
		TenantID:      tenantID,
		AccountID:     accountID,
		EventID:       "evt-" + id,
		EventKind:     domain.KindResourceClaim,
		Resource:      "gpu-1",
		Timestamp:     ts,
		SubScores:     domain.SubScores{Abuse: 0.4, Cost: 0.9, Conversion: 0.1},
		ROI:           -0.55,
		Disposition:   domain.DispositionBlock,
		Reasons:       []string{domain.ReasonHighClaimRate, domain.ReasonConcurrentClaims},
		ConfigVersion: 3,
		ColdStart:     true,
		EvaluatedAt:   ts.Add(time.Millisecond),
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetDecision", func(t *testing.T) {
		rec := testDecision("dec-001", tenantID, "acct-1", base)

		if err := repo.SaveDecision(ctx, tenantID, rec); err != nil {
			t.Fatalf("SaveDecision failed: %v", err)
		}

		got, err := repo.GetDecision(ctx, tenantID, rec.ID)
		if err != nil {
			t.Fatalf("GetDecision failed: %v", err)
		}

		if got.AccountID != rec.AccountID || got.Disposition != rec.Disposition {
			t.Errorf("unexpected record: %+v", got)
		}
		if !got.Timestamp.Equal(rec.Timestamp) || !got.EvaluatedAt.Equal(rec.EvaluatedAt) {
			t.Errorf("timestamps not preserved: %v / %v", got.Timestamp, got.EvaluatedAt)
		}
		if got.SubScores != rec.SubScores || got.ROI != rec.ROI {
			t.Errorf("scores not preserved: %+v roi=%v", got.SubScores, got.ROI)
		}
		if len(got.Reasons) != 2 || got.Reasons[0] != domain.ReasonHighClaimRate {
			t.Errorf("reasons not preserved in order: %v", got.Reasons)
		}
		if !got.ColdStart || got.ConfigVersion != 3 || got.Sequence != 7 || got.Resource != "gpu-1" {
			t.Errorf("metadata not preserved: %+v", got)
		}
	})

	t.Run("SaveDecisionIdempotent", func(t *testing.T) {
		rec := testDecision("dec-dup", tenantID, "acct-dup", base)
		if err := repo.SaveDecision(ctx, tenantID, rec); err != nil {
			t.Fatalf("first save failed: %v", err)
		}
		if err := repo.SaveDecision(ctx, tenantID, rec); err != nil {
			t.Fatalf("second save should be a no-op, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetDecision(ctx, "tenant-002", "dec-001")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other tenant, got: %v", err)
		}

		err = repo.SaveDecision(ctx, "tenant-002", testDecision("dec-x", tenantID, "acct-1", base))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for mismatched tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveDecision(ctx, "", testDecision("dec-y", "", "a", base)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
		if _, err := repo.GetDecision(ctx, "", "dec-001"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})

	t.Run("ListDecisionsByAccount", func(t *testing.T) {
		for i, id := range []string{"l-1", "l-2", "l-3", "l-4"} {
			rec := testDecision(id, tenantID, "acct-list", base.Add(time.Duration(i)*time.Minute))
			if err := repo.SaveDecision(ctx, tenantID, rec); err != nil {
				t.Fatalf("SaveDecision %s failed: %v", id, err)
			}
		}
		_ = repo.SaveDecision(ctx, tenantID, testDecision("other", tenantID, "acct-other", base))

		all, err := repo.ListDecisionsByAccount(ctx, tenantID, "acct-list", time.Time{}, 0)
		if err != nil {
			t.Fatalf("ListDecisionsByAccount failed: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("expected 4 decisions, got %d", len(all))
		}
		if all[0].ID != "l-4" || all[3].ID != "l-1" {
			t.Errorf("expected newest first, got %s..%s", all[0].ID, all[3].ID)
		}

		recent, _ := repo.ListDecisionsByAccount(ctx, tenantID, "acct-list", base.Add(2*time.Minute), 0)
		if len(recent) != 2 {
			t.Errorf("expected 2 decisions since +2m, got %d", len(recent))
		}

		limited, _ := repo.ListDecisionsByAccount(ctx, tenantID, "acct-list", time.Time{}, 1)
		if len(limited) != 1 || limited[0].ID != "l-4" {
			t.Errorf("expected only the newest decision, got %v", limited)
		}
	})

	t.Run("TenantConfigRoundTrip", func(t *testing.T) {
		cfg := domain.DefaultTenantConfig("tenant-cfg")
		cfg.Version = 2
		cfg.UpdatedAt = base
		cfg.ReasonRules = []domain.ReasonRule{{Code: "gpu-heavy", Expression: "held > 3.0"}}

		if err := repo.SaveTenantConfig(ctx, cfg.TenantID, cfg); err != nil {
			t.Fatalf("SaveTenantConfig failed: %v", err)
		}

		got, err := repo.GetTenantConfig(ctx, cfg.TenantID)
		if err != nil {
			t.Fatalf("GetTenantConfig failed: %v", err)
		}
		if got.Version != 2 || got.Weights != cfg.Weights || got.Decay != cfg.Decay {
			t.Errorf("config not preserved: %+v", got)
		}
		if len(got.ReasonRules) != 1 || got.ReasonRules[0].Code != "gpu-heavy" {
			t.Errorf("reason rules not preserved: %+v", got.ReasonRules)
		}

		cfg.Version = 3
		cfg.Weights.Abuse = 0.9
		if err := repo.SaveTenantConfig(ctx, cfg.TenantID, cfg); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
		got, _ = repo.GetTenantConfig(ctx, cfg.TenantID)
		if got.Version != 3 || got.Weights.Abuse != 0.9 {
			t.Errorf("upsert not applied: %+v", got)
		}
	})

	t.Run("ListTenantConfigs", func(t *testing.T) {
		_ = repo.SaveTenantConfig(ctx, "a-tenant", domain.DefaultTenantConfig("a-tenant"))

		cfgs, err := repo.ListTenantConfigs(ctx)
		if err != nil {
			t.Fatalf("ListTenantConfigs failed: %v", err)
		}
		if len(cfgs) != 2 || cfgs[0].TenantID != "a-tenant" || cfgs[1].TenantID != "tenant-cfg" {
			t.Errorf("unexpected tenant configs: %d", len(cfgs))
		}
	})

	t.Run("GetTenantConfigMissing", func(t *testing.T) {
		if _, err := repo.GetTenantConfig(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestNewRepository(t *testing.T) {
	t.Run("NoneDriver", func(t *testing.T) {
		repo, err := New(domain.RepositoryConfig{Driver: "none"})
		if err != nil || repo != nil {
			t.Errorf("expected nil repository, got %v, %v", repo, err)
		}
	})

	t.Run("UnsupportedDriver", func(t *testing.T) {
		if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
			t.Error("expected error for unsupported driver")
		}
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite query should be unchanged: %s", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "tg", PostgresPassword: "pw"})
		want := "host=localhost port=5432 user=tg password=pw dbname=trialguard sslmode=disable application_name=trialguard connect_timeout=5"
		if dsn != want {
			t.Errorf("expected %q, got %q", want, dsn)
		}
	})

	t.Run("QuotesPassword", func(t *testing.T) {
		dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "tg", PostgresPassword: `it's a pw`})
		if !strings.Contains(dsn, `password='it\'s a pw'`) {
			t.Errorf("password not quoted: %q", dsn)
		}
	})

	t.Run("OmitsEmptyUser", func(t *testing.T) {
		if dsn := postgresDSN(domain.RepositoryConfig{}); strings.Contains(dsn, "user=") {
			t.Errorf("empty user should be omitted: %q", dsn)
		}
	})
}

func TestSQLiteMemory(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open in-memory repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	cfg := domain.DefaultTenantConfig("mem")
	cfg.Version = 1
	if err := repo.SaveTenantConfig(ctx, "mem", cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := repo.GetTenantConfig(ctx, "mem")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
}
