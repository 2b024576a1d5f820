package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresRegistry implements Registry on PostgreSQL. Capability mutations
// use single-statement ON CONFLICT upserts; renames run in an explicit
// transaction so concurrent resolutions never observe a half-flattened
// alias chain.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry connects to the database and runs migrations.
func NewPostgresRegistry(ctx context.Context, connURL string) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("registry connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry ping: %w", err)
	}

	r := &PostgresRegistry{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry migrate: %w", err)
	}

	log.Info().Msg("PostgreSQL capability registry initialized")
	return r, nil
}

func (r *PostgresRegistry) migrate(ctx context.Context) error {
	ddl := `
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS capability_records (
		id                TEXT PRIMARY KEY,          -- fqdn
		display_name      TEXT NOT NULL,
		org               TEXT NOT NULL,
		project           TEXT NOT NULL,
		namespace         TEXT NOT NULL,
		action            TEXT NOT NULL,
		hash              TEXT NOT NULL,
		created_by        TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		version           INTEGER NOT NULL DEFAULT 1,
		visibility        TEXT NOT NULL DEFAULT 'private',
		routing           TEXT NOT NULL DEFAULT 'local',
		code_snippet      TEXT NOT NULL DEFAULT '',
		description       TEXT NOT NULL DEFAULT '',
		tags              TEXT[] NOT NULL DEFAULT '{}',
		parameters_schema JSONB NOT NULL DEFAULT '{}',
		tools_used        TEXT[] NOT NULL DEFAULT '{}',
		usage_count       BIGINT NOT NULL DEFAULT 0,
		success_count     BIGINT NOT NULL DEFAULT 0,
		total_latency_ms  BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_caps_scope_name
		ON capability_records (org, project, display_name);
	CREATE INDEX IF NOT EXISTS idx_caps_public_name
		ON capability_records (display_name) WHERE visibility = 'public';

	CREATE TABLE IF NOT EXISTS capability_aliases (
		org         TEXT NOT NULL,
		project     TEXT NOT NULL,
		alias       TEXT NOT NULL,
		target_fqdn TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (org, project, alias)
	);

	CREATE INDEX IF NOT EXISTS idx_aliases_target ON capability_aliases (target_fqdn);

	CREATE TABLE IF NOT EXISTS workflow_pattern (
		pattern_id        TEXT PRIMARY KEY,
		pattern_hash      TEXT NOT NULL,
		code_hash         TEXT NOT NULL UNIQUE,
		dag_structure     JSONB NOT NULL DEFAULT '{}',
		intent_embedding  vector(1536),
		code_snippet      TEXT NOT NULL DEFAULT '',
		cache_config      JSONB NOT NULL DEFAULT '{}',
		name              TEXT NOT NULL DEFAULT '',
		description       TEXT NOT NULL DEFAULT '',
		success_rate      DOUBLE PRECISION NOT NULL DEFAULT 0,
		usage_count       BIGINT NOT NULL DEFAULT 0,
		success_count     BIGINT NOT NULL DEFAULT 0,
		avg_duration_ms   BIGINT NOT NULL DEFAULT 0,
		parameters_schema JSONB NOT NULL DEFAULT '{}',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used         TIMESTAMPTZ,
		source            TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

const capColumns = `id, display_name, org, project, namespace, action, hash,
	created_by, created_at, updated_at, version, visibility, routing,
	code_snippet, description, tags, parameters_schema, tools_used,
	usage_count, success_count, total_latency_ms`

func scanCapability(row pgx.Row) (*models.Capability, error) {
	var c models.Capability
	var schemaJSON []byte
	err := row.Scan(
		&c.FQDN, &c.DisplayName, &c.Org, &c.Project, &c.Namespace, &c.Action,
		&c.Hash, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.Version,
		&c.Visibility, &c.Routing, &c.CodeSnippet, &c.Description, &c.Tags,
		&schemaJSON, &c.ToolsUsed, &c.UsageCount, &c.SuccessCount,
		&c.TotalLatencyMs,
	)
	if err != nil {
		return nil, err
	}
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &c.ParametersSchema); err != nil {
			return nil, fmt.Errorf("decode parameters_schema: %w", err)
		}
	}
	return &c, nil
}

func (r *PostgresRegistry) Create(ctx context.Context, cap *models.Capability) error {
	now := time.Now().UTC()
	if cap.CreatedAt.IsZero() {
		cap.CreatedAt = now
	}
	cap.UpdatedAt = now
	if cap.Version == 0 {
		cap.Version = 1
	}
	schemaJSON, err := json.Marshal(cap.ParametersSchema)
	if err != nil {
		return fmt.Errorf("encode parameters_schema: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO capability_records (`+capColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			updated_at   = EXCLUDED.updated_at,
			version      = EXCLUDED.version,
			visibility   = EXCLUDED.visibility,
			routing      = EXCLUDED.routing,
			code_snippet = EXCLUDED.code_snippet,
			description  = EXCLUDED.description,
			tags         = EXCLUDED.tags,
			parameters_schema = EXCLUDED.parameters_schema,
			tools_used   = EXCLUDED.tools_used`,
		cap.FQDN, cap.DisplayName, cap.Org, cap.Project, cap.Namespace,
		cap.Action, cap.Hash, cap.CreatedBy, cap.CreatedAt, cap.UpdatedAt,
		cap.Version, cap.Visibility, cap.Routing, cap.CodeSnippet,
		cap.Description, cap.Tags, schemaJSON, cap.ToolsUsed,
		cap.UsageCount, cap.SuccessCount, cap.TotalLatencyMs,
	)
	return err
}

func (r *PostgresRegistry) GetByFQDN(ctx context.Context, fqdn string) (*models.Capability, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+capColumns+` FROM capability_records WHERE id = $1`, fqdn)
	c, err := scanCapability(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "capability", Key: fqdn}
	}
	return c, err
}

func (r *PostgresRegistry) ResolveByName(ctx context.Context, name string, scope models.Scope) (*models.Capability, error) {
	// 1. Exact match in scope.
	row := r.pool.QueryRow(ctx, `
		SELECT `+capColumns+` FROM capability_records
		WHERE org = $1 AND project = $2 AND display_name = $3
		LIMIT 1`, scope.Org, scope.Project, name)
	c, err := scanCapability(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// 2. Alias hop.
	var target string
	err = r.pool.QueryRow(ctx, `
		SELECT target_fqdn FROM capability_aliases
		WHERE org = $1 AND project = $2 AND alias = $3`,
		scope.Org, scope.Project, name).Scan(&target)
	if err == nil {
		log.Warn().
			Str("alias", name).
			Str("target", target).
			Msg("Resolved capability through deprecated alias")
		return r.GetByFQDN(ctx, target)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// 3. Public fallback.
	row = r.pool.QueryRow(ctx, `
		SELECT `+capColumns+` FROM capability_records
		WHERE display_name = $1 AND visibility = 'public'
		LIMIT 1`, name)
	c, err = scanCapability(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "capability", Key: name}
	}
	return c, err
}

func (r *PostgresRegistry) Rename(ctx context.Context, oldFQDN, newDisplayName string) (*models.Capability, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin rename tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+capColumns+` FROM capability_records WHERE id = $1 FOR UPDATE`, oldFQDN)
	old, err := scanCapability(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "capability", Key: oldFQDN}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	renamed := *old
	renamed.DisplayName = newDisplayName
	renamed.Action = newDisplayName
	renamed.FQDN = models.FQDN(old.Org, old.Project, old.Namespace, newDisplayName, old.Hash)
	renamed.Version = old.Version + 1
	renamed.UpdatedAt = now

	schemaJSON, err := json.Marshal(renamed.ParametersSchema)
	if err != nil {
		return nil, fmt.Errorf("encode parameters_schema: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO capability_records (`+capColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		renamed.FQDN, renamed.DisplayName, renamed.Org, renamed.Project,
		renamed.Namespace, renamed.Action, renamed.Hash, renamed.CreatedBy,
		renamed.CreatedAt, renamed.UpdatedAt, renamed.Version,
		renamed.Visibility, renamed.Routing, renamed.CodeSnippet,
		renamed.Description, renamed.Tags, schemaJSON, renamed.ToolsUsed,
		renamed.UsageCount, renamed.SuccessCount, renamed.TotalLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("insert renamed record: %w", err)
	}

	// Alias the old display name to the successor.
	_, err = tx.Exec(ctx, `
		INSERT INTO capability_aliases (org, project, alias, target_fqdn, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org, project, alias) DO UPDATE SET target_fqdn = EXCLUDED.target_fqdn`,
		old.Org, old.Project, old.DisplayName, renamed.FQDN, now)
	if err != nil {
		return nil, fmt.Errorf("insert rename alias: %w", err)
	}

	// Chain flattening: one hop forever.
	_, err = tx.Exec(ctx,
		`UPDATE capability_aliases SET target_fqdn = $1 WHERE target_fqdn = $2`,
		renamed.FQDN, oldFQDN)
	if err != nil {
		return nil, fmt.Errorf("flatten aliases: %w", err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM capability_records WHERE id = $1`, oldFQDN); err != nil {
		return nil, fmt.Errorf("delete old record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rename: %w", err)
	}

	log.Info().Str("old", oldFQDN).Str("new", renamed.FQDN).Msg("Capability renamed")
	return &renamed, nil
}

func (r *PostgresRegistry) RecordUsage(ctx context.Context, fqdn string, success bool, latencyMs int64) error {
	succ := 0
	if success {
		succ = 1
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE capability_records SET
			usage_count      = usage_count + 1,
			success_count    = success_count + $2,
			total_latency_ms = total_latency_ms + $3,
			updated_at       = NOW()
		WHERE id = $1`, fqdn, succ, latencyMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "capability", Key: fqdn}
	}
	return nil
}

func (r *PostgresRegistry) ListAliases(ctx context.Context, scope models.Scope) ([]models.Alias, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT org, project, alias, target_fqdn, created_at
		FROM capability_aliases WHERE org = $1 AND project = $2`,
		scope.Org, scope.Project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alias
	for rows.Next() {
		var a models.Alias
		if err := rows.Scan(&a.Org, &a.Project, &a.Alias, &a.TargetFQDN, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) Stats(ctx context.Context, scope models.Scope) ([]models.Capability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+capColumns+` FROM capability_records
		WHERE org = $1 AND project = $2
		ORDER BY usage_count DESC`, scope.Org, scope.Project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) UpsertPattern(ctx context.Context, p *models.WorkflowPattern) error {
	dagJSON, err := json.Marshal(p.DAGStructure)
	if err != nil {
		return fmt.Errorf("encode dag_structure: %w", err)
	}
	cacheJSON, err := json.Marshal(p.CacheConfig)
	if err != nil {
		return fmt.Errorf("encode cache_config: %w", err)
	}
	schemaJSON, err := json.Marshal(p.ParametersSchema)
	if err != nil {
		return fmt.Errorf("encode parameters_schema: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO workflow_pattern (
			pattern_id, pattern_hash, code_hash, dag_structure, code_snippet,
			cache_config, name, description, usage_count, success_count,
			avg_duration_ms, parameters_schema, created_at, last_used, source
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (code_hash) DO UPDATE SET
			usage_count     = workflow_pattern.usage_count + 1,
			success_count   = workflow_pattern.success_count + 1,
			last_used       = NOW(),
			avg_duration_ms = (workflow_pattern.avg_duration_ms * workflow_pattern.usage_count
			                   + EXCLUDED.avg_duration_ms) / (workflow_pattern.usage_count + 1)`,
		p.PatternID, p.PatternHash, p.CodeHash, dagJSON, p.CodeSnippet,
		cacheJSON, p.Name, p.Description, p.UsageCount, p.SuccessCount,
		p.AvgDurationMs, schemaJSON, p.CreatedAt, p.LastUsed, p.Source,
	)
	return err
}

func (r *PostgresRegistry) Close() error {
	r.pool.Close()
	return nil
}
