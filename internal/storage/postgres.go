package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/outpost-engine/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	} else {
		poolConfig.MaxConns = 25 // default
	}

	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	} else {
		poolConfig.MinConns = 5 // default
	}

	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	} else {
		poolConfig.MaxConnLifetime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const sandboxColumns = `id, owner_id, name, provider, status, resource_status, sizing,
	resource_created, agent_installed, messaging_configured, gateway_started,
	handle, secret_material, agent_version, error_message, created_at, updated_at`

// CreateSandbox creates a new sandbox record
func (r *PostgresRepository) CreateSandbox(ctx context.Context, sb *models.Sandbox) error {
	handleJSON, err := marshalHandle(sb.Handle)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sandboxes (` + sandboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.pool.Exec(ctx, query,
		sb.ID,
		sb.OwnerID,
		sb.Name,
		string(sb.Provider),
		string(sb.Status),
		nullString(string(sb.ResourceStatus)),
		nullString(sb.Sizing),
		sb.Flags.ResourceCreated,
		sb.Flags.AgentInstalled,
		sb.Flags.MessagingConfigured,
		sb.Flags.GatewayStarted,
		handleJSON,
		nullString(sb.SecretMaterial),
		nullString(sb.AgentVersion),
		nullString(sb.ErrorMessage),
		sb.CreatedAt,
		sb.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}

	return nil
}

// GetSandbox retrieves a sandbox by ID
func (r *PostgresRepository) GetSandbox(ctx context.Context, id string) (*models.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE id = $1`
	return scanSandbox(r.pool.QueryRow(ctx, query, id))
}

// GetOwnerSandbox retrieves the owner's most recent sandbox (legacy
// single-sandbox addressing).
func (r *PostgresRepository) GetOwnerSandbox(ctx context.Context, ownerID string) (*models.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE owner_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanSandbox(r.pool.QueryRow(ctx, query, ownerID))
}

// UpdateSandboxFields applies a partial update; only patched fields are
// written. Every status-affecting update is mirrored into the owner's legacy
// record when one exists.
func (r *PostgresRepository) UpdateSandboxFields(ctx context.Context, id string, patch SandboxPatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	argNum := 2

	addSet := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argNum))
		args = append(args, value)
		argNum++
	}

	if patch.Status != nil {
		addSet("status", string(*patch.Status))
	}
	if patch.ResourceStatus != nil {
		addSet("resource_status", nullString(string(*patch.ResourceStatus)))
	}
	if patch.ErrorMessage != nil {
		addSet("error_message", nullString(*patch.ErrorMessage))
	}
	if patch.AgentVersion != nil {
		addSet("agent_version", nullString(*patch.AgentVersion))
	}
	if patch.SecretMaterial != nil {
		addSet("secret_material", nullString(*patch.SecretMaterial))
	}
	if patch.ClearHandle {
		sets = append(sets, "handle = NULL")
	} else if patch.Handle != nil {
		handleJSON, err := marshalHandle(patch.Handle)
		if err != nil {
			return err
		}
		addSet("handle", handleJSON)
	}
	if patch.ResetFlags {
		sets = append(sets, "resource_created = FALSE, agent_installed = FALSE, messaging_configured = FALSE, gateway_started = FALSE")
	} else {
		if patch.ResourceCreated != nil {
			addSet("resource_created", *patch.ResourceCreated)
		}
		if patch.AgentInstalled != nil {
			addSet("agent_installed", *patch.AgentInstalled)
		}
		if patch.MessagingConfigured != nil {
			addSet("messaging_configured", *patch.MessagingConfigured)
		}
		if patch.GatewayStarted != nil {
			addSet("gateway_started", *patch.GatewayStarted)
		}
	}

	query := "UPDATE sandboxes SET " + joinSets(sets) + " WHERE id = $1"

	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sandbox: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sandbox not found: %s", id)
	}

	return r.mirrorLegacy(ctx, id)
}

// mirrorLegacy copies the sandbox's current state into the owner's legacy
// record if one exists.
func (r *PostgresRepository) mirrorLegacy(ctx context.Context, id string) error {
	sb, err := r.GetSandbox(ctx, id)
	if err != nil || sb == nil {
		return err
	}

	legacy, err := r.GetLegacyStatus(ctx, sb.OwnerID)
	if err != nil {
		return err
	}
	if legacy == nil {
		return nil
	}

	return r.UpsertLegacyStatus(ctx, &models.LegacyStatus{
		OwnerID:        sb.OwnerID,
		Name:           sb.Name,
		Provider:       sb.Provider,
		Status:         sb.Status,
		ResourceStatus: sb.ResourceStatus,
		Sizing:         sb.Sizing,
		Flags:          sb.Flags,
		Handle:         sb.Handle,
		AgentVersion:   sb.AgentVersion,
		ErrorMessage:   sb.ErrorMessage,
		UpdatedAt:      sb.UpdatedAt,
	})
}

// DeleteSandbox deletes a sandbox by ID
func (r *PostgresRepository) DeleteSandbox(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM sandboxes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sandbox: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sandbox not found: %s", id)
	}
	return nil
}

// ListSandboxes returns sandboxes matching filters
func (r *PostgresRepository) ListSandboxes(ctx context.Context, filters models.ListFilters) ([]*models.Sandbox, error) {
	query := `SELECT ` + sandboxColumns + ` FROM sandboxes WHERE 1=1`
	args := make([]interface{}, 0)
	argNum := 1

	if filters.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argNum)
		args = append(args, filters.OwnerID)
		argNum++
	}

	if filters.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", argNum)
		args = append(args, string(filters.Provider))
		argNum++
	}

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filters.Status))
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
		argNum++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filters.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []*models.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, sb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sandboxes: %w", err)
	}

	return sandboxes, nil
}

// GetStuckSandboxes returns non-terminal sandboxes not updated since cutoff
func (r *PostgresRepository) GetStuckSandboxes(ctx context.Context, cutoff time.Time) ([]*models.Sandbox, error) {
	query := `
		SELECT ` + sandboxColumns + `
		FROM sandboxes
		WHERE status IN ('pending', 'provisioning', 'configuring_vm')
		  AND updated_at < $1
		ORDER BY updated_at ASC
	`

	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get stuck sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []*models.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, sb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stuck sandboxes: %w", err)
	}

	return sandboxes, nil
}

// --- Legacy status ---

// GetLegacyStatus retrieves the owner-keyed legacy record
func (r *PostgresRepository) GetLegacyStatus(ctx context.Context, ownerID string) (*models.LegacyStatus, error) {
	query := `
		SELECT owner_id, name, provider, status, resource_status, sizing,
		       resource_created, agent_installed, messaging_configured, gateway_started,
		       handle, agent_version, error_message, updated_at
		FROM legacy_status
		WHERE owner_id = $1
	`

	var st models.LegacyStatus
	var name, providerStr, resourceStatus, sizing, agentVersion, errorMessage sql.NullString
	var statusStr string
	var handleJSON []byte

	err := r.pool.QueryRow(ctx, query, ownerID).Scan(
		&st.OwnerID,
		&name,
		&providerStr,
		&statusStr,
		&resourceStatus,
		&sizing,
		&st.Flags.ResourceCreated,
		&st.Flags.AgentInstalled,
		&st.Flags.MessagingConfigured,
		&st.Flags.GatewayStarted,
		&handleJSON,
		&agentVersion,
		&errorMessage,
		&st.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get legacy status: %w", err)
	}

	st.Name = name.String
	st.Provider = models.Provider(providerStr.String)
	st.Status = models.SandboxStatus(statusStr)
	st.ResourceStatus = models.ResourceStatus(resourceStatus.String)
	st.Sizing = sizing.String
	st.AgentVersion = agentVersion.String
	st.ErrorMessage = errorMessage.String

	if st.Handle, err = unmarshalHandle(handleJSON); err != nil {
		return nil, err
	}

	return &st, nil
}

// UpsertLegacyStatus writes the owner-keyed legacy record
func (r *PostgresRepository) UpsertLegacyStatus(ctx context.Context, st *models.LegacyStatus) error {
	handleJSON, err := marshalHandle(st.Handle)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO legacy_status (owner_id, name, provider, status, resource_status, sizing,
			resource_created, agent_installed, messaging_configured, gateway_started,
			handle, agent_version, error_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (owner_id) DO UPDATE
		SET name = EXCLUDED.name, provider = EXCLUDED.provider, status = EXCLUDED.status,
		    resource_status = EXCLUDED.resource_status, sizing = EXCLUDED.sizing,
		    resource_created = EXCLUDED.resource_created, agent_installed = EXCLUDED.agent_installed,
		    messaging_configured = EXCLUDED.messaging_configured, gateway_started = EXCLUDED.gateway_started,
		    handle = EXCLUDED.handle, agent_version = EXCLUDED.agent_version,
		    error_message = EXCLUDED.error_message, updated_at = EXCLUDED.updated_at
	`

	_, err = r.pool.Exec(ctx, query,
		st.OwnerID,
		nullString(st.Name),
		nullString(string(st.Provider)),
		string(st.Status),
		nullString(string(st.ResourceStatus)),
		nullString(st.Sizing),
		st.Flags.ResourceCreated,
		st.Flags.AgentInstalled,
		st.Flags.MessagingConfigured,
		st.Flags.GatewayStarted,
		handleJSON,
		nullString(st.AgentVersion),
		nullString(st.ErrorMessage),
		st.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert legacy status: %w", err)
	}
	return nil
}

// --- Credentials ---

// GetCredentials retrieves the owner's stored, encrypted credentials
func (r *PostgresRepository) GetCredentials(ctx context.Context, ownerID string) (*models.OwnerCredentials, error) {
	query := `
		SELECT owner_id, model_provider, model_key_ciphertext, backend_key_ciphertexts, messaging_token, created_at
		FROM owner_credentials
		WHERE owner_id = $1
	`

	var creds models.OwnerCredentials
	var modelKey, messagingToken sql.NullString
	var backendJSON []byte

	err := r.pool.QueryRow(ctx, query, ownerID).Scan(
		&creds.OwnerID,
		&creds.ModelProvider,
		&modelKey,
		&backendJSON,
		&messagingToken,
		&creds.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	creds.ModelKeyCiphertext = modelKey.String
	creds.MessagingTokenPlaintext = messagingToken.String

	if backendJSON != nil {
		if err := json.Unmarshal(backendJSON, &creds.BackendKeyCiphertexts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal backend keys: %w", err)
		}
	}

	return &creds, nil
}

// UpsertCredentials writes the owner's stored credentials
func (r *PostgresRepository) UpsertCredentials(ctx context.Context, creds *models.OwnerCredentials) error {
	backendJSON, err := json.Marshal(creds.BackendKeyCiphertexts)
	if err != nil {
		return fmt.Errorf("failed to marshal backend keys: %w", err)
	}

	query := `
		INSERT INTO owner_credentials (owner_id, model_provider, model_key_ciphertext, backend_key_ciphertexts, messaging_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id) DO UPDATE
		SET model_provider = EXCLUDED.model_provider,
		    model_key_ciphertext = EXCLUDED.model_key_ciphertext,
		    backend_key_ciphertexts = EXCLUDED.backend_key_ciphertexts,
		    messaging_token = EXCLUDED.messaging_token
	`

	_, err = r.pool.Exec(ctx, query,
		creds.OwnerID,
		creds.ModelProvider,
		nullString(creds.ModelKeyCiphertext),
		backendJSON,
		nullString(creds.MessagingTokenPlaintext),
		creds.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert credentials: %w", err)
	}
	return nil
}

// --- API clients ---

// GetClientByApiKey retrieves an API client by its key
func (r *PostgresRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	query := `
		SELECT id, name, owner_id, api_key, is_active, created_at, last_used_at, permissions, metadata
		FROM api_clients
		WHERE api_key = $1
	`

	var client models.ApiClient
	var lastUsedAt sql.NullTime
	var permissionsJSON, metadataJSON []byte

	err := r.pool.QueryRow(ctx, query, apiKey).Scan(
		&client.ID,
		&client.Name,
		&client.OwnerID,
		&client.ApiKey,
		&client.IsActive,
		&client.CreatedAt,
		&lastUsedAt,
		&permissionsJSON,
		&metadataJSON,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api client: %w", err)
	}

	if lastUsedAt.Valid {
		client.LastUsedAt = &lastUsedAt.Time
	}

	if permissionsJSON != nil {
		if err := json.Unmarshal(permissionsJSON, &client.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &client.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &client, nil
}

// UpdateClientLastUsed updates the last_used_at timestamp for a client
func (r *PostgresRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_clients SET last_used_at = NOW() WHERE api_key = $1`, apiKey)
	if err != nil {
		return fmt.Errorf("failed to update client last_used_at: %w", err)
	}
	return nil
}

// --- Helpers ---

// pgxRow covers both pgx.Row and pgx.Rows for shared scanning
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanSandbox(row pgxRow) (*models.Sandbox, error) {
	var sb models.Sandbox
	var providerStr, statusStr string
	var resourceStatus, sizing, secretMaterial, agentVersion, errorMessage sql.NullString
	var handleJSON []byte

	err := row.Scan(
		&sb.ID,
		&sb.OwnerID,
		&sb.Name,
		&providerStr,
		&statusStr,
		&resourceStatus,
		&sizing,
		&sb.Flags.ResourceCreated,
		&sb.Flags.AgentInstalled,
		&sb.Flags.MessagingConfigured,
		&sb.Flags.GatewayStarted,
		&handleJSON,
		&secretMaterial,
		&agentVersion,
		&errorMessage,
		&sb.CreatedAt,
		&sb.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to scan sandbox: %w", err)
	}

	sb.Provider = models.Provider(providerStr)
	sb.Status = models.SandboxStatus(statusStr)
	sb.ResourceStatus = models.ResourceStatus(resourceStatus.String)
	sb.Sizing = sizing.String
	sb.SecretMaterial = secretMaterial.String
	sb.AgentVersion = agentVersion.String
	sb.ErrorMessage = errorMessage.String

	if sb.Handle, err = unmarshalHandle(handleJSON); err != nil {
		return nil, err
	}

	return &sb, nil
}

func marshalHandle(h *models.ResourceHandle) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handle: %w", err)
	}
	return data, nil
}

func unmarshalHandle(data []byte) (*models.ResourceHandle, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var h models.ResourceHandle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handle: %w", err)
	}
	return &h, nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
