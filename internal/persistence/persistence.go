// Package persistence implements the narrow CRUD surface the core consumes
// for conversation turns and upload records. Failures here are logged and
// never propagate to the user-visible response: persistence is
// best-effort bookkeeping, not part of the request's success path.
package persistence

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"ragcore/internal/types"
)

type Persister interface {
	InsertTurn(ctx context.Context, turn types.ConversationTurn) error
	ListTurns(ctx context.Context, tenantID string, limit int) ([]types.ConversationTurn, error)
	InsertUpload(ctx context.Context, up types.Upload) error
	UpdateUploadStatus(ctx context.Context, id string, status types.UploadStatus, chunkCount int, reason string) error
}

// Postgres is the Persister backed by the same pgxpool.Pool as the vector
// store, logging-and-proceeding on every failure.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func New(pool *pgxpool.Pool, log *slog.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

func (p *Postgres) InsertTurn(ctx context.Context, turn types.ConversationTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	sourcesJSON, err := json.Marshal(turn.Sources)
	if err != nil {
		p.log.Warn("persistence: marshal sources failed", "error", err)
		return err
	}
	flagsJSON, err := json.Marshal(turn.HallucinationFlags)
	if err != nil {
		p.log.Warn("persistence: marshal flags failed", "error", err)
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO conversation_turns
			(id, tenant_id, conversation_id, user_message, assistant_response, sources,
			 confidence, hallucination_flags, should_escalate, reviewed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
	`, turn.ID, turn.TenantID, turn.ConversationID, turn.UserMessage, turn.AssistantResponse,
		sourcesJSON, turn.Confidence, flagsJSON, turn.ShouldEscalate, turn.Reviewed)
	if err != nil {
		p.log.Warn("persistence: insert turn failed", "tenant_id", turn.TenantID, "error", err)
	}
	return err
}

func (p *Postgres) ListTurns(ctx context.Context, tenantID string, limit int) ([]types.ConversationTurn, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, conversation_id, user_message, assistant_response, sources,
		       confidence, hallucination_flags, should_escalate, reviewed, created_at
		FROM conversation_turns WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		p.log.Warn("persistence: list turns failed", "tenant_id", tenantID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []types.ConversationTurn
	for rows.Next() {
		var (
			t           types.ConversationTurn
			sourcesJSON []byte
			flagsJSON   []byte
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ConversationID, &t.UserMessage, &t.AssistantResponse,
			&sourcesJSON, &t.Confidence, &flagsJSON, &t.ShouldEscalate, &t.Reviewed, &t.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(sourcesJSON, &t.Sources)
		_ = json.Unmarshal(flagsJSON, &t.HallucinationFlags)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertUpload(ctx context.Context, up types.Upload) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO uploads (id, tenant_id, filename, declared_type, byte_size, status, chunk_count, fail_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
	`, up.ID, up.TenantID, up.Filename, string(up.DeclaredType), up.ByteSize, string(up.Status), up.ChunkCount, up.FailReason)
	if err != nil {
		p.log.Warn("persistence: insert upload failed", "upload_id", up.ID, "error", err)
	}
	return err
}

func (p *Postgres) UpdateUploadStatus(ctx context.Context, id string, status types.UploadStatus, chunkCount int, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE uploads SET status = $2, chunk_count = $3, fail_reason = $4 WHERE id = $1
	`, id, string(status), chunkCount, reason)
	if err != nil {
		p.log.Warn("persistence: update upload status failed", "upload_id", id, "error", err)
	}
	return err
}
