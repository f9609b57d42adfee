package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/GrandeVx/clawSpot/internal/agentfile"
)

type fileDTO struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// handleGetAgentFile reads a single file by agent id and filename. A known
// filename with no row yet yields {"file": null} rather than an error, so
// clients can distinguish "slot empty" from "bad request".
func (s server) handleGetAgentFile(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent id"})
		return
	}
	filename, err := agentfile.Parse(chi.URLParam(r, "filename"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var f fileDTO
	var id, gotAgentID uuid.UUID
	var createdAt, updatedAt time.Time
	err = s.db.QueryRow(ctx, `
		select id, agent_id, filename, content, created_at, updated_at
		from agent_files
		where agent_id = $1 and filename = $2
	`, agentID, string(filename)).Scan(&id, &gotAgentID, &f.Filename, &f.Content, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusOK, map[string]any{"file": nil})
		return
	}
	if err != nil {
		logError(ctx, "get agent file failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	f.ID = id.String()
	f.AgentID = gotAgentID.String()
	f.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	f.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	writeJSON(w, http.StatusOK, map[string]any{"file": f})
}

type updateAgentFileRequest struct {
	Content string `json:"content"`
}

// handleUpdateAgentFile upserts one of the five file slots for an agent
// the caller owns. Writing the same content twice is a no-op apart from
// the updated_at bump.
func (s server) handleUpdateAgentFile(w http.ResponseWriter, r *http.Request) {
	caller := callerFromCtx(r.Context())
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent id"})
		return
	}
	filename, err := agentfile.Parse(chi.URLParam(r, "filename"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req updateAgentFileRequest
	if !readJSONLimited(w, r, &req, 1<<20) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var authorID uuid.UUID
	err = s.db.QueryRow(ctx, `select author_id from agents where id = $1`, agentID).Scan(&authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if err != nil {
		logError(ctx, "query agent for file update failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if !caller.CanMutate(authorID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var f fileDTO
	var id, gotAgentID uuid.UUID
	var createdAt, updatedAt time.Time
	err = s.db.QueryRow(ctx, `
		insert into agent_files (agent_id, filename, content)
		values ($1, $2, $3)
		on conflict (agent_id, filename) do update
		set content = excluded.content, updated_at = now()
		returning id, agent_id, filename, content, created_at, updated_at
	`, agentID, string(filename), req.Content).Scan(&id, &gotAgentID, &f.Filename, &f.Content, &createdAt, &updatedAt)
	if err != nil {
		logError(ctx, "upsert agent file failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "update failed"})
		return
	}

	if _, err := s.db.Exec(ctx, `update agents set updated_at = now() where id = $1`, agentID); err != nil {
		logError(ctx, "touch agent updated_at failed", err)
	}

	f.ID = id.String()
	f.AgentID = gotAgentID.String()
	f.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	f.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)

	s.audit(ctx, "user", caller.ID, "agent_file_updated", map[string]any{
		"agent_id": agentID.String(),
		"filename": string(filename),
	})
	writeJSON(w, http.StatusOK, map[string]any{"file": f})
}
