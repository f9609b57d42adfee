package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/GrandeVx/clawSpot/internal/agentfile"
)

type authorDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type fileMetaDTO struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	UpdatedAt string `json:"updated_at"`
}

type toolDTO struct {
	ID     string `json:"id"`
	ToolID string `json:"tool_id"`
}

type agentDTO struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"is_public"`
	IsListed    bool   `json:"is_listed"`
	Downloads   int    `json:"downloads"`
	AuthorID    string `json:"author_id"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`

	Author    *authorDTO    `json:"author,omitempty"`
	FileCount *int          `json:"file_count,omitempty"`
	Files     []fileMetaDTO `json:"files,omitempty"`
	Tools     []toolDTO     `json:"tools,omitempty"`
}

// agentRow is the scan target shared by the agent read queries.
type agentRow struct {
	id          uuid.UUID
	slug        string
	name        string
	description string
	isPublic    bool
	isListed    bool
	downloads   int
	authorID    uuid.UUID
	createdAt   time.Time
	updatedAt   time.Time
}

func (a agentRow) dto() agentDTO {
	return agentDTO{
		ID:          a.id.String(),
		Slug:        a.slug,
		Name:        a.name,
		Description: a.description,
		IsPublic:    a.isPublic,
		IsListed:    a.isListed,
		Downloads:   a.downloads,
		AuthorID:    a.authorID.String(),
		CreatedAt:   a.createdAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   a.updatedAt.UTC().Format(time.RFC3339Nano),
	}
}

const agentColumns = `a.id, a.slug, a.name, a.description, a.is_public, a.is_listed, a.downloads, a.author_id, a.created_at, a.updated_at`

func scanAgentRow(row pgx.Row, dst *agentRow) error {
	return row.Scan(
		&dst.id, &dst.slug, &dst.name, &dst.description,
		&dst.isPublic, &dst.isListed, &dst.downloads,
		&dst.authorID, &dst.createdAt, &dst.updatedAt,
	)
}

// handleListAgents is the public discovery listing: public+listed agents,
// newest first, keyset-paginated, optionally filtered by a substring
// search over name and description.
func (s server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(strings.TrimSpace(r.URL.Query().Get("limit")))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	search := strings.TrimSpace(r.URL.Query().Get("search"))

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// The cursor names the first record of the requested page; resolve its
	// sort key so the fetch below can continue from it. Keyset pagination
	// keeps pages stable under concurrent inserts, which offset pagination
	// would not.
	var cursorCreatedAt *time.Time
	var cursorID *uuid.UUID
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cursor"})
			return
		}
		var createdAt time.Time
		err = s.db.QueryRow(ctx, `select created_at from agents where id = $1`, id).Scan(&createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cursor"})
			return
		}
		if err != nil {
			logError(ctx, "resolve cursor failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
			return
		}
		cursorCreatedAt = &createdAt
		cursorID = &id
	}

	rows, err := s.db.Query(ctx, `
		select `+agentColumns+`,
			u.id, u.name, u.avatar_url,
			(select count(*) from agent_files f where f.agent_id = a.id)
		from agents a
		join users u on u.id = a.author_id
		where a.is_listed and a.is_public
			and ($1 = '' or a.name ilike $2 or a.description ilike $2)
			and ($3::timestamptz is null or (a.created_at, a.id) <= ($3::timestamptz, $4::uuid))
		order by a.created_at desc, a.id desc
		limit $5
	`, search, searchPattern(search), cursorCreatedAt, cursorID, limit+1)
	if err != nil {
		logError(ctx, "list agents query failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	defer rows.Close()

	agents := make([]agentDTO, 0, limit+1)
	for rows.Next() {
		var a agentRow
		var author authorDTO
		var authorID uuid.UUID
		var fileCount int
		if err := rows.Scan(
			&a.id, &a.slug, &a.name, &a.description,
			&a.isPublic, &a.isListed, &a.downloads,
			&a.authorID, &a.createdAt, &a.updatedAt,
			&authorID, &author.Name, &author.AvatarURL,
			&fileCount,
		); err != nil {
			logError(ctx, "list agents scan failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scan failed"})
			return
		}
		author.ID = authorID.String()
		dto := a.dto()
		dto.Author = &author
		dto.FileCount = &fileCount
		agents = append(agents, dto)
	}
	if err := rows.Err(); err != nil {
		logError(ctx, "list agents rows failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	// Fetch limit+1: the extra row proves another page exists and its id
	// becomes the cursor that page starts at.
	var nextCursor string
	if len(agents) > limit {
		nextCursor = agents[limit].ID
		agents = agents[:limit]
	}

	resp := map[string]any{"agents": agents}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetAgentBySlug returns one agent with its author, file metadata
// (content withheld) and tools. Private agents are visible to their
// author only; everyone else gets the same not-found as a missing slug.
func (s server) handleGetAgentBySlug(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := validateSlug(slug); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var a agentRow
	var author authorDTO
	var authorID uuid.UUID
	err := s.db.QueryRow(ctx, `
		select `+agentColumns+`, u.id, u.name, u.avatar_url
		from agents a
		join users u on u.id = a.author_id
		where a.slug = $1
	`, slug).Scan(
		&a.id, &a.slug, &a.name, &a.description,
		&a.isPublic, &a.isListed, &a.downloads,
		&a.authorID, &a.createdAt, &a.updatedAt,
		&authorID, &author.Name, &author.AvatarURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	if err != nil {
		logError(ctx, "get agent by slug failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	// Same body as the missing case so existence of private agents is not
	// observable.
	if !callerFromCtx(r.Context()).CanRead(a.isPublic, a.authorID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}

	files, err := s.listAgentFileMeta(ctx, a.id)
	if err != nil {
		logError(ctx, "list agent files failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	tools, err := s.listAgentTools(ctx, a.id)
	if err != nil {
		logError(ctx, "list agent tools failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	author.ID = authorID.String()
	dto := a.dto()
	dto.Author = &author
	dto.Files = files
	dto.Tools = tools
	writeJSON(w, http.StatusOK, dto)
}

func (s server) listAgentFileMeta(ctx context.Context, agentID uuid.UUID) ([]fileMetaDTO, error) {
	rows, err := s.db.Query(ctx, `
		select id, filename, updated_at
		from agent_files
		where agent_id = $1
		order by filename asc
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]fileMetaDTO, 0, 5)
	for rows.Next() {
		var id uuid.UUID
		var filename string
		var updatedAt time.Time
		if err := rows.Scan(&id, &filename, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, fileMetaDTO{
			ID:        id.String(),
			Filename:  filename,
			UpdatedAt: updatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out, rows.Err()
}

func (s server) listAgentTools(ctx context.Context, agentID uuid.UUID) ([]toolDTO, error) {
	rows, err := s.db.Query(ctx, `
		select id, tool_id
		from agent_tools
		where agent_id = $1
		order by created_at asc
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []toolDTO{}
	for rows.Next() {
		var id uuid.UUID
		var toolID string
		if err := rows.Scan(&id, &toolID); err != nil {
			return nil, err
		}
		out = append(out, toolDTO{ID: id.String(), ToolID: toolID})
	}
	return out, rows.Err()
}

type createAgentRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	IsPublic    bool   `json:"is_public"`
}

// handleCreateAgent creates an agent and seeds its five file slots in one
// transaction; a failure anywhere leaves nothing behind. The slug
// pre-check gives a friendly early Conflict, but the unique constraint is
// what actually guarantees uniqueness under concurrent creates.
func (s server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	caller := callerFromCtx(r.Context())
	if !caller.Authenticated {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req createAgentRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if err := validateName(req.Name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := validateSlug(req.Slug); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		logError(ctx, "db begin failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "db begin failed"})
		return
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `select exists(select 1 from agents where slug = $1)`, req.Slug).Scan(&exists); err != nil {
		logError(ctx, "slug pre-check failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "slug already exists"})
		return
	}

	var a agentRow
	err = scanAgentRow(tx.QueryRow(ctx, `
		insert into agents (slug, name, description, is_public, author_id)
		values ($1, $2, $3, $4, $5)
		returning `+strings.ReplaceAll(agentColumns, "a.", "")+`
	`, req.Slug, req.Name, req.Description, req.IsPublic, caller.ID), &a)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent create; the constraint is the
			// source of truth.
			writeJSON(w, http.StatusConflict, map[string]string{"error": "slug already exists"})
			return
		}
		logError(ctx, "insert agent failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "insert failed"})
		return
	}

	for _, f := range agentfile.All() {
		if _, err := tx.Exec(ctx, `
			insert into agent_files (agent_id, filename, content)
			values ($1, $2, $3)
		`, a.id, string(f), agentfile.DefaultContent(f)); err != nil {
			logError(ctx, "seed agent file failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "insert failed"})
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "slug already exists"})
			return
		}
		logError(ctx, "db commit failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "db commit failed"})
		return
	}

	s.audit(ctx, "user", caller.ID, "agent_created", map[string]any{"agent_id": a.id.String(), "slug": a.slug})
	writeJSON(w, http.StatusCreated, a.dto())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type updateAgentRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsPublic    *bool   `json:"is_public"`
	IsListed    *bool   `json:"is_listed"`
}

// handleUpdateAgent applies a partial metadata update; omitted fields
// keep their values.
func (s server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	caller := callerFromCtx(r.Context())
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent id"})
		return
	}

	var req updateAgentRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}
	if req.Name == nil && req.Description == nil && req.IsPublic == nil && req.IsListed == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no fields"})
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if err := validateName(trimmed); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		req.Name = &trimmed
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
		logError(ctx, "query agent for update failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if !caller.CanMutate(authorID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var a agentRow
	err = scanAgentRow(s.db.QueryRow(ctx, `
		update agents
		set name        = coalesce($2, name),
			description = coalesce($3, description),
			is_public   = coalesce($4, is_public),
			is_listed   = coalesce($5, is_listed),
			updated_at  = now()
		where id = $1
		returning `+strings.ReplaceAll(agentColumns, "a.", "")+`
	`, agentID, req.Name, req.Description, req.IsPublic, req.IsListed), &a)
	if err != nil {
		logError(ctx, "update agent failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "update failed"})
		return
	}

	s.audit(ctx, "user", caller.ID, "agent_updated", map[string]any{"agent_id": agentID.String()})
	writeJSON(w, http.StatusOK, a.dto())
}

// handleDeleteAgent removes the agent together with its files and tools
// in one transaction, so no orphaned records survive.
func (s server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	caller := callerFromCtx(r.Context())
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		logError(ctx, "db begin failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "db begin failed"})
		return
	}
	defer tx.Rollback(ctx)

	var authorID uuid.UUID
	err = tx.QueryRow(ctx, `select author_id from agents where id = $1 for update`, agentID).Scan(&authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if err != nil {
		logError(ctx, "query agent for delete failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if !caller.CanMutate(authorID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	for _, stmt := range []string{
		`delete from agent_files where agent_id = $1`,
		`delete from agent_tools where agent_id = $1`,
		`delete from agents where id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, agentID); err != nil {
			logError(ctx, "delete agent failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete failed"})
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		logError(ctx, "db commit failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "db commit failed"})
		return
	}

	s.audit(ctx, "user", caller.ID, "agent_deleted", map[string]any{"agent_id": agentID.String()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleMyAgents lists every agent the caller owns, any visibility,
// most recently updated first.
func (s server) handleMyAgents(w http.ResponseWriter, r *http.Request) {
	caller := callerFromCtx(r.Context())
	if !caller.Authenticated {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		select `+agentColumns+`,
			(select count(*) from agent_files f where f.agent_id = a.id)
		from agents a
		where a.author_id = $1
		order by a.updated_at desc
	`, caller.ID)
	if err != nil {
		logError(ctx, "my agents query failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	defer rows.Close()

	agents := []agentDTO{}
	for rows.Next() {
		var a agentRow
		var fileCount int
		if err := rows.Scan(
			&a.id, &a.slug, &a.name, &a.description,
			&a.isPublic, &a.isListed, &a.downloads,
			&a.authorID, &a.createdAt, &a.updatedAt,
			&fileCount,
		); err != nil {
			logError(ctx, "my agents scan failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scan failed"})
			return
		}
		dto := a.dto()
		dto.FileCount = &fileCount
		agents = append(agents, dto)
	}
	if err := rows.Err(); err != nil {
		logError(ctx, "my agents rows failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// handleIncrementDownloads bumps the public download counter. The
// increment happens in SQL so concurrent calls never lose updates.
func (s server) handleIncrementDownloads(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cmdTag, err := s.db.Exec(ctx, `
		update agents
		set downloads = downloads + 1
		where id = $1
	`, agentID)
	if err != nil {
		logError(ctx, "increment downloads failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "update failed"})
		return
	}
	if cmdTag.RowsAffected() == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
