package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/GrandeVx/clawSpot/internal/bundle"
)

// handleExportAgentBundle renders an agent as a portable canonical-JSON
// bundle. Visibility follows getBySlug: private agents export for their
// author only. When an archive store is configured the export is also
// written there, keyed by content checksum; archive failures never fail
// the export itself.
func (s server) handleExportAgentBundle(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var slug, name, description string
	var isPublic bool
	var authorID uuid.UUID
	err = s.db.QueryRow(ctx, `
		select slug, name, description, is_public, author_id
		from agents
		where id = $1
	`, agentID).Scan(&slug, &name, &description, &isPublic, &authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	if err != nil {
		logError(ctx, "query agent for export failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if !callerFromCtx(r.Context()).CanRead(isPublic, authorID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}

	rows, err := s.db.Query(ctx, `
		select filename, content
		from agent_files
		where agent_id = $1
		order by filename asc
	`, agentID)
	if err != nil {
		logError(ctx, "query agent files for export failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	defer rows.Close()

	files := make([]bundle.File, 0, 5)
	for rows.Next() {
		var f bundle.File
		if err := rows.Scan(&f.Filename, &f.Content); err != nil {
			logError(ctx, "scan agent file for export failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scan failed"})
			return
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		logError(ctx, "agent files rows for export failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	toolRows, err := s.db.Query(ctx, `
		select tool_id
		from agent_tools
		where agent_id = $1
		order by created_at asc
	`, agentID)
	if err != nil {
		logError(ctx, "query agent tools for export failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	defer toolRows.Close()

	tools := []string{}
	for toolRows.Next() {
		var toolID string
		if err := toolRows.Scan(&toolID); err != nil {
			logError(ctx, "scan agent tool for export failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scan failed"})
			return
		}
		tools = append(tools, toolID)
	}
	if err := toolRows.Err(); err != nil {
		logError(ctx, "agent tools rows for export failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	b := bundle.Bundle{
		Slug:        slug,
		Name:        name,
		Description: description,
		Files:       files,
		Tools:       tools,
		ExportedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	canonical, checksum, err := b.Encode()
	if err != nil {
		logError(ctx, "encode bundle failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encode failed"})
		return
	}

	archived := false
	if s.bundleArchive != nil {
		key := bundle.ArchiveKey(slug, checksum)
		exists, err := s.bundleArchive.Exists(ctx, key)
		if err != nil {
			logError(ctx, "bundle archive exists check failed", err)
		}
		if err == nil && !exists {
			if err := s.bundleArchive.PutObject(ctx, key, "application/json", canonical); err != nil {
				logError(ctx, "bundle archive put failed", err)
			} else {
				archived = true
			}
		}
		if err == nil && exists {
			archived = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bundle":   json.RawMessage(canonical),
		"checksum": checksum,
		"archived": archived,
	})
}

// handleIssueBundleCredentials hands the agent's owner short-lived
// read-only credentials scoped to that agent's archive prefix, so export
// tooling can pull archived bundles without touching the primary API key
// again.
func (s server) handleIssueBundleCredentials(w http.ResponseWriter, r *http.Request) {
	caller := callerFromCtx(r.Context())
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent id"})
		return
	}

	if s.bundleSTS == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bundle archive disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var slug string
	var authorID uuid.UUID
	err = s.db.QueryRow(ctx, `select slug, author_id from agents where id = $1`, agentID).Scan(&slug, &authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if err != nil {
		logError(ctx, "query agent for credentials failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if !caller.CanMutate(authorID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	prefix := bundle.JoinKey(s.bundleCfg.BasePrefix, bundle.ArchivePrefix(slug))
	policy, err := bundle.ReadOnlyPolicy(s.bundleCfg.Bucket, []string{prefix})
	if err != nil {
		logError(ctx, "build bundle policy failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "policy failed"})
		return
	}

	sessionName := "clawspot-export-" + strings.ReplaceAll(caller.ID.String(), "-", "")[:16]
	creds, err := s.bundleSTS.AssumeRole(ctx, sessionName, policy, s.bundleCfg.STSDurationSeconds)
	if err != nil {
		logError(ctx, "sts assume role failed", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "credential issuance failed"})
		return
	}

	// The aliyun STS response carries no bucket wiring; fill it from config
	// so clients get a self-contained credential blob.
	if creds.Bucket == "" {
		creds.Bucket = s.bundleCfg.Bucket
	}
	if creds.Endpoint == "" {
		creds.Endpoint = s.bundleCfg.Endpoint
	}
	if creds.Region == "" {
		creds.Region = s.bundleCfg.Region
	}
	if creds.BasePrefix == "" {
		creds.BasePrefix = strings.Trim(strings.TrimSpace(s.bundleCfg.BasePrefix), "/")
	}

	s.audit(ctx, "user", caller.ID, "bundle_credentials_issued", map[string]any{"agent_id": agentID.String()})
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": creds,
		"prefix":      prefix,
	})
}
