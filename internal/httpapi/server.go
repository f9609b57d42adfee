package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GrandeVx/clawSpot/internal/bundle"
	"github.com/GrandeVx/clawSpot/internal/keys"
	"github.com/GrandeVx/clawSpot/internal/policy"
)

type server struct {
	db            *pgxpool.Pool
	pepper        string
	adminToken    string
	publicBaseURL string

	githubClientID     string
	githubClientSecret string

	bundleCfg     bundle.StoreConfig
	bundleArchive bundle.ObjectStore
	bundleSTS     bundle.STSAssumer
}

type ctxKey string

const ctxCaller ctxKey = "caller"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logErrorNoCtx("writeJSON encode failed", err)
	}
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func readJSONLimited(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := readJSON(r, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// resolveAPIKey maps a bearer API key to a user id. Returns pgx.ErrNoRows
// for unknown or revoked keys.
func (s server) resolveAPIKey(ctx context.Context, apiKey string) (uuid.UUID, error) {
	hash := keys.HashAPIKey(s.pepper, apiKey)

	var userID uuid.UUID
	err := s.db.QueryRow(ctx, `
		select u.id
		from user_api_keys k
		join users u on u.id = k.user_id
		where k.key_hash = $1 and k.revoked_at is null
	`, hash).Scan(&userID)
	return userID, err
}

func (s server) userAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := bearerToken(r)
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		userID, err := s.resolveAPIKey(r.Context(), apiKey)
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		if err != nil {
			logError(r.Context(), "auth lookup failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "auth lookup failed"})
			return
		}

		caller := policy.Caller{ID: userID, Authenticated: true}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxCaller, caller)))
	})
}

// optionalUserAuthMiddleware resolves a bearer token when present but lets
// anonymous requests through. A token that is present but invalid is still
// rejected rather than silently downgraded to anonymous.
func (s server) optionalUserAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := bearerToken(r)
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := s.resolveAPIKey(r.Context(), apiKey)
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		if err != nil {
			logError(r.Context(), "auth lookup failed", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "auth lookup failed"})
			return
		}

		caller := policy.Caller{ID: userID, Authenticated: true}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxCaller, caller)))
	})
}

func (s server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admin api disabled"})
			return
		}
		if !keys.Equal(bearerToken(r), s.adminToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFromCtx(ctx context.Context) policy.Caller {
	if c, ok := ctx.Value(ctxCaller).(policy.Caller); ok {
		return c
	}
	return policy.Anonymous
}

func (s server) audit(ctx context.Context, actorType string, actorID uuid.UUID, action string, data map[string]any) {
	// Best-effort; never fails the request.
	_, err := s.db.Exec(ctx, `
		insert into audit_logs (actor_type, actor_id, action, data)
		values ($1, $2, $3, $4)
	`, actorType, actorID, action, data)
	if err != nil {
		logError(ctx, "audit insert failed", err)
	}
}
