package httpapi

// Integration tests against a real Postgres instance. They are skipped
// unless CLAWSPOT_TEST_DATABASE_URL points at a throwaway database; the
// schema is dropped and recreated on first use.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrandeVx/clawSpot/internal/agentfile"
	"github.com/GrandeVx/clawSpot/internal/keys"
)

const testPepper = "test-pepper"

var (
	testPoolOnce sync.Once
	testPool     *pgxpool.Pool
	testPoolErr  error
)

func sharedPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("CLAWSPOT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CLAWSPOT_TEST_DATABASE_URL not set")
	}

	testPoolOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			testPoolErr = err
			return
		}

		_, err = pool.Exec(ctx, `
			drop table if exists audit_logs, agent_tools, agent_files, agents,
				user_api_keys, users, schema_migrations cascade
		`)
		if err != nil {
			testPoolErr = err
			return
		}

		sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.sql"))
		if err != nil {
			testPoolErr = err
			return
		}
		for _, stmt := range strings.Split(string(sqlBytes), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := pool.Exec(ctx, stmt); err != nil {
				testPoolErr = fmt.Errorf("apply migration statement: %w", err)
				return
			}
		}
		testPool = pool
	})
	require.NoError(t, testPoolErr)
	return testPool
}

func newTestServer(t *testing.T) (*httptest.Server, *pgxpool.Pool) {
	t.Helper()
	pool := sharedPool(t)
	srv := httptest.NewServer(NewRouter(Deps{
		DB:                 pool,
		Pepper:             testPepper,
		AdminToken:         "test-admin-token",
		RateLimitPerMinute: 100000,
	}))
	t.Cleanup(srv.Close)
	return srv, pool
}

func createTestUser(t *testing.T, pool *pgxpool.Pool, name string) (uuid.UUID, string) {
	t.Helper()
	ctx := context.Background()

	apiKey, err := keys.NewAPIKey()
	require.NoError(t, err)

	var userID uuid.UUID
	require.NoError(t, pool.QueryRow(ctx, `insert into users (name) values ($1) returning id`, name).Scan(&userID))
	_, err = pool.Exec(ctx, `insert into user_api_keys (user_id, key_hash) values ($1, $2)`,
		userID, keys.HashAPIKey(testPepper, apiKey))
	require.NoError(t, err)
	return userID, apiKey
}

func doJSON(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return res.StatusCode, out
}

func uniqueSlug(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func TestCreateAgentSeedsAllFiles(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "alice")

	slug := uniqueSlug("seed")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{
		"name": "Seeded Agent",
		"slug": slug,
	})
	require.Equal(t, http.StatusCreated, status, "body: %v", created)
	agentID := created["id"].(string)
	assert.Equal(t, slug, created["slug"])
	assert.Equal(t, false, created["is_public"])
	assert.Equal(t, true, created["is_listed"])
	assert.EqualValues(t, 0, created["downloads"])

	for _, f := range agentfile.All() {
		status, body := doJSON(t, http.MethodGet, srv.URL+"/v1/agents/"+agentID+"/files/"+string(f), "", nil)
		require.Equal(t, http.StatusOK, status)
		file, ok := body["file"].(map[string]any)
		require.True(t, ok, "file %s should be seeded", f)
		assert.Equal(t, agentfile.DefaultContent(f), file["content"])
	}
}

func TestCreateAgentDuplicateSlugConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "bob")
	_, otherToken := createTestUser(t, sharedPool(t), "carol")

	slug := uniqueSlug("dup")
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "First", "slug": slug})
	require.Equal(t, http.StatusCreated, status)

	// Conflicts for anyone, including a different user.
	status, body := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", otherToken, map[string]any{"name": "Second", "slug": slug})
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body["error"], "slug")
}

func TestCreateAgentValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "dave")

	cases := []map[string]any{
		{"name": "", "slug": uniqueSlug("v")},
		{"name": "ok", "slug": "Bad Slug"},
		{"name": "ok", "slug": ""},
		{"name": strings.Repeat("x", 101), "slug": uniqueSlug("v")},
	}
	for _, c := range cases {
		status, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, c)
		assert.Equal(t, http.StatusBadRequest, status, "payload %v", c)
	}

	// No token at all.
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", "", map[string]any{"name": "ok", "slug": uniqueSlug("v")})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestListPaginationCoversAllWithoutDuplicates(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "erin")

	marker := uniqueSlug("page")
	want := map[string]bool{}
	for i := 0; i < 7; i++ {
		slug := fmt.Sprintf("%s-%d", marker, i)
		status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{
			"name": "Pager " + slug, "slug": slug, "is_public": true,
		})
		require.Equal(t, http.StatusCreated, status)
		want[created["id"].(string)] = true
	}
	// One private agent that must never appear in the listing.
	status, hidden := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{
		"name": "Hidden " + marker, "slug": marker + "-private",
	})
	require.Equal(t, http.StatusCreated, status)

	got := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 50; pages++ {
		url := srv.URL + "/v1/agents?limit=3&search=" + marker
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		status, body := doJSON(t, http.MethodGet, url, "", nil)
		require.Equal(t, http.StatusOK, status)

		for _, item := range body["agents"].([]any) {
			agent := item.(map[string]any)
			id := agent["id"].(string)
			assert.False(t, got[id], "agent %s appeared twice", id)
			got[id] = true
		}
		next, _ := body["next_cursor"].(string)
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, want, got)
	assert.NotContains(t, got, hidden["id"].(string))
}

func TestListRejectsUnknownCursor(t *testing.T) {
	srv, _ := newTestServer(t)

	status, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/agents?cursor=not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/agents?cursor="+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPrivateAgentVisibleOnlyToAuthor(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "frank")
	_, otherToken := createTestUser(t, sharedPool(t), "grace")

	slug := uniqueSlug("priv")
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "Private", "slug": slug})
	require.Equal(t, http.StatusCreated, status)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/agents/slug/"+slug, "", nil)
	assert.Equal(t, http.StatusNotFound, status, "anonymous read of private agent")

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/agents/slug/"+slug, otherToken, nil)
	assert.Equal(t, http.StatusNotFound, status, "other user's read of private agent")

	status, body := doJSON(t, http.MethodGet, srv.URL+"/v1/agents/slug/"+slug, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, slug, body["slug"])
	assert.Len(t, body["files"], 5)
	// File metadata only; content stays behind the file endpoint.
	for _, f := range body["files"].([]any) {
		_, hasContent := f.(map[string]any)["content"]
		assert.False(t, hasContent)
	}
}

func TestUpdateAgentPartial(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "heidi")

	slug := uniqueSlug("upd")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{
		"name": "Before", "slug": slug, "description": "keep me",
	})
	require.Equal(t, http.StatusCreated, status)
	agentID := created["id"].(string)

	status, updated := doJSON(t, http.MethodPatch, srv.URL+"/v1/agents/"+agentID, token, map[string]any{
		"is_public": true,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, updated["is_public"])
	assert.Equal(t, "Before", updated["name"], "omitted fields keep their values")
	assert.Equal(t, "keep me", updated["description"])

	status, _ = doJSON(t, http.MethodPatch, srv.URL+"/v1/agents/"+agentID, token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status, "empty update rejected")
}

func TestMutationsByNonOwnerUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "ivan")
	_, otherToken := createTestUser(t, sharedPool(t), "judy")

	slug := uniqueSlug("own")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "Owned", "slug": slug})
	require.Equal(t, http.StatusCreated, status)
	agentID := created["id"].(string)

	status, _ = doJSON(t, http.MethodPatch, srv.URL+"/v1/agents/"+agentID, otherToken, map[string]any{"name": "Stolen"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, http.MethodDelete, srv.URL+"/v1/agents/"+agentID, otherToken, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, http.MethodPut, srv.URL+"/v1/agents/"+agentID+"/files/SOUL.md", otherToken, map[string]any{"content": "x"})
	assert.Equal(t, http.StatusUnauthorized, status)

	// Same answer for an agent that does not exist at all.
	status, _ = doJSON(t, http.MethodPatch, srv.URL+"/v1/agents/"+uuid.NewString(), otherToken, map[string]any{"name": "Ghost"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUpdateFileUpsert(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "kim")

	slug := uniqueSlug("file")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "Files", "slug": slug})
	require.Equal(t, http.StatusCreated, status)
	agentID := created["id"].(string)

	status, body := doJSON(t, http.MethodPut, srv.URL+"/v1/agents/"+agentID+"/files/MEMORY.md", token, map[string]any{
		"content": "# memories\n",
	})
	require.Equal(t, http.StatusOK, status)
	file := body["file"].(map[string]any)
	assert.Equal(t, "# memories\n", file["content"])

	// Writing the same content again succeeds and keeps the value.
	status, body = doJSON(t, http.MethodPut, srv.URL+"/v1/agents/"+agentID+"/files/MEMORY.md", token, map[string]any{
		"content": "# memories\n",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "# memories\n", body["file"].(map[string]any)["content"])

	status, body = doJSON(t, http.MethodGet, srv.URL+"/v1/agents/"+agentID+"/files/MEMORY.md", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "# memories\n", body["file"].(map[string]any)["content"])

	status, _ = doJSON(t, http.MethodPut, srv.URL+"/v1/agents/"+agentID+"/files/HACK.md", token, map[string]any{"content": "x"})
	assert.Equal(t, http.StatusBadRequest, status, "unknown filename rejected")
}

func TestGetFileUnknownFilenameAndMissingRow(t *testing.T) {
	srv, pool := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "leo")

	slug := uniqueSlug("gf")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "GF", "slug": slug})
	require.Equal(t, http.StatusCreated, status)
	agentID := created["id"].(string)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/agents/"+agentID+"/files/NOPE.md", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// Remove one seeded row to simulate an empty slot.
	_, err := pool.Exec(context.Background(), `delete from agent_files where agent_id = $1 and filename = 'TOOLS.md'`, created["id"])
	require.NoError(t, err)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/v1/agents/"+agentID+"/files/TOOLS.md", "", nil)
	require.Equal(t, http.StatusOK, status)
	v, present := body["file"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestDeleteAgentRemovesFilesAndTools(t *testing.T) {
	srv, pool := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "mallory")

	slug := uniqueSlug("del")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "Doomed", "slug": slug})
	require.Equal(t, http.StatusCreated, status)
	agentID := created["id"].(string)

	_, err := pool.Exec(context.Background(), `insert into agent_tools (agent_id, tool_id) values ($1, 'weather')`, created["id"])
	require.NoError(t, err)

	status, _ = doJSON(t, http.MethodDelete, srv.URL+"/v1/agents/"+agentID, token, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/agents/slug/"+slug, token, nil)
	assert.Equal(t, http.StatusNotFound, status)

	var fileCount, toolCount int
	require.NoError(t, pool.QueryRow(context.Background(), `select count(*) from agent_files where agent_id = $1`, created["id"]).Scan(&fileCount))
	require.NoError(t, pool.QueryRow(context.Background(), `select count(*) from agent_tools where agent_id = $1`, created["id"]).Scan(&toolCount))
	assert.Zero(t, fileCount)
	assert.Zero(t, toolCount)
}

func TestMyAgentsIncludesPrivate(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "nick")

	publicSlug := uniqueSlug("mine-pub")
	privateSlug := uniqueSlug("mine-priv")
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "Pub", "slug": publicSlug, "is_public": true})
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "Priv", "slug": privateSlug})
	require.Equal(t, http.StatusCreated, status)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/v1/me/agents", token, nil)
	require.Equal(t, http.StatusOK, status)

	slugs := map[string]bool{}
	for _, item := range body["agents"].([]any) {
		slugs[item.(map[string]any)["slug"].(string)] = true
	}
	assert.True(t, slugs[publicSlug])
	assert.True(t, slugs[privateSlug])

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/me/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestIncrementDownloadsConcurrent(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "olive")

	slug := uniqueSlug("dl")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{
		"name": "Counter", "slug": slug, "is_public": true,
	})
	require.Equal(t, http.StatusCreated, status)
	agentID := created["id"].(string)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/agents/"+agentID+"/downloads", nil)
			if err != nil {
				return
			}
			res, err := http.DefaultClient.Do(req)
			if err == nil {
				res.Body.Close()
			}
		}()
	}
	wg.Wait()

	status, body := doJSON(t, http.MethodGet, srv.URL+"/v1/agents/slug/"+slug, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, n, body["downloads"], "no lost increments under concurrency")

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/agents/"+uuid.NewString()+"/downloads", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBundleExportRespectsVisibility(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "peggy")

	slug := uniqueSlug("exp")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "Export Me", "slug": slug})
	require.Equal(t, http.StatusCreated, status)
	agentID := created["id"].(string)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/agents/"+agentID+"/bundle", "", nil)
	assert.Equal(t, http.StatusNotFound, status, "private agent hidden from anonymous export")

	status, body := doJSON(t, http.MethodGet, srv.URL+"/v1/agents/"+agentID+"/bundle", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["checksum"])
	b := body["bundle"].(map[string]any)
	assert.Equal(t, slug, b["slug"])
	assert.Len(t, b["files"], 5)
}

func TestBundleCredentialsDisabledWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "quinn")

	slug := uniqueSlug("sts")
	status, created := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{"name": "STS", "slug": slug})
	require.Equal(t, http.StatusCreated, status)

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/agents/"+created["id"].(string)+"/bundle/credentials", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestAdminIssueUserKey(t *testing.T) {
	srv, _ := newTestServer(t)

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/admin/users/issue-key", "wrong-token", map[string]any{"name": "ops"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/v1/admin/users/issue-key", "test-admin-token", map[string]any{"name": "ops"})
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, body["api_key"])

	// The minted key works as a normal user credential.
	status, me := doJSON(t, http.MethodGet, srv.URL+"/v1/me", body["api_key"].(string), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, body["user_id"], me["id"])
	assert.Equal(t, "ops", me["name"])
}

func TestInvalidTokenRejectedEvenOnOptionalAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	_, token := createTestUser(t, sharedPool(t), "rita")

	slug := uniqueSlug("opt")
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/agents", token, map[string]any{
		"name": "Opt", "slug": slug, "is_public": true,
	})
	require.Equal(t, http.StatusCreated, status)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/agents/slug/"+slug, "bogus-key", nil)
	assert.Equal(t, http.StatusUnauthorized, status, "present-but-invalid token is an error, not anonymous")
}
