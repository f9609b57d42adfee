package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/GrandeVx/clawSpot/internal/keys"
)

const (
	oauthGitHubStateCookie   = "clawspot_oauth_github_state"
	oauthGitHubPKCECookie    = "clawspot_oauth_github_pkce"
	oauthGitHubCookieMaxAgeS = 10 * 60
)

func randomBase64URL(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func requestScheme(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) > 0 && strings.TrimSpace(parts[0]) != "" {
			return strings.TrimSpace(parts[0])
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func requestHost(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) > 0 && strings.TrimSpace(parts[0]) != "" {
			return strings.TrimSpace(parts[0])
		}
	}
	return strings.TrimSpace(r.Host)
}

func (s server) oauthRedirectURL(r *http.Request) (string, bool) {
	if base := strings.TrimRight(strings.TrimSpace(s.publicBaseURL), "/"); base != "" {
		return base + "/v1/auth/github/callback", strings.HasPrefix(strings.ToLower(base), "https://")
	}
	host := requestHost(r)
	if host == "" {
		return "", false
	}
	scheme := requestScheme(r)
	return scheme + "://" + host + "/v1/auth/github/callback", scheme == "https"
}

func setOAuthCookie(w http.ResponseWriter, name, value string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   oauthGitHubCookieMaxAgeS,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

func clearOAuthCookie(w http.ResponseWriter, name string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

func writeOAuthHTML(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	body := `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>` + htmlEscape(title) + `</title>
    <style>
      body{font-family:ui-sans-serif,system-ui,-apple-system,"Segoe UI",Roboto,Helvetica,Arial;margin:0;background:#f7f8fc;color:#0f172a}
      .wrap{max-width:640px;margin:0 auto;padding:24px}
      .card{background:#fff;border:1px solid rgba(15,23,42,.12);border-radius:16px;padding:16px;box-shadow:0 6px 18px rgba(2,6,23,.08)}
      .title{font-size:20px;font-weight:800;margin:0 0 8px}
      .msg{white-space:pre-wrap;line-height:1.5;color:#334155}
    </style>
  </head>
  <body>
    <div class="wrap">
      <div class="card">
        <div class="title">` + htmlEscape(title) + `</div>
        <div class="msg">` + htmlEscape(message) + `</div>
      </div>
    </div>
  </body>
</html>`
	if _, err := w.Write([]byte(body)); err != nil {
		logError(context.Background(), "write oauth html failed", err)
	}
}

func htmlEscape(s string) string {
	repl := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return repl.Replace(s)
}

func (s server) handleAuthGitHubStart(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.githubClientID) == "" || strings.TrimSpace(s.githubClientSecret) == "" {
		writeOAuthHTML(w, http.StatusServiceUnavailable, "GitHub OAuth not configured", "This server has no GitHub OAuth client configured. Ask the administrator to set it up.")
		return
	}

	redirectURI, secure := s.oauthRedirectURL(r)
	if redirectURI == "" {
		writeOAuthHTML(w, http.StatusBadRequest, "Cannot start sign-in", "Could not determine the callback URL. Set CLAWSPOT_PUBLIC_BASE_URL and try again.")
		return
	}

	state, err := randomBase64URL(32)
	if err != nil {
		logError(r.Context(), "oauth state generation failed", err)
		writeOAuthHTML(w, http.StatusInternalServerError, "Sign-in failed", "Something went wrong. Please try again.")
		return
	}

	// PKCE: always enabled.
	codeVerifier, err := randomBase64URL(32)
	if err != nil {
		logError(r.Context(), "oauth pkce generation failed", err)
		writeOAuthHTML(w, http.StatusInternalServerError, "Sign-in failed", "Something went wrong. Please try again.")
		return
	}
	sum := sha256.Sum256([]byte(codeVerifier))
	codeChallenge := base64.RawURLEncoding.EncodeToString(sum[:])

	setOAuthCookie(w, oauthGitHubStateCookie, state, secure)
	setOAuthCookie(w, oauthGitHubPKCECookie, codeVerifier, secure)

	u := &url.URL{
		Scheme: "https",
		Host:   "github.com",
		Path:   "/login/oauth/authorize",
	}
	q := u.Query()
	q.Set("client_id", strings.TrimSpace(s.githubClientID))
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("scope", "read:user")
	q.Set("allow_signup", "true")
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
}

type githubTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (s server) exchangeGitHubToken(ctx context.Context, code, redirectURI, codeVerifier string) (string, error) {
	form := url.Values{}
	form.Set("client_id", strings.TrimSpace(s.githubClientID))
	form.Set("client_secret", strings.TrimSpace(s.githubClientSecret))
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	if strings.TrimSpace(codeVerifier) != "" {
		form.Set("code_verifier", codeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://github.com/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "clawSpot")

	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("token exchange http %d", res.StatusCode)
	}

	var tr githubTokenResponse
	if err := json.Unmarshal(b, &tr); err != nil {
		return "", err
	}
	if tr.Error != "" {
		return "", fmt.Errorf("token exchange error: %s", tr.Error)
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return "", errors.New("missing access_token")
	}
	return strings.TrimSpace(tr.AccessToken), nil
}

func (s server) fetchGitHubUser(ctx context.Context, accessToken string) (githubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return githubUser{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", "clawSpot")

	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return githubUser{}, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return githubUser{}, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return githubUser{}, fmt.Errorf("github user http %d", res.StatusCode)
	}

	var u githubUser
	if err := json.Unmarshal(b, &u); err != nil {
		return githubUser{}, err
	}
	if u.ID == 0 || strings.TrimSpace(u.Login) == "" {
		return githubUser{}, errors.New("github user missing id/login")
	}
	return u, nil
}

func (s server) handleAuthGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.githubClientID) == "" || strings.TrimSpace(s.githubClientSecret) == "" {
		writeOAuthHTML(w, http.StatusServiceUnavailable, "GitHub OAuth not configured", "This server has no GitHub OAuth client configured. Ask the administrator to set it up.")
		return
	}

	redirectURI, secure := s.oauthRedirectURL(r)
	if redirectURI == "" {
		writeOAuthHTML(w, http.StatusBadRequest, "Sign-in failed", "Could not determine the callback URL. Set CLAWSPOT_PUBLIC_BASE_URL and try again.")
		return
	}

	if ghErr := strings.TrimSpace(r.URL.Query().Get("error")); ghErr != "" {
		desc := strings.TrimSpace(r.URL.Query().Get("error_description"))
		msg := "Authorization was cancelled or failed."
		if desc != "" {
			msg = msg + "\n" + desc
		}
		writeOAuthHTML(w, http.StatusBadRequest, "Authorization failed", msg)
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if code == "" || state == "" {
		writeOAuthHTML(w, http.StatusBadRequest, "Sign-in failed", "Missing required parameters. Go back and try again.")
		return
	}

	stateCookie, err := r.Cookie(oauthGitHubStateCookie)
	if err != nil || strings.TrimSpace(stateCookie.Value) == "" {
		writeOAuthHTML(w, http.StatusBadRequest, "Sign-in failed", "Your sign-in attempt expired. Go back and try again.")
		return
	}
	if !keys.Equal(stateCookie.Value, state) {
		writeOAuthHTML(w, http.StatusBadRequest, "Sign-in failed", "Sign-in state mismatch. Go back and try again.")
		return
	}

	pkceCookie, _ := r.Cookie(oauthGitHubPKCECookie)
	codeVerifier := ""
	if pkceCookie != nil {
		codeVerifier = strings.TrimSpace(pkceCookie.Value)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	accessToken, err := s.exchangeGitHubToken(ctx, code, redirectURI, codeVerifier)
	if err != nil {
		logError(r.Context(), "oauth github token exchange failed", err)
		writeOAuthHTML(w, http.StatusBadRequest, "Sign-in failed", "Exchanging credentials with GitHub failed. Please try again later.")
		return
	}
	gu, err := s.fetchGitHubUser(ctx, accessToken)
	if err != nil {
		logError(r.Context(), "oauth github fetch user failed", err)
		writeOAuthHTML(w, http.StatusBadRequest, "Sign-in failed", "Fetching your GitHub profile failed. Please try again later.")
		return
	}

	// Upsert the user and issue a fresh API key. Old keys stay valid.
	apiKey, userID, err := s.upsertGitHubUserAndIssueKey(ctx, gu)
	if err != nil {
		logError(r.Context(), "oauth upsert user failed", err)
		writeOAuthHTML(w, http.StatusInternalServerError, "Sign-in failed", "Something went wrong. Please try again.")
		return
	}

	clearOAuthCookie(w, oauthGitHubStateCookie, secure)
	clearOAuthCookie(w, oauthGitHubPKCECookie, secure)

	s.audit(ctx, "user", userID, "user_oauth_login", map[string]any{"provider": "github"})

	writeOAuthSuccessPage(w, apiKey)
}

func (s server) upsertGitHubUserAndIssueKey(ctx context.Context, gu githubUser) (string, uuid.UUID, error) {
	githubID := fmt.Sprintf("%d", gu.ID)
	name := strings.TrimSpace(gu.Name)
	if name == "" {
		name = strings.TrimSpace(gu.Login)
	}
	avatar := strings.TrimSpace(gu.AvatarURL)

	apiKey, err := keys.NewAPIKey()
	if err != nil {
		return "", uuid.Nil, err
	}
	hash := keys.HashAPIKey(s.pepper, apiKey)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	err = tx.QueryRow(ctx, `
		insert into users (github_id, name, avatar_url)
		values ($1, $2, $3)
		on conflict (github_id) do update
		set name = excluded.name, avatar_url = excluded.avatar_url
		returning id
	`, githubID, name, avatar).Scan(&userID)
	if err != nil {
		return "", uuid.Nil, err
	}

	if _, err := tx.Exec(ctx, `
		insert into user_api_keys (user_id, key_hash)
		values ($1, $2)
	`, userID, hash); err != nil {
		return "", uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", uuid.Nil, err
	}

	s.audit(ctx, "user", userID, "user_api_key_issued", map[string]any{"provider": "github"})
	return apiKey, userID, nil
}

func writeOAuthSuccessPage(w http.ResponseWriter, apiKey string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(http.StatusOK)

	apiKeyJSON, err := json.Marshal(apiKey)
	if err != nil {
		logError(context.Background(), "marshal api key for oauth success page failed", err)
		apiKeyJSON = []byte(`""`)
	}

	// Shown once; the key is not persisted server-side in plaintext.
	body := fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>Signed in</title>
    <style>
      body{font-family:ui-sans-serif,system-ui,-apple-system,"Segoe UI",Roboto,Helvetica,Arial;margin:0;background:#f7f8fc;color:#0f172a}
      .wrap{max-width:640px;margin:0 auto;padding:24px}
      .card{background:#fff;border:1px solid rgba(15,23,42,.12);border-radius:16px;padding:16px;box-shadow:0 6px 18px rgba(2,6,23,.08)}
      .title{font-size:20px;font-weight:800;margin:0 0 8px}
      .msg{white-space:pre-wrap;line-height:1.5;color:#334155}
      code{display:block;margin-top:12px;padding:10px 12px;border-radius:12px;background:#f1f5f9;word-break:break-all}
    </style>
  </head>
  <body>
    <div class="wrap">
      <div class="card">
        <div class="title">Signed in</div>
        <div class="msg">Your API key is shown below. Store it somewhere safe; it will not be shown again.</div>
        <code id="key"></code>
      </div>
    </div>
    <script>
      (function() {
        document.getElementById("key").textContent = %s;
      })();
    </script>
  </body>
</html>`, string(apiKeyJSON))
	if _, err := w.Write([]byte(body)); err != nil {
		logError(context.Background(), "write oauth success page failed", err)
	}
}

// handleGetMe returns the caller's own profile.
func (s server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	caller := callerFromCtx(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var u struct {
		ID        uuid.UUID
		Name      string
		AvatarURL string
		GitHubID  *string
		CreatedAt time.Time
	}
	err := s.db.QueryRow(ctx, `
		select id, name, avatar_url, github_id, created_at
		from users
		where id = $1
	`, caller.ID).Scan(&u.ID, &u.Name, &u.AvatarURL, &u.GitHubID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	if err != nil {
		logError(ctx, "get me failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	resp := map[string]any{
		"id":         u.ID.String(),
		"name":       u.Name,
		"avatar_url": u.AvatarURL,
		"created_at": u.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if u.GitHubID != nil {
		resp["github_id"] = *u.GitHubID
	}
	writeJSON(w, http.StatusOK, resp)
}
