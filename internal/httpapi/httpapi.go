package httpapi

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GrandeVx/clawSpot/internal/bundle"
)

type Deps struct {
	DB            *pgxpool.Pool
	Pepper        string
	AdminToken    string
	PublicBaseURL string

	GitHubOAuthClientID     string
	GitHubOAuthClientSecret string

	RateLimitPerMinute int

	// Bundle archiving; all three may be zero/nil when no provider is
	// configured, in which case exports are served inline only.
	BundleConfig  bundle.StoreConfig
	BundleArchive bundle.ObjectStore
	BundleSTS     bundle.STSAssumer
}
