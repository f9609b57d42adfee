package bundle

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/sts"
	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// StoreConfig selects and configures the archive backend.
type StoreConfig struct {
	Provider           string // "aliyun" | "local"
	Endpoint           string
	Region             string
	Bucket             string
	BasePrefix         string
	AccessKeyID        string
	AccessKeySecret    string
	STSRoleARN         string
	STSDurationSeconds int
	LocalDir           string
}

// ObjectStore is the minimal object interface bundle archiving needs.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, contentType string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string, limit int) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// STSCredentials are short-lived credentials scoped to a key prefix.
type STSCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	SecurityToken   string `json:"security_token"`
	Expiration      string `json:"expiration"`

	Provider   string `json:"provider"`
	Bucket     string `json:"bucket"`
	Endpoint   string `json:"endpoint"`
	Region     string `json:"region"`
	BasePrefix string `json:"base_prefix"`
}

type STSAssumer interface {
	AssumeRole(ctx context.Context, sessionName, policy string, durationSeconds int) (STSCredentials, error)
}

// JoinKey joins a base prefix and a key with exactly one slash.
func JoinKey(basePrefix, key string) string {
	basePrefix = strings.Trim(strings.TrimSpace(basePrefix), "/")
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if basePrefix == "" {
		return key
	}
	if key == "" {
		return basePrefix
	}
	return basePrefix + "/" + key
}

func NewObjectStore(cfg StoreConfig) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "local":
		if strings.TrimSpace(cfg.LocalDir) == "" {
			return nil, errors.New("CLAWSPOT_BUNDLE_LOCAL_DIR is required when CLAWSPOT_BUNDLE_PROVIDER=local")
		}
		return localStore{root: cfg.LocalDir, basePrefix: cfg.BasePrefix}, nil
	case "aliyun":
		if cfg.Endpoint == "" || cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.Bucket == "" {
			return nil, errors.New("missing bundle store config for aliyun provider")
		}
		client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
		if err != nil {
			return nil, err
		}
		bucket, err := client.Bucket(cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return aliyunStore{bucket: bucket, basePrefix: cfg.BasePrefix}, nil
	default:
		return nil, errors.New("unsupported bundle provider (set CLAWSPOT_BUNDLE_PROVIDER=aliyun|local)")
	}
}

func NewSTSAssumer(cfg StoreConfig) (STSAssumer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "local":
		return localSTS{cfg: cfg}, nil
	case "aliyun":
		if cfg.Region == "" {
			return nil, errors.New("CLAWSPOT_BUNDLE_REGION is required when CLAWSPOT_BUNDLE_PROVIDER=aliyun")
		}
		if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.STSRoleARN == "" {
			return nil, errors.New("missing STS config (CLAWSPOT_BUNDLE_ACCESS_KEY_ID/SECRET + CLAWSPOT_BUNDLE_STS_ROLE_ARN)")
		}
		client, err := sts.NewClientWithAccessKey(cfg.Region, cfg.AccessKeyID, cfg.AccessKeySecret)
		if err != nil {
			return nil, err
		}
		return aliyunSTS{client: client, roleARN: cfg.STSRoleARN}, nil
	default:
		return nil, errors.New("unsupported bundle provider (set CLAWSPOT_BUNDLE_PROVIDER=aliyun|local)")
	}
}

type localStore struct {
	root       string
	basePrefix string
}

func (s localStore) PutObject(ctx context.Context, key string, contentType string, body []byte) error {
	_ = ctx
	_ = contentType
	p := filepath.Join(s.root, filepath.FromSlash(JoinKey(s.basePrefix, key)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	// Best-effort atomic write.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s localStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	p := filepath.Join(s.root, filepath.FromSlash(JoinKey(s.basePrefix, key)))
	return os.ReadFile(p)
}

func (s localStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	fullPrefix := JoinKey(s.basePrefix, strings.TrimLeft(prefix, "/"))
	rootPath := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(fullPrefix)))

	var out []string
	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		if len(out) >= limit {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipDir) {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s localStore) Exists(ctx context.Context, key string) (bool, error) {
	_ = ctx
	p := filepath.Join(s.root, filepath.FromSlash(JoinKey(s.basePrefix, key)))
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type aliyunStore struct {
	bucket     *oss.Bucket
	basePrefix string
}

func (s aliyunStore) PutObject(ctx context.Context, key string, contentType string, body []byte) error {
	_ = ctx
	fullKey := JoinKey(s.basePrefix, key)
	opts := []oss.Option{}
	if strings.TrimSpace(contentType) != "" {
		opts = append(opts, oss.ContentType(contentType))
	}
	return s.bucket.PutObject(fullKey, bytes.NewReader(body), opts...)
}

func (s aliyunStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	rc, err := s.bucket.GetObject(JoinKey(s.basePrefix, key))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s aliyunStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	fullPrefix := JoinKey(s.basePrefix, strings.TrimLeft(prefix, "/"))
	res, err := s.bucket.ListObjects(oss.Prefix(fullPrefix), oss.MaxKeys(limit))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Objects))
	for _, o := range res.Objects {
		out = append(out, o.Key)
	}
	return out, nil
}

func (s aliyunStore) Exists(ctx context.Context, key string) (bool, error) {
	_ = ctx
	return s.bucket.IsObjectExist(JoinKey(s.basePrefix, key))
}

type localSTS struct {
	cfg StoreConfig
}

func (s localSTS) AssumeRole(ctx context.Context, sessionName, policy string, durationSeconds int) (STSCredentials, error) {
	_ = ctx
	_ = sessionName
	_ = policy
	if durationSeconds <= 0 {
		durationSeconds = s.cfg.STSDurationSeconds
	}
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return STSCredentials{}, err
	}
	return STSCredentials{
		Provider:        "local",
		AccessKeyID:     "local",
		AccessKeySecret: "local",
		SecurityToken:   base64.RawURLEncoding.EncodeToString(b[:]),
		Expiration:      time.Now().Add(time.Duration(durationSeconds) * time.Second).UTC().Format(time.RFC3339),
		Bucket:          s.cfg.Bucket,
		Endpoint:        s.cfg.Endpoint,
		Region:          s.cfg.Region,
		BasePrefix:      strings.Trim(strings.TrimSpace(s.cfg.BasePrefix), "/"),
	}, nil
}

type aliyunSTS struct {
	client  *sts.Client
	roleARN string
}

func (s aliyunSTS) AssumeRole(ctx context.Context, sessionName, policy string, durationSeconds int) (STSCredentials, error) {
	_ = ctx // SDK doesn't take a context; best-effort.
	req := sts.CreateAssumeRoleRequest()
	req.Scheme = "https"
	req.RoleArn = s.roleARN
	req.RoleSessionName = sessionName
	req.Policy = policy
	req.DurationSeconds = requests.NewInteger(durationSeconds)

	resp, err := s.client.AssumeRole(req)
	if err != nil {
		return STSCredentials{}, err
	}
	if resp == nil || resp.Credentials.AccessKeyId == "" {
		return STSCredentials{}, errors.New("sts assume role returned empty credentials")
	}
	return STSCredentials{
		Provider:        "aliyun_sts",
		AccessKeyID:     resp.Credentials.AccessKeyId,
		AccessKeySecret: resp.Credentials.AccessKeySecret,
		SecurityToken:   resp.Credentials.SecurityToken,
		Expiration:      resp.Credentials.Expiration,
	}, nil
}

// ReadOnlyPolicy builds an OSS policy document allowing list+get on the
// given prefixes of one bucket.
func ReadOnlyPolicy(bucket string, prefixes []string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return "", errors.New("missing bucket")
	}

	type statement struct {
		Effect    string                         `json:"Effect"`
		Action    []string                       `json:"Action"`
		Resource  []string                       `json:"Resource"`
		Condition map[string]map[string][]string `json:"Condition,omitempty"`
	}

	clean := make([]string, 0, len(prefixes))
	seen := map[string]struct{}{}
	for _, p := range prefixes {
		p = strings.TrimLeft(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		return "", errors.New("no prefixes")
	}

	listPatterns := make([]string, 0, len(clean)*2)
	readResources := make([]string, 0, len(clean))
	for _, p := range clean {
		listPatterns = append(listPatterns, p)
		if !strings.HasSuffix(p, "*") {
			listPatterns = append(listPatterns, p+"*")
			readResources = append(readResources, fmt.Sprintf("acs:oss:*:*:%s/%s*", bucket, p))
		} else {
			readResources = append(readResources, fmt.Sprintf("acs:oss:*:*:%s/%s", bucket, p))
		}
	}

	stmts := []statement{
		{
			Effect:   "Allow",
			Action:   []string{"oss:ListObjects"},
			Resource: []string{fmt.Sprintf("acs:oss:*:*:%s", bucket)},
			Condition: map[string]map[string][]string{
				"StringLike": {"oss:Prefix": listPatterns},
			},
		},
		{
			Effect:   "Allow",
			Action:   []string{"oss:GetObject"},
			Resource: readResources,
		},
	}

	b, err := json.Marshal(map[string]any{"Version": "1", "Statement": stmts})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
