// Package bundle packages an agent's documents and tool references into
// a portable export: canonical JSON bytes with a stable checksum, plus an
// optional archive store the API writes exported bundles to.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

type File struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type Bundle struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Files       []File   `json:"files"`
	Tools       []string `json:"tools"`
	ExportedAt  string   `json:"exported_at"`
}

// Encode returns the RFC 8785 canonical JSON form of the bundle and the
// hex sha256 of those bytes. Canonicalization makes the checksum
// independent of field ordering, so re-exports of unchanged content
// produce the same digest.
func (b Bundle) Encode() ([]byte, string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, "", err
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// ArchiveKey is the object key an exported bundle is stored under.
// Content-addressed, so re-archiving an unchanged bundle is a no-op
// overwrite of identical bytes.
func ArchiveKey(slug, checksum string) string {
	return "agents/" + slug + "/" + checksum + ".json"
}

// ArchivePrefix is the key prefix holding every export of one agent.
func ArchivePrefix(slug string) string {
	return "agents/" + slug + "/"
}
