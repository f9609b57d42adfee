// Package agentfile defines the fixed set of documents that make up an
// agent bundle. Every agent owns exactly one of each; filenames outside
// this set are rejected at the API boundary.
package agentfile

import "fmt"

type Filename string

const (
	Soul   Filename = "SOUL.md"
	User   Filename = "USER.md"
	Memory Filename = "MEMORY.md"
	Tools  Filename = "TOOLS.md"
	Agents Filename = "AGENTS.md"
)

// All returns the five filenames in their canonical order.
func All() []Filename {
	return []Filename{Soul, User, Memory, Tools, Agents}
}

// Parse validates a raw filename against the closed set.
func Parse(raw string) (Filename, error) {
	switch Filename(raw) {
	case Soul, User, Memory, Tools, Agents:
		return Filename(raw), nil
	}
	return "", fmt.Errorf("invalid agent filename %q", raw)
}

// DefaultContent returns the placeholder content a file slot is seeded
// with at agent creation. Deterministic per filename.
func DefaultContent(f Filename) string {
	switch f {
	case Soul:
		return "# SOUL.md\n\n_Define who this agent is..._\n"
	case User:
		return "# USER.md\n\n_Information about the user..._\n"
	case Memory:
		return "# MEMORY.md\n\n_Long-term memory..._\n"
	case Tools:
		return "# TOOLS.md\n\n_Available tools..._\n\n- weather\n- summarize\n"
	case Agents:
		return "# AGENTS.md\n\n_Sub-agent configuration..._\n"
	}
	return ""
}
