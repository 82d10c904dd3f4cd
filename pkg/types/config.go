package types

import "strings"

// SurrogateKey is an opaque short token attached to a cached CDN response.
type SurrogateKey string

// SurrogateKeys is an ordered set of keys, serialized space-separated into a
// single HTTP header.
type SurrogateKeys struct {
	keys []SurrogateKey
	seen map[SurrogateKey]bool
}

// NewSurrogateKeys builds an ordered set from a slice, de-duplicating while
// preserving first-seen order.
func NewSurrogateKeys(keys ...SurrogateKey) *SurrogateKeys {
	s := &SurrogateKeys{seen: make(map[SurrogateKey]bool, len(keys))}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add appends k if not already present.
func (s *SurrogateKeys) Add(k SurrogateKey) {
	if s.seen[k] {
		return
	}
	s.seen[k] = true
	s.keys = append(s.keys, k)
}

// Header renders the set as the space-separated Surrogate-Key header value.
func (s *SurrogateKeys) Header() string {
	strs := make([]string, len(s.keys))
	for i, k := range s.keys {
		strs[i] = string(k)
	}
	return strings.Join(strs, " ")
}

// Len returns the number of distinct keys.
func (s *SurrogateKeys) Len() int { return len(s.keys) }

// Keys returns the keys in insertion order.
func (s *SurrogateKeys) Keys() []SurrogateKey { return s.keys }

// Well-known config key/value store keys (see §6).
const (
	ConfigKeyLastSeenIndexReference = "last_seen_index_reference"
	ConfigKeyQueueLocked            = "queue_locked"
	ConfigKeyToolchain              = "toolchain"
	ConfigKeyRustcVersion           = "rustc_version"
	ConfigKeyMaxQueuedRebuilds      = "max_queued_rebuilds"
)

// ToolchainDescriptor is the opaque descriptor stored under the "toolchain"
// config key.
type ToolchainDescriptor struct {
	Channel     string `json:"channel"`
	NightlyDate string `json:"nightly_date"`
	Version     string `json:"version"`
}
