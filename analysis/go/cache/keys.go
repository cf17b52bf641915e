package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// nonSemanticOptions are request options which do not change the analysis
// result and are therefore excluded from the options hash. force_refresh in
// particular must hash identically to its absence, so that a forced run
// overwrites the cache row a normal run would read.
var nonSemanticOptions = map[string]bool{
	"force_refresh":   true,
	"allow_ambiguous": true,
	"freeform":        true,
	"sync_timeout_s":  true,
	"request_id":      true,
	"trace_id":        true,
}

// OptionsHash returns a stable hash over the semantically-relevant request
// options. Keys are hashed in sorted order; json.Marshal sorts map keys,
// which gives us the canonical serialization.
func OptionsHash(options map[string]interface{}) string {
	semantic := map[string]interface{}{}
	for k, v := range options {
		if !nonSemanticOptions[k] {
			semantic[k] = v
		}
	}
	b, err := json.Marshal(semantic)
	if err != nil {
		// Options came from parsed JSON; re-marshaling cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ArtifactKey returns the stable cache key for one cached artifact: the
// canonical tuple hashed to a fixed-length hex string. Stable across
// processes.
func ArtifactKey(source, subjectKey, pipelineVersion, optionsHash, kind string) string {
	canonical := strings.Join([]string{source, subjectKey, pipelineVersion, optionsHash, kind}, "\x1f")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// KindFinalResult is the artifact kind of a terminal bundle.
const KindFinalResult = "final_result"

// cacheableKeyPrefixes lists, per source, the subject key prefixes which are
// stable enough to cache. Sources not listed accept any non-empty key.
var cacheableKeyPrefixes = map[string][]string{
	"scholar":  {"id:"},
	"github":   {"login:"},
	"linkedin": {"url:"},
}

// CacheableSubjectKey returns true if results for the given subject key may
// be cached. Unstable keys ("name:", "query:", ...) bypass the cache for
// both reads and writes.
func CacheableSubjectKey(source, subjectKey string) bool {
	if subjectKey == "" {
		return false
	}
	prefixes, ok := cacheableKeyPrefixes[source]
	if !ok {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(subjectKey, p) {
			return true
		}
	}
	return false
}
