package extraction

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives the cache key for one extraction call. The hash
// covers everything that changes the LLM output: the prompt template,
// the configured entity types, the target language, and the chunk
// content. Entity types are sorted so configuration order does not
// fragment the cache.
func Fingerprint(promptTemplate string, entityTypes []string, language, content string) string {
	types := make([]string, len(entityTypes))
	copy(types, entityTypes)
	sort.Strings(types)

	h := sha256.New()
	h.Write([]byte(promptTemplate))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(types, ",")))
	h.Write([]byte{0})
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
