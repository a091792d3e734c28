package cache

import (
	"github.com/rmarchant/webextract/internal/hash/sha256"
)

// Cache keys are derived from every input that affects the cached value,
// so identical requests hit and any input change misses.

// RenderKey identifies a render result by URL and wait strategy.
func RenderKey(url, waitStrategy string) string {
	return "render:" + sha256.DigestParts(url, waitStrategy)
}

// ExtractionKey identifies an extraction result by the content digest,
// the instructions, and the schema identity.
func ExtractionKey(content, instructions, schemaID string) string {
	return "extract:" + sha256.DigestParts(sha256.Digest(content), instructions, schemaID)
}
