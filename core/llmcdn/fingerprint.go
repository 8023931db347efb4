package llmcdn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/adalundhe/viable/core/providers"
)

// volatileFields never participate in a request's cache identity.
var volatileFields = map[string]struct{}{
	"stream":          {},
	"timeout":         {},
	"skip_cache":      {},
	"receive_timeout": {},
}

// Fingerprint computes the deterministic content hash identifying a
// completion request for caching and dedup.
func Fingerprint(req *providers.Request) string {
	params := map[string]any{
		"messages": req.Messages,
	}
	if req.Model != "" {
		params["model"] = req.Model
	}
	if req.MaxTokens != 0 {
		params["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.System != "" {
		params["system"] = req.System
	}
	return FingerprintParams(params)
}

// EmbedFingerprint computes the cache key for an embedding request.
func EmbedFingerprint(inputs []string) string {
	return FingerprintParams(map[string]any{
		"embed_input": inputs,
	})
}

// FingerprintParams normalizes an arbitrary parameter map by dropping
// volatile fields and serializing with keys sorted recursively, then
// hashes the canonical form. Identical logical requests always produce
// identical fingerprints regardless of key-insertion order.
func FingerprintParams(params map[string]any) string {
	filtered := make(map[string]any, len(params))
	for key, value := range params {
		if _, volatile := volatileFields[key]; volatile {
			continue
		}
		filtered[key] = value
	}

	var builder strings.Builder
	writeCanonical(&builder, filtered)

	digest := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(digest[:])
}

// writeCanonical renders a value deterministically: map keys sorted,
// slices in order, everything else through encoding/json (which is itself
// deterministic for non-map values).
func writeCanonical(builder *strings.Builder, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		builder.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(fmt.Sprintf("%q:", key))
			writeCanonical(builder, v[key])
		}
		builder.WriteByte('}')

	case []any:
		builder.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				builder.WriteByte(',')
			}
			writeCanonical(builder, item)
		}
		builder.WriteByte(']')

	default:
		// Structs and scalars marshal deterministically; a marshal
		// failure degrades to the error text, which is still stable for
		// a given input.
		data, err := json.Marshal(v)
		if err != nil {
			builder.WriteString(fmt.Sprintf("!%v", err))
			return
		}
		builder.Write(data)
	}
}
