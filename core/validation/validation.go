// Package validation holds the pure input validators shared by every
// component. Nothing here touches state or performs I/O.
package validation

import (
	"encoding/json"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/adalundhe/viable/core/errors"
)

const (
	// MaxNameBytes bounds names used as routing keys.
	MaxNameBytes = 128

	// MaxDescriptionBytes bounds capability descriptions.
	MaxDescriptionBytes = 4096

	// MaxContextBytes bounds serialized context maps.
	MaxContextBytes = 1 << 20 // 1MiB

	// MaxArgsBytes bounds serialized tool-call arguments.
	MaxArgsBytes = 64 << 10 // 64KiB
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Required fails naming the first missing or nil field in requiredKeys.
func Required(fields map[string]any, requiredKeys []string) error {
	for _, key := range requiredKeys {
		value, ok := fields[key]
		if !ok || value == nil {
			return errors.Newf(errors.KindValidation, "missing required field: %s", key)
		}
		if s, isString := value.(string); isString && s == "" {
			return errors.Newf(errors.KindValidation, "missing required field: %s", key)
		}
	}
	return nil
}

// Name fails unless value is a non-empty string of at most MaxNameBytes
// matching the allow-listed charset.
func Name(value string) error {
	if value == "" {
		return errors.New(errors.KindValidation, "name is empty")
	}
	if len(value) > MaxNameBytes {
		return errors.Newf(errors.KindValidation, "name exceeds %d bytes", MaxNameBytes)
	}
	if !namePattern.MatchString(value) {
		return errors.Newf(errors.KindValidation, "name contains invalid characters: %s", value)
	}
	return nil
}

// Description bounds a description's size. Empty is acceptable.
func Description(value string) error {
	if len(value) > MaxDescriptionBytes {
		return errors.Newf(errors.KindValidation, "description exceeds %d bytes", MaxDescriptionBytes)
	}
	return nil
}

// ContextSize fails if the serialized size of a context map exceeds 1MiB.
// Serialization failure is treated as too large.
func ContextSize(m map[string]any) error {
	return serializedSize(m, MaxContextBytes, "context")
}

// ArgsSize fails if the serialized size of an arguments map exceeds 64KiB.
func ArgsSize(m map[string]any) error {
	return serializedSize(m, MaxArgsBytes, "args")
}

func serializedSize(m map[string]any, limit int, label string) error {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		// Unserializable payloads are rejected conservatively.
		return errors.Newf(errors.KindValidation, "%s is not serializable, treated as too large", label)
	}
	if len(data) > limit {
		return errors.Newf(errors.KindValidation, "%s exceeds %d bytes", label, limit)
	}
	return nil
}

// URL must parse with scheme http/https and a non-empty host. When
// production is set, loopback and private-network hosts are rejected.
func URL(raw string, production bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(errors.KindValidation, "invalid url", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.Newf(errors.KindValidation, "url scheme must be http or https: %s", raw)
	}
	host := parsed.Hostname()
	if host == "" {
		return errors.Newf(errors.KindValidation, "url has no host: %s", raw)
	}
	if production && isInternalHost(host) {
		return errors.Newf(errors.KindValidation, "internal host not allowed in production: %s", host)
	}
	return nil
}

func isInternalHost(host string) bool {
	lower := strings.ToLower(host)
	switch lower {
	case "localhost", "127.0.0.1", "0.0.0.0":
		return true
	}
	if strings.HasSuffix(lower, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified()
	}
	return false
}

// Tools requires a non-empty list where every element passes Name.
func Tools(tools []string) error {
	if len(tools) == 0 {
		return errors.New(errors.KindValidation, "tool list is empty")
	}
	for _, tool := range tools {
		if err := Name(tool); err != nil {
			return errors.Wrap(errors.KindValidation, "invalid tool name", err)
		}
	}
	return nil
}

// SanitizeName strips characters outside the allowed charset and truncates
// to MaxNameBytes. Used defensively before a caller-supplied name becomes a
// routing key.
func SanitizeName(value string) string {
	cleaned := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '_' || c == '.' || c == '-' {
			cleaned = append(cleaned, c)
		}
	}
	if len(cleaned) > MaxNameBytes {
		cleaned = cleaned[:MaxNameBytes]
	}
	return string(cleaned)
}
