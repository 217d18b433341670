// Package validate checks structural invariants of manifests.
//
// Loose runs before the transformation routine and only requires a
// structured mapping. Strict runs on the routine's output and enforces
// the recognized top-level keys. The raw fetched manifest is never
// strict-validated: rules and proxies the routine fills in itself may
// legitimately appear only after it runs.
package validate

import (
	"fmt"

	"github.com/subforge/subforge/internal/domain"
	"github.com/subforge/subforge/internal/manifest"
)

// Keys with a required shape when present.
var sequenceKeys = []string{"rules", "proxies", "proxy-groups"}
var portKeys = []string{"port", "socks-port", "mixed-port"}

var validModes = map[string]bool{
	"rule":   true,
	"global": true,
	"direct": true,
}

// Loose fails unless doc is a non-nil structured mapping.
func Loose(doc *manifest.Document) error {
	if doc == nil {
		return domain.ErrShape("manifest is not a structured mapping")
	}
	return nil
}

// Strict additionally enforces, when present: rules, proxies, and
// proxy-groups are sequences; port, socks-port, and mixed-port are
// integers in [0, 65535]; mode is one of rule, global, direct.
func Strict(doc *manifest.Document) error {
	if err := Loose(doc); err != nil {
		return err
	}

	for _, key := range sequenceKeys {
		v, ok := doc.Get(key)
		if !ok {
			continue
		}
		if _, isSeq := v.([]any); !isSeq {
			return domain.ErrValidation(key, fmt.Sprintf("%s must be a sequence, got %T", key, v))
		}
	}

	for _, key := range portKeys {
		v, ok := doc.Get(key)
		if !ok {
			continue
		}
		port, ok := asInt(v)
		if !ok {
			return domain.ErrValidation(key, fmt.Sprintf("%s must be an integer, got %T", key, v))
		}
		if port < 0 || port > 65535 {
			return domain.ErrValidation(key, fmt.Sprintf("%s must be in [0, 65535], got %d", key, port))
		}
	}

	if v, ok := doc.Get("mode"); ok {
		mode, isStr := v.(string)
		if !isStr || !validModes[mode] {
			return domain.ErrValidation("mode", fmt.Sprintf("mode must be one of rule, global, direct, got %v", v))
		}
	}

	return nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
