// Package tagger implements the compile-time source-location tagging
// transform for JSX/TSX files. Every native HTML element is annotated with
// a stable id plus its file/line/column so a browser-side editor can map a
// selected DOM node back to the source that produced it.
package tagger

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// idRe accepts an optional prefix followed by exactly 8 lowercase hex chars.
var idRe = regexp.MustCompile(`^(?:([A-Za-z0-9_-]+)-)?([0-9a-f]{8})$`)

// GenerateStableID returns the tag id for an element at (file, line, col).
// Identical inputs always produce the same id: the hash is the first 8 hex
// chars of md5("file:line:col"), prefixed with "<prefix>-" when a prefix is
// configured.
func GenerateStableID(file string, line, col int, prefix string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", file, line, col)))
	hash := hex.EncodeToString(sum[:])[:8]
	if prefix == "" {
		return hash
	}
	return prefix + "-" + hash
}

// ParsedID is the decomposed form of a tag id.
type ParsedID struct {
	Prefix string
	Hash   string
}

// ParseID splits an id into its optional prefix and 8-hex hash.
// Returns false for anything IsValidID rejects.
func ParseID(id string) (ParsedID, bool) {
	m := idRe.FindStringSubmatch(id)
	if m == nil {
		return ParsedID{}, false
	}
	return ParsedID{Prefix: m[1], Hash: m[2]}, true
}

// IsValidID reports whether id is a well-formed tag id: an optional prefix
// followed by exactly 8 hex chars.
func IsValidID(id string) bool {
	return idRe.MatchString(id)
}

// dynamicSuffix strips a runtime "-<n>" loop suffix so ids emitted for
// loop-generated elements still resolve to their base entry.
func dynamicSuffix(id string) (base string, ok bool) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 {
		return "", false
	}
	base = id[:i]
	for _, r := range id[i+1:] {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	if len(id) == i+1 {
		return "", false
	}
	return base, IsValidID(base)
}
