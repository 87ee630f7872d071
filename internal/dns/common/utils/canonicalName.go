package utils

import "strings"

// CanonicalDNSName returns a DNS name in canonical form:
// - Lowercased
// - Trimmed of surrounding whitespace
// - No trailing dot
//
// The root name "." canonicalizes to the empty string. An escaped final dot
// (`a\.`) belongs to the last label and is kept.
func CanonicalDNSName(name string) string {
	return TrimRootDot(strings.ToLower(strings.TrimSpace(name)))
}

// TrimRootDot removes trailing unescaped dots.
func TrimRootDot(name string) string {
	for len(name) > 0 && name[len(name)-1] == '.' && !escaped(name, len(name)-1) {
		name = name[:len(name)-1]
	}
	return name
}

// IsSubdomainOf reports whether name equals parent or sits below it.
// Both arguments must already be canonical.
func IsSubdomainOf(name, parent string) bool {
	if parent == "" {
		return true
	}
	if name == parent {
		return true
	}
	if !strings.HasSuffix(name, "."+parent) {
		return false
	}
	return !escaped(name, len(name)-len(parent)-1)
}

// SplitLabels splits a presentation name on unescaped dots. Escape sequences
// stay in the returned labels.
func SplitLabels(name string) []string {
	if name == "" {
		return nil
	}
	var labels []string
	start := 0
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '\\':
			i++
		case '.':
			labels = append(labels, name[start:i])
			start = i + 1
		}
	}
	return append(labels, name[start:])
}

// ParentName drops the first label of name. It reports false when name has a
// single label.
func ParentName(name string) (string, bool) {
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '\\':
			i++
		case '.':
			return name[i+1:], true
		}
	}
	return "", false
}

// escaped reports whether name[i] is preceded by an odd run of backslashes.
func escaped(name string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && name[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}
