package credential

import "strings"

// escapeMountPath turns an absolute guest path into a systemd unit name
// component: slashes become dashes, and any literal backslash or dash in
// the original path is escaped to \x5c or \x2d first so the
// dash-as-separator substitution stays unambiguous. unescapeMountPath is
// its exact inverse, and
// escape/unescape round-trip to the identity for every absolute path
// without embedded newlines (SPEC_FULL.md 4.C, 8).
func escapeMountPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, `\`, `\x5c`)
		parts[i] = strings.ReplaceAll(p, "-", `\x2d`)
	}
	return strings.Join(parts, "-")
}

func unescapeMountPath(unit string) string {
	parts := strings.Split(unit, "-")
	for i, p := range parts {
		p = strings.ReplaceAll(p, `\x2d`, "-")
		parts[i] = strings.ReplaceAll(p, `\x5c`, `\`)
	}
	return "/" + strings.Join(parts, "/")
}
