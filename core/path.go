package core

import "strings"

// NormalizePath converts an entry path to its canonical slash form.
//
//   - Backslashes become slashes: `dir\file` → "dir/file"
//   - Leading and trailing slashes are stripped: "/a/b/" → "a/b"
//   - Consecutive slashes collapse: "a//b" → "a/b"
//   - Empty paths and "/" become "."
//
// "." and ".." elements are preserved.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.Trim(p, "/")
	if p == "" {
		return "."
	}
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" {
			result = append(result, part)
		}
	}
	return strings.Join(result, "/")
}

// ChildOf reports the first element of p below prefix.
//
// prefix is a normalized directory path ("." for the root). ok is false
// when p is not strictly below prefix. nested is true when p lies deeper
// than the immediate child.
func ChildOf(p, prefix string) (child string, nested, ok bool) {
	rest := p
	if prefix != "." {
		if !strings.HasPrefix(p, prefix+"/") {
			return "", false, false
		}
		rest = p[len(prefix)+1:]
	}
	if rest == "" || rest == "." {
		return "", false, false
	}
	child, _, nested = strings.Cut(rest, "/")
	return child, nested, true
}
