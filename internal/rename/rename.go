// Package rename implements spec §3's rename-rule application and the
// §4.7 "serial" collision policy's numbered-suffix search. Grounded on
// original_source/copyd/src/regex_rename.rs's RegexRenamer (pattern
// compile + filename-only substitution) and
// original_source/copyd/src/copy_engine.rs's generate_serial_name.
package rename

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Rule is a compiled rename rule: a pattern applied only to the final
// path component of an emitted entry, and its replacement.
type Rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Compile compiles pattern/replacement into a Rule. An empty pattern
// yields a disabled rule whose Apply is a no-op.
func Compile(pattern, replacement string) (*Rule, error) {
	if pattern == "" {
		return &Rule{}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("rename: invalid pattern %q: %w", pattern, err)
	}
	return &Rule{pattern: re, replacement: replacement}, nil
}

// Enabled reports whether the rule performs any transformation.
func (r *Rule) Enabled() bool {
	return r != nil && r.pattern != nil
}

// Apply transforms the final path component of dstPath according to the
// rule, returning the (possibly unchanged) path. The result is always
// validated by Escapes before use.
func (r *Rule) Apply(dstPath string) string {
	if !r.Enabled() {
		return dstPath
	}
	dir := filepath.Dir(dstPath)
	base := filepath.Base(dstPath)
	newBase := r.pattern.ReplaceAllString(base, r.replacement)
	if newBase == base {
		return dstPath
	}
	return filepath.Join(dir, newBase)
}

// Escapes reports whether path, once lexically cleaned, falls outside
// root — the destination-root escape rejection spec §3/§4.3 requires
// for rename rule output.
func Escapes(root, path string) bool {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(path)
	if cleanPath == cleanRoot {
		return false
	}
	rel, err := filepath.Rel(cleanRoot, cleanPath)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Serial searches for the first free "<base>.<N><ext>" path starting at
// N=1, the numbered-suffix search spec §8 scenario 5 and
// original_source's generate_serial_name describe. It does not create
// the file; callers must re-check for a race between the stat and the
// eventual create.
func Serial(dstPath string) (string, error) {
	dir := filepath.Dir(dstPath)
	base := filepath.Base(dstPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for n := 1; n < 1_000_000; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, n, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("rename: exhausted serial suffixes for %q", dstPath)
}
