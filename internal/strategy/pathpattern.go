package strategy

import (
	"context"
	"fmt"
	"path"
	"strings"

	"review-pipeline/internal/domain"
)

// Confidence baselines for path-derived relations.
const (
	confTestCounterpart = 0.90
	confSamePackage     = 0.80
	confRelatedLayer    = 0.70
	confParentPackage   = 0.50
)

// layerKeywords name the architectural layers recognized by the
// related-layer relation, as a filename suffix or a directory segment.
var layerKeywords = []string{
	"controller", "service", "repository", "dao", "model",
	"entity", "dto", "mapper", "adapter", "port",
}

// PathPattern relates files by naming conventions: test counterparts,
// same-directory siblings, layer counterparts, and parent packages.
type PathPattern struct{}

var _ Strategy = (*PathPattern)(nil)

func NewPathPattern() *PathPattern { return &PathPattern{} }

func (*PathPattern) Name() string { return "path-pattern" }

func (*PathPattern) Priority() int { return 1 }

func (s *PathPattern) Run(ctx context.Context, diff domain.DiffDocument, repo RepoView) ([]domain.ContextMatch, error) {
	candidates, err := repo.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	modified := modifiedSet(diff)
	var out []domain.ContextMatch
	for _, mod := range diff.ModifiedPaths() {
		if mod == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, cand := range candidates {
			if cand == mod || modified[cand] {
				continue
			}
			if m, ok := classifyPair(mod, cand); ok {
				out = append(out, m)
			}
		}
	}
	return dedupeMatches(out), nil
}

// classifyPair relates candidate to the modified path, strongest reason
// first. The candidate is never the modified file itself.
func classifyPair(mod, cand string) (domain.ContextMatch, bool) {
	if isTestCounterpart(mod, cand) {
		return domain.ContextMatch{
			Path:       cand,
			Reason:     domain.ReasonTestCounterpart,
			Confidence: confTestCounterpart,
			Evidence:   fmt.Sprintf("test counterpart of %s", mod),
		}, true
	}
	if path.Dir(mod) == path.Dir(cand) {
		return domain.ContextMatch{
			Path:       cand,
			Reason:     domain.ReasonSamePackage,
			Confidence: confSamePackage,
			Evidence:   fmt.Sprintf("same directory as %s", mod),
		}, true
	}
	if isRelatedLayer(mod, cand) {
		return domain.ContextMatch{
			Path:       cand,
			Reason:     domain.ReasonRelatedLayer,
			Confidence: confRelatedLayer,
			Evidence:   fmt.Sprintf("layer counterpart of %s", mod),
		}, true
	}
	if isParentPackage(mod, cand) {
		return domain.ContextMatch{
			Path:       cand,
			Reason:     domain.ReasonParentPackage,
			Confidence: confParentPackage,
			Evidence:   fmt.Sprintf("parent package of %s", mod),
		}, true
	}
	return domain.ContextMatch{}, false
}

// fileStem strips the last extension from the base name.
func fileStem(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

// testStem removes a test decoration from the stem: foo_test, test_foo,
// FooTest, foo.test, foo.spec. Returns the undecorated core.
func testStem(p string) (string, bool) {
	s := fileStem(p)
	switch {
	case strings.HasSuffix(s, "_test"):
		return strings.TrimSuffix(s, "_test"), true
	case strings.HasPrefix(s, "test_"):
		return strings.TrimPrefix(s, "test_"), true
	case strings.HasSuffix(s, "Test") && len(s) > len("Test"):
		return strings.TrimSuffix(s, "Test"), true
	case strings.HasSuffix(s, ".test"):
		return strings.TrimSuffix(s, ".test"), true
	case strings.HasSuffix(s, ".spec"):
		return strings.TrimSuffix(s, ".spec"), true
	}
	return "", false
}

// normalizeTestDir folds test directory segments onto their main
// counterpart so src/test/java and src/main/java compare equal.
func normalizeTestDir(dir string) string {
	parts := strings.Split(dir, "/")
	for i, p := range parts {
		if p == "test" || p == "tests" {
			parts[i] = "main"
		}
	}
	return strings.Join(parts, "/")
}

// isTestCounterpart reports whether exactly one of a, b is the test file
// of the other: cores match and the directories agree modulo the
// main/test segment swap.
func isTestCounterpart(a, b string) bool {
	aCore, aIsTest := testStem(a)
	bCore, bIsTest := testStem(b)
	if aIsTest == bIsTest {
		return false
	}
	var core, plain string
	if aIsTest {
		core, plain = aCore, fileStem(b)
	} else {
		core, plain = bCore, fileStem(a)
	}
	if core == "" || !strings.EqualFold(core, plain) {
		return false
	}
	return normalizeTestDir(path.Dir(a)) == normalizeTestDir(path.Dir(b))
}

// layerOf returns the layer keyword a path carries and the remaining core
// name. The keyword may be a stem suffix (UserDao, user_dao) or a
// directory segment (service/user.go).
func layerOf(p string) (layer, core string) {
	s := fileStem(p)
	lower := strings.ToLower(s)
	for _, kw := range layerKeywords {
		if !strings.HasSuffix(lower, kw) || len(s) <= len(kw) {
			continue
		}
		cut := len(s) - len(kw)
		// Keyword must start at a word boundary: an uppercase letter or
		// after a separator. "report" must not read as core "re" + "port".
		first := s[cut]
		prev := s[cut-1]
		if (first >= 'A' && first <= 'Z') || prev == '_' || prev == '-' || prev == '.' {
			return kw, strings.ToLower(strings.TrimRight(s[:cut], "_-."))
		}
	}
	for _, seg := range strings.Split(path.Dir(p), "/") {
		for _, kw := range layerKeywords {
			if strings.ToLower(seg) == kw {
				return kw, lower
			}
		}
	}
	return "", ""
}

// isRelatedLayer reports whether the two paths name the same core in
// different architectural layers.
func isRelatedLayer(a, b string) bool {
	layerA, coreA := layerOf(a)
	layerB, coreB := layerOf(b)
	return layerA != "" && layerB != "" && layerA != layerB &&
		coreA != "" && coreA == coreB
}

// isParentPackage reports a strict directory-prefix relation in either
// direction. The repository root never counts as a parent.
func isParentPackage(a, b string) bool {
	da, db := path.Dir(a), path.Dir(b)
	if da == db {
		return false
	}
	return isDirPrefix(da, db) || isDirPrefix(db, da)
}

func isDirPrefix(parent, child string) bool {
	if parent == "." || parent == "" {
		return false
	}
	return strings.HasPrefix(child, parent+"/")
}
