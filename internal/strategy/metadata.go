package strategy

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"review-pipeline/internal/domain"
)

const (
	confDirectImport  = 0.85
	confTypeReference = 0.60

	// maxFilesPerImport bounds how many files one package import nominates.
	maxFilesPerImport = 4
	// maxTypeIdents bounds identifier scanning on very large diffs.
	maxTypeIdents = 64
)

var (
	goImportRe     = regexp.MustCompile(`import\s+(?:[\w.]+\s+)?"([^"]+)"`)
	goGroupedRe    = regexp.MustCompile(`^\s*(?:[\w.]+\s+)?"([\w@][\w./~-]*/[\w./~-]+)"\s*$`)
	javaImportRe   = regexp.MustCompile(`^\s*import\s+(?:static\s+)?([\w.]+?)(?:\.\*)?\s*;`)
	pyFromRe       = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
	pyImportRe     = regexp.MustCompile(`^\s*import\s+([\w.]+)`)
	jsFromRe       = regexp.MustCompile(`from\s+['"]([^'"]+)['"]`)
	jsRequireRe    = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]`)
	typeIdentRe    = regexp.MustCompile(`\b([A-Z][A-Za-z0-9]{2,})\b`)
	jsResolveNames = []string{"", ".ts", ".tsx", ".js", ".jsx", "/index.ts", "/index.js"}
)

// typeStopwords are capitalized identifiers too common to signal a
// repository type.
var typeStopwords = map[string]bool{
	"String": true, "Integer": true, "Long": true, "Boolean": true,
	"Double": true, "Float": true, "Object": true, "List": true,
	"Map": true, "Set": true, "Array": true, "ArrayList": true,
	"HashMap": true, "HashSet": true, "Exception": true, "Error": true,
	"Override": true, "Test": true, "Optional": true, "Void": true,
	"Byte": true, "Character": true, "Number": true, "Promise": true,
	"True": true, "False": true, "None": true, "Self": true,
	"Context": true, "Builder": true, "Logger": true, "Collections": true,
}

// Metadata scans added diff lines for import statements and capitalized
// type references, nominating the repository files they resolve to.
type Metadata struct{}

var _ Strategy = (*Metadata)(nil)

func NewMetadata() *Metadata { return &Metadata{} }

func (*Metadata) Name() string { return "metadata" }

func (*Metadata) Priority() int { return 2 }

func (s *Metadata) Run(ctx context.Context, diff domain.DiffDocument, repo RepoView) ([]domain.ContextMatch, error) {
	files, err := repo.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	idx := newRepoIndex(files)
	modified := modifiedSet(diff)

	var out []domain.ContextMatch
	identsSeen := make(map[string]bool)

	for _, fm := range diff.Files {
		from := fm.EffectivePath()
		for _, h := range fm.Hunks {
			for _, l := range h.Lines {
				if l.Marker != '+' {
					continue
				}
				for _, imp := range extractImports(l.Text) {
					for _, target := range idx.resolveImport(imp, from) {
						if modified[target] {
							continue
						}
						out = append(out, domain.ContextMatch{
							Path:       target,
							Reason:     domain.ReasonDirectImport,
							Confidence: confDirectImport,
							Evidence:   fmt.Sprintf("imported as %q in %s", imp, from),
						})
					}
				}
				for _, ident := range typeIdentRe.FindAllString(l.Text, -1) {
					if typeStopwords[ident] || identsSeen[ident] {
						continue
					}
					if len(identsSeen) >= maxTypeIdents {
						continue
					}
					identsSeen[ident] = true
					for _, target := range idx.resolveType(ident) {
						if modified[target] {
							continue
						}
						out = append(out, domain.ContextMatch{
							Path:       target,
							Reason:     domain.ReasonTypeReference,
							Confidence: confTypeReference,
							Evidence:   fmt.Sprintf("type %s referenced in %s", ident, from),
						})
					}
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return dedupeMatches(out), nil
}

// extractImports pulls import targets out of one added source line.
func extractImports(line string) []string {
	var imps []string
	add := func(groups [][]string) {
		for _, g := range groups {
			if len(g) > 1 && g[1] != "" {
				imps = append(imps, g[1])
			}
		}
	}
	add(goImportRe.FindAllStringSubmatch(line, -1))
	add(javaImportRe.FindAllStringSubmatch(line, -1))
	add(jsFromRe.FindAllStringSubmatch(line, -1))
	add(jsRequireRe.FindAllStringSubmatch(line, -1))
	if m := pyFromRe.FindStringSubmatch(line); m != nil {
		imps = append(imps, m[1])
	} else if m := pyImportRe.FindStringSubmatch(line); m != nil && !strings.Contains(line, "\"") {
		imps = append(imps, m[1])
	}
	// A bare quoted path alone on the line is a grouped Go import entry.
	if len(imps) == 0 {
		if m := goGroupedRe.FindStringSubmatch(line); m != nil {
			imps = append(imps, m[1])
		}
	}
	return imps
}

// repoIndex answers "which repository files does this import or type name
// resolve to" without rescanning the file list per query.
type repoIndex struct {
	paths  map[string]bool
	byDir  map[string][]string
	byStem map[string][]string
}

func newRepoIndex(files []string) *repoIndex {
	idx := &repoIndex{
		paths:  make(map[string]bool, len(files)),
		byDir:  make(map[string][]string),
		byStem: make(map[string][]string),
	}
	for _, f := range files {
		if f == "" {
			continue
		}
		idx.paths[f] = true
		d := path.Dir(f)
		idx.byDir[d] = append(idx.byDir[d], f)
		idx.byStem[strings.ToLower(fileStem(f))] = append(idx.byStem[strings.ToLower(fileStem(f))], f)
	}
	for d := range idx.byDir {
		sort.Strings(idx.byDir[d])
	}
	for s := range idx.byStem {
		sort.Strings(idx.byStem[s])
	}
	return idx
}

// resolveImport maps an import target onto repository paths. Dotted
// imports (Java, Python) resolve to a single file; slash imports (Go, JS
// packages) resolve to the files of the matching directory; relative
// imports resolve against the importing file.
func (idx *repoIndex) resolveImport(imp, from string) []string {
	if strings.HasPrefix(imp, "./") || strings.HasPrefix(imp, "../") {
		base := path.Join(path.Dir(from), imp)
		for _, suffix := range jsResolveNames {
			if p := base + suffix; idx.paths[p] {
				return []string{p}
			}
		}
		return nil
	}

	if strings.Contains(imp, "/") {
		var best []string
		for d, files := range idx.byDir {
			if d == imp || strings.HasSuffix(d, "/"+imp) || strings.HasSuffix(imp, "/"+d) {
				best = append(best, files...)
			}
		}
		sort.Strings(best)
		out := best[:0]
		for _, f := range best {
			if strings.Contains(fileStem(f), "_test") || strings.HasSuffix(fileStem(f), ".test") {
				continue
			}
			out = append(out, f)
			if len(out) == maxFilesPerImport {
				break
			}
		}
		return out
	}

	if strings.Contains(imp, ".") {
		rel := strings.ReplaceAll(imp, ".", "/")
		for p := range idx.paths {
			stripped := strings.TrimSuffix(p, path.Ext(p))
			if stripped == rel || strings.HasSuffix(stripped, "/"+rel) {
				return []string{p}
			}
		}
		return nil
	}

	// Single-segment module name: resolve by file stem.
	if files, ok := idx.byStem[strings.ToLower(imp)]; ok && len(files) > 0 {
		return files[:1]
	}
	return nil
}

// resolveType maps a capitalized identifier onto files named after it,
// matching both UserDAO.java and user_dao.go conventions.
func (idx *repoIndex) resolveType(ident string) []string {
	lower := strings.ToLower(ident)
	if files, ok := idx.byStem[lower]; ok {
		return files
	}
	if files, ok := idx.byStem[camelToSnake(ident)]; ok {
		return files
	}
	return nil
}

// camelToSnake converts UserDAO to user_dao and HTTPClient to http_client.
func camelToSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			prevLower := i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if i > 0 && (prevLower || (nextLower && runes[i-1] >= 'A' && runes[i-1] <= 'Z')) {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
