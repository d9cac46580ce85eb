package prompt

import (
	"path/filepath"
	"strings"
)

// languageExtensions maps file extensions to language identifiers.
var languageExtensions = map[string]string{
	".cpp": "cpp", ".cc": "cpp", ".cxx": "cpp", ".c": "cpp", ".h": "cpp", ".hpp": "cpp", ".hxx": "cpp",
	".go":   "golang",
	".py":   "python",
	".java": "java",
	".ts":   "typescript", ".tsx": "typescript",
	".js": "javascript", ".jsx": "javascript",
	".rs": "rust",
	".kt": "kotlin", ".kts": "kotlin",
	".swift": "swift",
	".rb":    "ruby",
	".cs":    "csharp",
}

// DetectLanguage picks the dominant language of the modified paths by
// extension histogram. Ties break lexicographically so detection is
// deterministic. Returns "default" when nothing is recognized.
func DetectLanguage(files []string) string {
	counts := make(map[string]int)
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file))
		if lang, ok := languageExtensions[ext]; ok {
			counts[lang]++
		}
	}
	if len(counts) == 0 {
		return "default"
	}

	best := ""
	bestCount := 0
	for lang, count := range counts {
		if count > bestCount || (count == bestCount && lang < best) {
			best = lang
			bestCount = count
		}
	}
	return best
}
