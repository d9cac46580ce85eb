package filter

import (
	"fmt"
	"path"
	"strings"
)

func init() {
	Register("kind", func(config map[string]any) (EventFilter, error) {
		kinds := stringList(config["kinds"])
		if len(kinds) == 0 {
			kinds = []string{KindOpened, KindUpdated, KindReopened, KindReadyForReview}
		}
		allowed := make(map[string]bool, len(kinds))
		for _, k := range kinds {
			allowed[strings.ToLower(k)] = true
		}
		return &kindFilter{allowed: allowed}, nil
	})

	Register("draft", func(config map[string]any) (EventFilter, error) {
		return draftFilter{}, nil
	})

	Register("bot_author", func(config map[string]any) (EventFilter, error) {
		return &botFilter{skipLogins: stringList(config["logins"])}, nil
	})

	Register("branch", func(config map[string]any) (EventFilter, error) {
		return &branchFilter{
			allowTargets: stringList(config["allow_targets"]),
			denyTargets:  stringList(config["deny_targets"]),
		}, nil
	})
}

// DefaultChain is the standard intake chain: event-kind allow list, draft
// skip, bot-author skip, branch rules.
func DefaultChain() *Chain {
	return NewChain(
		mustCreate("kind", nil),
		mustCreate("draft", nil),
		mustCreate("bot_author", nil),
		mustCreate("branch", nil),
	)
}

func mustCreate(name string, config map[string]any) EventFilter {
	f, err := Create(name, config)
	if err != nil {
		panic(err)
	}
	return f
}

type kindFilter struct {
	allowed map[string]bool
}

func (f *kindFilter) Name() string { return "kind" }

func (f *kindFilter) Check(ev Event) Verdict {
	if f.allowed[strings.ToLower(ev.Kind)] {
		return Allowed
	}
	return Reject(fmt.Sprintf("event kind %q is not reviewed", ev.Kind))
}

type draftFilter struct{}

func (draftFilter) Name() string { return "draft" }

func (draftFilter) Check(ev Event) Verdict {
	if ev.Draft {
		return Reject("draft change requests are skipped")
	}
	return Allowed
}

// botFilter skips machine authors: an explicit Bot account type, the
// conventional [bot] login suffix, or a configured login.
type botFilter struct {
	skipLogins []string
}

func (f *botFilter) Name() string { return "bot_author" }

func (f *botFilter) Check(ev Event) Verdict {
	if strings.EqualFold(ev.AuthorType, "bot") || strings.HasSuffix(strings.ToLower(ev.AuthorLogin), "[bot]") {
		return Reject(fmt.Sprintf("author %s is a bot", ev.AuthorLogin))
	}
	for _, login := range f.skipLogins {
		if strings.EqualFold(login, ev.AuthorLogin) {
			return Reject(fmt.Sprintf("author %s is on the skip list", ev.AuthorLogin))
		}
	}
	return Allowed
}

// branchFilter applies glob rules to the target branch. Deny patterns win;
// a non-empty allow list rejects anything it does not match.
type branchFilter struct {
	allowTargets []string
	denyTargets  []string
}

func (f *branchFilter) Name() string { return "branch" }

func (f *branchFilter) Check(ev Event) Verdict {
	for _, pattern := range f.denyTargets {
		if matched, _ := path.Match(pattern, ev.TargetBranch); matched {
			return Reject(fmt.Sprintf("target branch %s is denied by %q", ev.TargetBranch, pattern))
		}
	}
	if len(f.allowTargets) == 0 {
		return Allowed
	}
	for _, pattern := range f.allowTargets {
		if matched, _ := path.Match(pattern, ev.TargetBranch); matched {
			return Allowed
		}
	}
	return Reject(fmt.Sprintf("target branch %s matches no allow pattern", ev.TargetBranch))
}

// stringList coerces a config value into a string slice. YAML and JSON
// decoding both produce []any; typed slices are accepted as well.
func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
