package webhook

import "github.com/tidwall/sjson"

// noisyPaths are payload fields removed before a payload is logged: account
// emails, avatar and link maps, and installation blocks no consumer reads.
var noisyPaths = []string{
	"pull_request.user.email",
	"pull_request.user.avatar_url",
	"pull_request.head.repo.owner.email",
	"pull_request.base.repo.owner.email",
	"repository.owner.email",
	"repository.owner.avatar_url",
	"sender.email",
	"sender.avatar_url",
	"installation",
	"hook",
	"user.email",
	"user.avatar_url",
	"project.avatar_url",
	"object_attributes.last_commit.author.email",
}

// SanitizePayload strips noisy and sensitive fields from a webhook payload
// before it is logged. Best-effort: a path that fails to delete is left in
// place.
func SanitizePayload(body []byte) []byte {
	out := body
	for _, path := range noisyPaths {
		cleaned, err := sjson.DeleteBytes(out, path)
		if err != nil {
			continue
		}
		out = cleaned
	}
	return out
}

func truncateForLog(b []byte, max int) string {
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
