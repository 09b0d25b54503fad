package message

import (
	"regexp"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

var (
	userMentionRE = regexp.MustCompile(`<@(\d+)>`)
	roleMentionRE = regexp.MustCompile(`<@&(\d+)>`)
)

// ParseMentions extracts user (<@ID>) and role (<@&ID>) mention candidates
// from content. Duplicates are dropped; order is first occurrence. The
// returned ids are unvalidated candidates.
func ParseMentions(content string) (users, roles []snowflake.ID) {
	return collect(userMentionRE, content), collect(roleMentionRE, content)
}

func collect(re *regexp.Regexp, content string) []snowflake.ID {
	matches := re.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[snowflake.ID]struct{}, len(matches))
	out := make([]snowflake.ID, 0, len(matches))
	for _, m := range matches {
		id, err := snowflake.Parse(m[1])
		if err != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
