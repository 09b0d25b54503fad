package role

import (
	"testing"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

func TestIsEveryone(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(100)
	everyone := &Role{ID: guildID, GuildID: guildID}
	if !everyone.IsEveryone() {
		t.Error("role with id == guild id not recognised as everyone")
	}

	regular := &Role{ID: snowflake.ID(101), GuildID: guildID}
	if regular.IsEveryone() {
		t.Error("regular role recognised as everyone")
	}
}
