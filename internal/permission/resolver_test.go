package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// --- Fake Store ---

type fakeStore struct {
	ref        ChannelRef
	refErr     error
	ownerID    snowflake.ID
	ownerErr   error
	entries    []RolePermEntry
	entriesErr error
	overwrites []Overwrite
	owErr      error

	overwritesCalled int
}

func (s *fakeStore) ChannelRef(_ context.Context, _ snowflake.ID) (ChannelRef, error) {
	return s.ref, s.refErr
}

func (s *fakeStore) GuildOwner(_ context.Context, _ snowflake.ID) (snowflake.ID, error) {
	return s.ownerID, s.ownerErr
}

func (s *fakeStore) MemberRolePermissions(_ context.Context, _, _ snowflake.ID) ([]RolePermEntry, error) {
	return s.entries, s.entriesErr
}

func (s *fakeStore) Overwrites(_ context.Context, _ snowflake.ID) ([]Overwrite, error) {
	s.overwritesCalled++
	return s.overwrites, s.owErr
}

// --- Fake Cache ---

type fakeCache struct {
	data      map[string]Permission
	getErr    error
	setErr    error
	setCalled bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]Permission)}
}

func key(g, c, u snowflake.ID) string {
	return g.String() + ":" + c.String() + ":" + u.String()
}

func (c *fakeCache) Get(_ context.Context, guildID, channelID, userID snowflake.ID) (Permission, bool, error) {
	if c.getErr != nil {
		return 0, false, c.getErr
	}
	perm, ok := c.data[key(guildID, channelID, userID)]
	return perm, ok, nil
}

func (c *fakeCache) Set(_ context.Context, guildID, channelID, userID snowflake.ID, perm Permission) error {
	c.setCalled = true
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key(guildID, channelID, userID)] = perm
	return nil
}

func (c *fakeCache) DeleteByGuild(_ context.Context, _ snowflake.ID) error        { return nil }
func (c *fakeCache) DeleteByGuildUser(_ context.Context, _, _ snowflake.ID) error { return nil }
func (c *fakeCache) DeleteByChannel(_ context.Context, _ snowflake.ID) error      { return nil }

const (
	guildID   = snowflake.ID(100)
	channelID = snowflake.ID(200)
	userID    = snowflake.ID(300)
	roleID    = snowflake.ID(400)
)

func testStore() *fakeStore {
	return &fakeStore{
		ref:     ChannelRef{ChannelID: channelID, GuildID: guildID},
		ownerID: snowflake.ID(999),
	}
}

// --- Tests ---

func TestOwnerBypass(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.ownerID = userID
	r := NewResolver(store, newFakeCache(), zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm != All {
		t.Errorf("owner permissions = %s, want all bits", perm)
	}
}

func TestAdministratorGivesAll(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{
		{RoleID: guildID, Permissions: ViewChannel},
		{RoleID: roleID, Permissions: Administrator},
	}
	// A channel overwrite denying everything must not matter.
	store.overwrites = []Overwrite{
		{TargetType: TargetMember, TargetID: userID, Deny: All},
	}
	r := NewResolver(store, newFakeCache(), zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm != All {
		t.Errorf("administrator permissions = %s, want all bits", perm)
	}
	if store.overwritesCalled != 0 {
		t.Errorf("overwrites loaded %d times for an administrator, want 0", store.overwritesCalled)
	}
}

func TestRoleUnion(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{
		{RoleID: guildID, Permissions: ViewChannel},
		{RoleID: roleID, Permissions: SendMessages},
		{RoleID: snowflake.ID(401), Permissions: ReadMessageHistory | CreateInvites},
	}
	r := NewResolver(store, newFakeCache(), zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := ViewChannel | SendMessages | ReadMessageHistory | CreateInvites
	if perm != want {
		t.Errorf("permissions = %s, want %s", perm, want)
	}
}

func TestOverwriteLayerOrder(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{
		{RoleID: guildID, Permissions: ViewChannel | SendMessages},
		{RoleID: roleID, Permissions: 0},
	}
	store.overwrites = []Overwrite{
		// @everyone layer denies SendMessages.
		{TargetType: TargetRole, TargetID: guildID, Deny: SendMessages},
		// Held role layer re-allows it.
		{TargetType: TargetRole, TargetID: roleID, Allow: SendMessages},
		// Member layer denies it again; the member layer is last and wins.
		{TargetType: TargetMember, TargetID: userID, Deny: SendMessages, Allow: ManageMessages},
	}
	r := NewResolver(store, newFakeCache(), zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := ViewChannel | ManageMessages
	if perm != want {
		t.Errorf("permissions = %s, want %s", perm, want)
	}
}

func TestRoleOverwritesAggregateInOnePass(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{
		{RoleID: guildID, Permissions: ViewChannel},
		{RoleID: roleID, Permissions: 0},
		{RoleID: snowflake.ID(401), Permissions: 0},
	}
	// One held role allows SendMessages, another denies it. Union semantics:
	// deny is applied before allow within the aggregated layer, so allow wins
	// regardless of role position.
	store.overwrites = []Overwrite{
		{TargetType: TargetRole, TargetID: roleID, Allow: SendMessages},
		{TargetType: TargetRole, TargetID: snowflake.ID(401), Deny: SendMessages},
	}
	r := NewResolver(store, newFakeCache(), zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !perm.Has(SendMessages) {
		t.Errorf("permissions = %s, want SendMessages allowed by aggregated role layer", perm)
	}
}

func TestUnheldRoleOverwriteIgnored(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{
		{RoleID: guildID, Permissions: ViewChannel},
	}
	store.overwrites = []Overwrite{
		{TargetType: TargetRole, TargetID: snowflake.ID(555), Allow: ManageGuild},
		{TargetType: TargetMember, TargetID: snowflake.ID(666), Allow: ManageGuild},
	}
	r := NewResolver(store, newFakeCache(), zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm != ViewChannel {
		t.Errorf("permissions = %s, want only ViewChannel", perm)
	}
}

func TestResolveCachesComputedValue(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{{RoleID: guildID, Permissions: ViewChannel}}
	cache := newFakeCache()
	r := NewResolver(store, cache, zerolog.Nop())

	if _, err := r.Resolve(context.Background(), userID, channelID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !cache.setCalled {
		t.Error("cache.Set not called after compute")
	}

	// A cached value skips the compute: only the channel lookup still reaches
	// the store, so the failing role lookup is never consulted.
	store.entriesErr = errors.New("store should not be consulted")
	perm, err := r.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() with warm cache error = %v", err)
	}
	if perm != ViewChannel {
		t.Errorf("cached permissions = %s, want %s", perm, ViewChannel)
	}
}

func TestCacheFailureDegradesToCompute(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{{RoleID: guildID, Permissions: SendMessages}}
	cache := newFakeCache()
	cache.getErr = errors.New("valkey down")
	cache.setErr = errors.New("valkey down")
	r := NewResolver(store, cache, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() with broken cache error = %v", err)
	}
	if perm != SendMessages {
		t.Errorf("permissions = %s, want %s", perm, SendMessages)
	}
}

func TestMissingEntitiesReturnNotFound(t *testing.T) {
	t.Parallel()

	t.Run("channel", func(t *testing.T) {
		t.Parallel()
		store := testStore()
		store.refErr = ErrNotFound
		r := NewResolver(store, newFakeCache(), zerolog.Nop())
		if _, err := r.Resolve(context.Background(), userID, channelID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("member", func(t *testing.T) {
		t.Parallel()
		store := testStore()
		store.entriesErr = ErrNotFound
		r := NewResolver(store, newFakeCache(), zerolog.Nop())
		if _, err := r.Resolve(context.Background(), userID, channelID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve() error = %v, want ErrNotFound", err)
		}
	})
}

func TestHas(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{{RoleID: guildID, Permissions: ViewChannel | SendMessages}}
	r := NewResolver(store, newFakeCache(), zerolog.Nop())

	ok, err := r.Has(context.Background(), userID, channelID, SendMessages)
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if !ok {
		t.Error("Has(SendMessages) = false, want true")
	}

	ok, err = r.Has(context.Background(), userID, channelID, ManageGuild)
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if ok {
		t.Error("Has(ManageGuild) = true, want false")
	}
}

func TestResolveGuild(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{
		{RoleID: guildID, Permissions: ViewChannel},
		{RoleID: roleID, Permissions: KickMembers},
	}
	r := NewResolver(store, newFakeCache(), zerolog.Nop())

	perm, err := r.ResolveGuild(context.Background(), userID, guildID)
	if err != nil {
		t.Fatalf("ResolveGuild() error = %v", err)
	}
	if want := ViewChannel | KickMembers; perm != want {
		t.Errorf("guild permissions = %s, want %s", perm, want)
	}
}

func TestComputeIsPure(t *testing.T) {
	t.Parallel()
	store := testStore()
	store.entries = []RolePermEntry{{RoleID: guildID, Permissions: ViewChannel}}
	store.overwrites = []Overwrite{
		{TargetType: TargetMember, TargetID: userID, Allow: ManageMessages},
	}

	// Two resolvers with independent caches over identical inputs agree.
	r1 := NewResolver(store, newFakeCache(), zerolog.Nop())
	r2 := NewResolver(store, newFakeCache(), zerolog.Nop())

	p1, err := r1.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	p2, err := r2.Resolve(context.Background(), userID, channelID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p1 != p2 {
		t.Errorf("identical inputs produced %s and %s", p1, p2)
	}
}
