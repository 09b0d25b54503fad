package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

const (
	testGuild   = snowflake.ID(100)
	testChannel = snowflake.ID(200)
	testAuthor  = snowflake.ID(300)
	testOther   = snowflake.ID(301)
)

// --- Fakes ---

type fakeAuth struct {
	granted map[snowflake.ID]permission.Permission
	err     error
}

func (a *fakeAuth) Has(_ context.Context, userID, _ snowflake.ID, perm permission.Permission) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return a.granted[userID].Has(perm), nil
}

type fakeDirectory struct {
	guildID snowflake.ID
	members map[snowflake.ID]bool
	roles   map[snowflake.ID]bool
}

func (d *fakeDirectory) ChannelGuild(_ context.Context, _ snowflake.ID) (snowflake.ID, error) {
	return d.guildID, nil
}

func (d *fakeDirectory) FilterMembers(_ context.Context, _ snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error) {
	var out []snowflake.ID
	for _, id := range candidates {
		if d.members[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *fakeDirectory) FilterRoles(_ context.Context, _ snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error) {
	var out []snowflake.ID
	for _, id := range candidates {
		if d.roles[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeRepo struct {
	byID      map[snowflake.ID]*Message
	inserted  int
	lastList  Cursor
	listReply []Message
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[snowflake.ID]*Message)}
}

func (r *fakeRepo) Insert(_ context.Context, msg *Message) (*Message, error) {
	if existing, ok := r.byID[msg.ID]; ok {
		return existing, nil
	}
	r.inserted++
	stored := *msg
	r.byID[msg.ID] = &stored
	return &stored, nil
}

func (r *fakeRepo) Get(_ context.Context, id snowflake.ID) (*Message, error) {
	msg, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

func (r *fakeRepo) List(_ context.Context, _ snowflake.ID, cursor Cursor) ([]Message, error) {
	r.lastList = cursor
	return r.listReply, nil
}

func (r *fakeRepo) UpdateContent(_ context.Context, id snowflake.ID, content string, expected *time.Time, mentions, mentionRoles []snowflake.ID) (*Message, error) {
	msg, ok := r.byID[id]
	if !ok || msg.DeletedAt != nil {
		return nil, ErrNotFound
	}
	same := (msg.EditedAt == nil && expected == nil) ||
		(msg.EditedAt != nil && expected != nil && msg.EditedAt.Equal(*expected))
	if !same {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.Mentions = mentions
	msg.MentionRoles = mentionRoles
	msg.EditedAt = &now
	copied := *msg
	return &copied, nil
}

func (r *fakeRepo) SoftDelete(_ context.Context, id snowflake.ID) (bool, error) {
	msg, ok := r.byID[id]
	if !ok || msg.DeletedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	msg.DeletedAt = &now
	return true, nil
}

type fakePublisher struct {
	events []string
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, eventType, _ string, _ any) (*bus.Envelope, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.events = append(p.events, eventType)
	return &bus.Envelope{ID: uuid.New(), Type: eventType}, nil
}

func newTestService(repo *fakeRepo, pub *fakePublisher, granted map[snowflake.ID]permission.Permission) *Service {
	gen, _ := snowflake.NewGenerator(1)
	dir := &fakeDirectory{
		guildID: testGuild,
		members: map[snowflake.ID]bool{testAuthor: true, testOther: true},
		roles:   map[snowflake.ID]bool{777: true},
	}
	return NewService(repo, &fakeAuth{granted: granted}, dir, gen, pub, 2000, zerolog.Nop())
}

func allGranted() map[snowflake.ID]permission.Permission {
	return map[snowflake.ID]permission.Permission{
		testAuthor: permission.All,
		testOther:  permission.ViewChannel | permission.ReadMessageHistory,
	}
}

// --- Tests ---

func TestCreatePublishesAndStores(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, allGranted())

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "hello <@301> <@&777> <@999>")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if msg.Content != "hello <@301> <@&777> <@999>" {
		t.Errorf("content = %q", msg.Content)
	}
	if len(msg.Mentions) != 1 || msg.Mentions[0] != testOther {
		t.Errorf("mentions = %v, want [%d] (non-member dropped)", msg.Mentions, testOther)
	}
	if len(msg.MentionRoles) != 1 || msg.MentionRoles[0] != 777 {
		t.Errorf("mention roles = %v, want [777]", msg.MentionRoles)
	}
	if got := msg.CreatedAt; got != msg.ID.Time() {
		t.Errorf("created_at %v does not match id timestamp %v", got, msg.ID.Time())
	}
	if len(pub.events) != 1 || pub.events[0] != bus.EventMessageCreated {
		t.Errorf("published = %v, want [message.created]", pub.events)
	}
}

func TestCreateWithoutPermissionPublishesNothing(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, map[snowflake.ID]permission.Permission{
		testAuthor: permission.ViewChannel | permission.ReadMessageHistory,
	})

	_, err := svc.Create(context.Background(), testChannel, testAuthor, "hi")
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Missing != permission.SendMessages {
		t.Fatalf("Create() error = %v, want PermissionError(SEND_MESSAGES)", err)
	}
	if repo.inserted != 0 {
		t.Error("message was persisted despite missing permission")
	}
	if len(pub.events) != 0 {
		t.Errorf("events published = %v, want none", pub.events)
	}
}

func TestCreateRejectsInvalidContent(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeRepo(), &fakePublisher{}, allGranted())

	if _, err := svc.Create(context.Background(), testChannel, testAuthor, "   "); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("empty content error = %v, want ErrEmptyContent", err)
	}
}

func TestCreateIdempotentOnSameID(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, allGranted())

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "once")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A replayed insert with the same (id, created_at) must return the stored
	// row and never a duplicate.
	again, err := repo.Insert(context.Background(), &Message{
		ID: msg.ID, ChannelID: testChannel, AuthorID: testAuthor,
		Content: "different retry body", CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		t.Fatalf("Insert() replay error = %v", err)
	}
	if again.Content != "once" {
		t.Errorf("replayed insert content = %q, want original %q", again.Content, "once")
	}
	if repo.inserted != 1 {
		t.Errorf("inserted %d rows, want 1", repo.inserted)
	}
}

func TestListRequiresReadHistory(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeRepo(), &fakePublisher{}, map[snowflake.ID]permission.Permission{
		testAuthor: permission.SendMessages,
	})

	_, err := svc.List(context.Background(), testChannel, testAuthor, Cursor{})
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Missing != permission.ReadMessageHistory {
		t.Errorf("List() error = %v, want PermissionError(READ_MESSAGE_HISTORY)", err)
	}
}

func TestListClampsAndValidatesCursor(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo, &fakePublisher{}, allGranted())

	if _, err := svc.List(context.Background(), testChannel, testAuthor, Cursor{Before: 1, After: 2}); !errors.Is(err, ErrMalformedCursor) {
		t.Fatalf("List() error = %v, want ErrMalformedCursor", err)
	}

	if _, err := svc.List(context.Background(), testChannel, testAuthor, Cursor{Limit: 500}); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if repo.lastList.Limit != MaxLimit {
		t.Errorf("limit passed to repo = %d, want %d", repo.lastList.Limit, MaxLimit)
	}

	if _, err := svc.List(context.Background(), testChannel, testAuthor, Cursor{}); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if repo.lastList.Limit != DefaultLimit {
		t.Errorf("default limit passed to repo = %d, want %d", repo.lastList.Limit, DefaultLimit)
	}
}

func TestUpdateByAuthor(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, allGranted())

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "v1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := svc.Update(context.Background(), msg.ID, testAuthor, "v2")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Content != "v2" || updated.EditedAt == nil {
		t.Errorf("updated = %+v, want content v2 with edited_at set", updated)
	}
	if len(pub.events) != 2 || pub.events[1] != bus.EventMessageUpdated {
		t.Errorf("published = %v, want [message.created message.updated]", pub.events)
	}
}

func TestUpdateByNonAuthorForbidden(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	granted := allGranted()
	svc := newTestService(repo, pub, granted)

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "v1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Without MANAGE_MESSAGES the check fails on the permission.
	_, err = svc.Update(context.Background(), msg.ID, testOther, "v2")
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Missing != permission.ManageMessages {
		t.Fatalf("Update() error = %v, want PermissionError(MANAGE_MESSAGES)", err)
	}

	// Even with MANAGE_MESSAGES a moderator may not edit foreign content.
	granted[testOther] = granted[testOther].Add(permission.ManageMessages)
	if _, err := svc.Update(context.Background(), msg.ID, testOther, "v2"); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("Update() error = %v, want ErrNotAuthor", err)
	}
	if len(pub.events) != 1 {
		t.Errorf("published = %v, want only the create event", pub.events)
	}
}

func TestDeletionDominatesRetriedUpdate(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, allGranted())

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "v1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := svc.Delete(context.Background(), msg.ID, testAuthor); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The retried update arriving after the delete must fail and publish
	// nothing.
	if _, err := svc.Update(context.Background(), msg.ID, testAuthor, "v2"); !errors.Is(err, ErrDeleted) {
		t.Fatalf("Update() after delete error = %v, want ErrDeleted", err)
	}
	want := []string{bus.EventMessageCreated, bus.EventMessageDeleted}
	if len(pub.events) != 2 || pub.events[0] != want[0] || pub.events[1] != want[1] {
		t.Errorf("published = %v, want %v", pub.events, want)
	}
}

func TestUpdateOfAbsentMessageIsDeleted(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeRepo(), &fakePublisher{}, allGranted())

	if _, err := svc.Update(context.Background(), snowflake.ID(12345), testAuthor, "v2"); !errors.Is(err, ErrDeleted) {
		t.Errorf("Update() of absent message error = %v, want ErrDeleted", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, allGranted())

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "bye")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := svc.Delete(context.Background(), msg.ID, testAuthor); err != nil {
		t.Fatalf("first Delete() error = %v", err)
	}
	if err := svc.Delete(context.Background(), msg.ID, testAuthor); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if err := svc.Delete(context.Background(), snowflake.ID(4242), testAuthor); err != nil {
		t.Fatalf("Delete() of absent message error = %v", err)
	}

	deletes := 0
	for _, e := range pub.events {
		if e == bus.EventMessageDeleted {
			deletes++
		}
	}
	if deletes != 1 {
		t.Errorf("message.deleted published %d times, want 1", deletes)
	}
}

func TestDeleteByModerator(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	granted := allGranted()
	granted[testOther] = granted[testOther].Add(permission.ManageMessages)
	svc := newTestService(repo, pub, granted)

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "moderated")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := svc.Delete(context.Background(), msg.ID, testOther); err != nil {
		t.Fatalf("moderator Delete() error = %v", err)
	}

	stored, err := repo.Get(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.DeletedAt == nil {
		t.Error("message not marked deleted")
	}
}

func TestDeleteWithoutPermission(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo, &fakePublisher{}, allGranted())

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "keep")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err = svc.Delete(context.Background(), msg.ID, testOther)
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Missing != permission.ManageMessages {
		t.Errorf("Delete() error = %v, want PermissionError(MANAGE_MESSAGES)", err)
	}
}

func TestCreateSurvivesPublishFailure(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pub := &fakePublisher{err: errors.New("bus down")}
	svc := newTestService(repo, pub, allGranted())

	msg, err := svc.Create(context.Background(), testChannel, testAuthor, "durable")
	if err != nil {
		t.Fatalf("Create() error = %v, want nil despite publish failure", err)
	}
	if _, err := repo.Get(context.Background(), msg.ID); err != nil {
		t.Errorf("message not persisted: %v", err)
	}
}
