package access

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/citruslab/collab/internal/collabapi"
	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/profile"
	"github.com/citruslab/collab/internal/testharness"
	"github.com/citruslab/collab/pkg/models"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	collab      models.Collaboration
	getErr      error
	inviteResp  *collabapi.InviteResponse
	inviteErr   error
	updateErr   error
	removeErr   error
	lastRev     int64
	shareLink   models.ShareLink
	shareErr    error
	invitation  *models.Invitation
	resolveErr  error
	acceptErr   error
	acceptEmail string
	// acceptOnly, when set, refuses accepts from any other email with 403.
	acceptOnly string
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBackend) count(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (b *fakeBackend) GetCollaboration(ctx context.Context, room string) (*models.Collaboration, error) {
	b.record("get")
	if b.getErr != nil {
		return nil, b.getErr
	}
	c := b.collab
	return &c, nil
}

func (b *fakeBackend) Invite(ctx context.Context, room, email string, role models.Role) (*collabapi.InviteResponse, error) {
	b.record("invite")
	if b.inviteErr != nil {
		return nil, b.inviteErr
	}
	return b.inviteResp, nil
}

func (b *fakeBackend) UpdateRole(ctx context.Context, room, id string, role models.Role, revision int64) (*models.Collaboration, error) {
	b.record("update")
	b.lastRev = revision
	if b.updateErr != nil {
		return nil, b.updateErr
	}
	c := b.collab
	c.Collaborators = append([]models.Collaborator(nil), b.collab.Collaborators...)
	for i := range c.Collaborators {
		if c.Collaborators[i].ID == id {
			c.Collaborators[i].Role = role
			c.Collaborators[i].Revision++
		}
	}
	return &c, nil
}

func (b *fakeBackend) RemoveCollaborator(ctx context.Context, room, id string) (*models.Collaboration, error) {
	b.record("remove")
	if b.removeErr != nil {
		return nil, b.removeErr
	}
	c := models.Collaboration{ChatID: room}
	for _, collab := range b.collab.Collaborators {
		if collab.ID != id {
			c.Collaborators = append(c.Collaborators, collab)
		}
	}
	return &c, nil
}

func (b *fakeBackend) CreateShareLink(ctx context.Context, room string, role models.Role, expiryDays int) (*models.ShareLink, error) {
	b.record("share")
	if b.shareErr != nil {
		return nil, b.shareErr
	}
	link := b.shareLink
	return &link, nil
}

func (b *fakeBackend) ResolveInvitation(ctx context.Context, token string) (*models.Invitation, error) {
	b.record("resolve")
	if b.resolveErr != nil {
		return nil, b.resolveErr
	}
	inv := *b.invitation
	return &inv, nil
}

func (b *fakeBackend) AcceptInvitation(ctx context.Context, token, name, email string) (*collabapi.AcceptResponse, error) {
	b.record("accept")
	b.acceptEmail = email
	if b.acceptErr != nil {
		return nil, b.acceptErr
	}
	if b.acceptOnly != "" && models.NormalizeEmail(email) != b.acceptOnly {
		return nil, &collabapi.APIError{StatusCode: http.StatusForbidden, Message: "invitation was issued to a different email"}
	}
	c := b.collab
	return &collabapi.AcceptResponse{Collaboration: c}, nil
}

func seededCollaboration() models.Collaboration {
	return models.Collaboration{
		ChatID: "c1",
		Collaborators: []models.Collaborator{
			{ID: "own", Email: "owner@example.com", Role: models.RoleOwner, Status: models.StatusAccepted, Revision: 1},
			{ID: "ed", Email: "bob@example.com", Role: models.RoleEditor, Status: models.StatusPending, Revision: 3},
		},
	}
}

func newTestController(t *testing.T, backend *fakeBackend) (*Controller, *testharness.Channel, *profile.Store) {
	t.Helper()
	store := profile.NewStore(t.TempDir())
	ch := testharness.NewChannel()
	c := NewController(backend, store, ch, Config{LinksBaseURL: "https://app.example.com/"}, nil, nil)
	return c, ch, store
}

func TestInviteValidatesInput(t *testing.T) {
	backend := &fakeBackend{}
	c, _, _ := newTestController(t, backend)

	tests := []struct {
		name  string
		email string
		role  models.Role
		want  error
	}{
		{"empty email", "", models.RoleViewer, ErrInvalidEmail},
		{"malformed email", "not-an-email", models.RoleViewer, ErrInvalidEmail},
		{"owner role", "a@example.com", models.RoleOwner, ErrInvalidRole},
		{"unknown role", "a@example.com", models.Role("admin"), ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Invite(context.Background(), "c1", tt.email, tt.role)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Invite() error = %v, want %v", err, tt.want)
			}
		})
	}
	if n := backend.count("invite"); n != 0 {
		t.Fatalf("backend invite calls = %d, want 0", n)
	}
}

func TestInviteDeliveryFailureIsNotAnError(t *testing.T) {
	collab := seededCollaboration()
	collab.Collaborators = append(collab.Collaborators, models.Collaborator{
		ID: "new", Email: "carol@example.com", Role: models.RoleViewer, Status: models.StatusPending,
	})
	backend := &fakeBackend{inviteResp: &collabapi.InviteResponse{
		Collaboration:  collab,
		InvitationLink: "https://app.example.com/invitation/tok",
		EmailStatus:    models.EmailStatus{Sent: false, Error: "smtp down"},
	}}
	c, _, _ := newTestController(t, backend)

	result, err := c.Invite(context.Background(), "c1", " carol@example.com ", "")
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	if result.Delivery.Sent || result.Delivery.Error != "smtp down" {
		t.Fatalf("Delivery = %+v", result.Delivery)
	}
	if result.Collaborator.ID != "new" || result.Collaborator.Status != models.StatusPending {
		t.Fatalf("Collaborator = %+v", result.Collaborator)
	}
	if result.InvitationLink == "" {
		t.Fatal("InvitationLink is empty")
	}
	if got := c.Collaborators("c1"); len(got) != 3 {
		t.Fatalf("Collaborators() = %d, want 3", len(got))
	}
}

func TestInviteServerFailureIsActionError(t *testing.T) {
	backend := &fakeBackend{inviteErr: &collabapi.APIError{StatusCode: http.StatusInternalServerError, Message: "boom"}}
	c, _, _ := newTestController(t, backend)

	_, err := c.Invite(context.Background(), "c1", "carol@example.com", models.RoleEditor)
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("Invite() error = %v, want *ActionError", err)
	}
	if actionErr.Op != "invite" {
		t.Fatalf("Op = %q", actionErr.Op)
	}
	if collabapi.StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("StatusCode() = %d", collabapi.StatusCode(err))
	}
}

func TestOwnerIsImmutableWithoutRequest(t *testing.T) {
	backend := &fakeBackend{collab: seededCollaboration()}
	c, _, _ := newTestController(t, backend)
	if _, err := c.Load(context.Background(), "c1"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := c.SetRole(context.Background(), "c1", "own", models.RoleViewer); !errors.Is(err, ErrOwnerImmutable) {
		t.Fatalf("SetRole(owner) error = %v, want ErrOwnerImmutable", err)
	}
	if err := c.Remove(context.Background(), "c1", "own"); !errors.Is(err, ErrOwnerImmutable) {
		t.Fatalf("Remove(owner) error = %v, want ErrOwnerImmutable", err)
	}
	if backend.count("update") != 0 || backend.count("remove") != 0 {
		t.Fatalf("backend calls = %v, want none for owner", backend.calls)
	}
}

func TestSetRoleCarriesRevision(t *testing.T) {
	backend := &fakeBackend{collab: seededCollaboration()}
	c, _, _ := newTestController(t, backend)

	// Not cached yet: SetRole loads the room first.
	if err := c.SetRole(context.Background(), "c1", "ed", models.RoleViewer); err != nil {
		t.Fatalf("SetRole() error = %v", err)
	}
	if backend.lastRev != 3 {
		t.Fatalf("revision sent = %d, want 3", backend.lastRev)
	}
	got, _ := c.Room("c1")
	ed, _ := got.Find("ed")
	if ed.Role != models.RoleViewer || ed.Revision != 4 {
		t.Fatalf("cached collaborator = %+v", ed)
	}
}

func TestSetRoleConflict(t *testing.T) {
	backend := &fakeBackend{
		collab:    seededCollaboration(),
		updateErr: &collabapi.APIError{StatusCode: http.StatusConflict, Message: "stale revision"},
	}
	c, _, _ := newTestController(t, backend)

	err := c.SetRole(context.Background(), "c1", "ed", models.RoleViewer)
	if !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("SetRole() error = %v, want ErrRevisionConflict", err)
	}
	// Initial lookup plus the refresh after the conflict.
	if n := backend.count("get"); n != 2 {
		t.Fatalf("get calls = %d, want 2", n)
	}
}

func TestSetRoleRejectsOwnerRole(t *testing.T) {
	c, _, _ := newTestController(t, &fakeBackend{collab: seededCollaboration()})
	if err := c.SetRole(context.Background(), "c1", "ed", models.RoleOwner); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("SetRole(owner role) error = %v", err)
	}
}

func TestRemoveUnknownCollaborator(t *testing.T) {
	c, _, _ := newTestController(t, &fakeBackend{collab: seededCollaboration()})
	if err := c.Remove(context.Background(), "c1", "ghost"); !errors.Is(err, ErrCollaboratorNotFound) {
		t.Fatalf("Remove() error = %v, want ErrCollaboratorNotFound", err)
	}
}

func TestRemoveUpdatesCache(t *testing.T) {
	c, _, _ := newTestController(t, &fakeBackend{collab: seededCollaboration()})
	if err := c.Remove(context.Background(), "c1", "ed"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got := c.Collaborators("c1")
	if len(got) != 1 || got[0].ID != "own" {
		t.Fatalf("Collaborators() = %+v", got)
	}
}

func TestLoadSoftFailKeepsCache(t *testing.T) {
	backend := &fakeBackend{collab: seededCollaboration()}
	c, _, _ := newTestController(t, backend)
	if _, err := c.Load(context.Background(), "c1"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	backend.getErr = errors.New("network down")
	if _, err := c.Load(context.Background(), "c1"); err == nil {
		t.Fatal("Load() error = nil, want failure")
	}
	if got := c.Collaborators("c1"); len(got) != 2 {
		t.Fatalf("Collaborators() after failed load = %d, want 2", len(got))
	}
}

func TestCreateShareLinkDefaultsAndFallbackURL(t *testing.T) {
	backend := &fakeBackend{shareLink: models.ShareLink{Token: "abc"}}
	c, _, _ := newTestController(t, backend)

	link, err := c.CreateShareLink(context.Background(), "c1", "", 0)
	if err != nil {
		t.Fatalf("CreateShareLink() error = %v", err)
	}
	if link.URL != "https://app.example.com/invitation/abc" {
		t.Fatalf("URL = %q", link.URL)
	}
	if link.Role != models.RoleViewer {
		t.Fatalf("Role = %q, want viewer", link.Role)
	}
	room, ok := c.Room("c1")
	if !ok || !room.ShareLinkEnabled || room.ShareLink != link.URL {
		t.Fatalf("Room() = %+v, %v", room, ok)
	}
}

func TestCreateShareLinkFailure(t *testing.T) {
	c, _, _ := newTestController(t, &fakeBackend{shareErr: errors.New("dial tcp: refused")})
	_, err := c.CreateShareLink(context.Background(), "c1", models.RoleEditor, 3)
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("CreateShareLink() error = %v, want *ActionError", err)
	}
	if _, ok := c.Room("c1"); ok {
		t.Fatal("failed share link should not touch the cache")
	}
}

func TestResolveInvalidTokenIsRemembered(t *testing.T) {
	backend := &fakeBackend{resolveErr: &collabapi.APIError{StatusCode: http.StatusNotFound, Message: "invitation not found"}}
	c, _, _ := newTestController(t, backend)

	if _, err := c.ResolveInvitation(context.Background(), "bad"); !errors.Is(err, ErrInvalidInvitation) {
		t.Fatalf("ResolveInvitation() error = %v, want ErrInvalidInvitation", err)
	}
	if !c.InvitationRejected("bad") {
		t.Fatal("InvitationRejected() = false")
	}
	if _, err := c.AcceptInvitation(context.Background(), "bad", "Bob", ""); !errors.Is(err, ErrInvalidInvitation) {
		t.Fatalf("AcceptInvitation() error = %v, want ErrInvalidInvitation", err)
	}
	if n := backend.count("resolve"); n != 1 {
		t.Fatalf("resolve calls = %d, want 1", n)
	}
	if n := backend.count("accept"); n != 0 {
		t.Fatalf("accept calls = %d, want 0", n)
	}
}

func TestResolveTransportErrorIsRetryable(t *testing.T) {
	backend := &fakeBackend{resolveErr: errors.New("connection reset")}
	c, _, _ := newTestController(t, backend)

	_, err := c.ResolveInvitation(context.Background(), "tok")
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("ResolveInvitation() error = %v, want *ActionError", err)
	}
	if c.InvitationRejected("tok") {
		t.Fatal("transport failure should not reject the token")
	}
}

func TestResolveExpiredInvitation(t *testing.T) {
	backend := &fakeBackend{invitation: &models.Invitation{
		ChatID: "c1", Role: models.RoleViewer, ExpiresAt: time.Now().Add(-time.Hour),
	}}
	c, _, _ := newTestController(t, backend)
	if _, err := c.ResolveInvitation(context.Background(), "old"); !errors.Is(err, ErrInvalidInvitation) {
		t.Fatalf("ResolveInvitation() error = %v, want ErrInvalidInvitation", err)
	}
}

func TestAcceptInvitation(t *testing.T) {
	backend := &fakeBackend{
		collab: seededCollaboration(),
		invitation: &models.Invitation{
			InviterName: "Owner", ChatTitle: "Design", Role: models.RoleEditor,
			ChatID: "c1", InvitedEmail: "bob@example.com",
		},
	}
	c, ch, store := newTestController(t, backend)

	prof, err := c.AcceptInvitation(context.Background(), "tok", "  Bob ", "")
	if err != nil {
		t.Fatalf("AcceptInvitation() error = %v", err)
	}
	if prof.Email != "bob@example.com" || prof.Name != "Bob" || prof.Role != models.RoleEditor || prof.RoomID != "c1" {
		t.Fatalf("profile = %+v", prof)
	}
	if backend.acceptEmail != "bob@example.com" {
		t.Fatalf("accept email = %q", backend.acceptEmail)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("store.Load() error = %v", err)
	}
	if saved.RoomID != "c1" || saved.Email != "bob@example.com" {
		t.Fatalf("saved profile = %+v", saved)
	}

	room, _ := c.Room("c1")
	bob, _ := room.FindByEmail("bob@example.com")
	if bob.Status != models.StatusAccepted {
		t.Fatalf("collaborator status = %q, want accepted", bob.Status)
	}

	frames := ch.Emitted(events.KindInvitationAccepted)
	if len(frames) != 1 || frames[0].Room != "c1" {
		t.Fatalf("invitation-accepted frames = %+v", frames)
	}
	payload, err := frames[0].Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if payload.Token != "tok" || payload.User == nil || payload.User.Email != "bob@example.com" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestAcceptRequiresName(t *testing.T) {
	backend := &fakeBackend{invitation: &models.Invitation{ChatID: "c1", Role: models.RoleViewer, InvitedEmail: "bob@example.com"}}
	c, _, store := newTestController(t, backend)

	if _, err := c.AcceptInvitation(context.Background(), "tok", "   ", ""); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("AcceptInvitation() error = %v, want ErrNameRequired", err)
	}
	if _, err := store.Load(); !errors.Is(err, profile.ErrNoProfile) {
		t.Fatalf("store.Load() error = %v, want ErrNoProfile", err)
	}
}

func TestAcceptFailureRestoresPreviousProfile(t *testing.T) {
	backend := &fakeBackend{
		invitation: &models.Invitation{ChatID: "c2", Role: models.RoleViewer, InvitedEmail: "bob@example.com"},
		acceptErr:  &collabapi.APIError{StatusCode: http.StatusInternalServerError, Message: "db locked"},
	}
	c, ch, store := newTestController(t, backend)

	previous := models.SessionProfile{Name: "Bob", Email: "bob@example.com", Role: models.RoleEditor, RoomID: "c1"}
	if err := store.Save(previous); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	_, err := c.AcceptInvitation(context.Background(), "tok", "Bobby", "")
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("AcceptInvitation() error = %v, want *ActionError", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.RoomID != "c1" || got.Name != "Bob" {
		t.Fatalf("profile after failed accept = %+v, want previous", got)
	}
	if len(ch.Emitted(events.KindInvitationAccepted)) != 0 {
		t.Fatal("failed accept must not broadcast")
	}
}

func TestAcceptFailureWithoutPreviousProfileClears(t *testing.T) {
	backend := &fakeBackend{
		invitation: &models.Invitation{ChatID: "c2", Role: models.RoleViewer, InvitedEmail: "bob@example.com"},
		acceptErr:  &collabapi.APIError{StatusCode: http.StatusGone, Message: "invitation consumed"},
	}
	c, _, store := newTestController(t, backend)

	if _, err := c.AcceptInvitation(context.Background(), "tok", "Bob", ""); !errors.Is(err, ErrInvalidInvitation) {
		t.Fatalf("AcceptInvitation() error = %v, want ErrInvalidInvitation", err)
	}
	if _, err := store.Load(); !errors.Is(err, profile.ErrNoProfile) {
		t.Fatalf("Load() error = %v, want ErrNoProfile", err)
	}
	if !c.InvitationRejected("tok") {
		t.Fatal("consumed token should be rejected")
	}
}

func TestAcceptWrongEmailKeepsTokenUsable(t *testing.T) {
	backend := &fakeBackend{
		collab:     seededCollaboration(),
		invitation: &models.Invitation{ChatID: "c1", Role: models.RoleEditor, InvitedEmail: "bob@example.com"},
		acceptOnly: "bob@example.com",
	}
	c, _, store := newTestController(t, backend)

	_, err := c.AcceptInvitation(context.Background(), "tok", "Bob", "bobb@example.com")
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("AcceptInvitation(typo) error = %v, want *ActionError", err)
	}
	if errors.Is(err, ErrInvalidInvitation) {
		t.Fatalf("AcceptInvitation(typo) error = %v, must not be ErrInvalidInvitation", err)
	}
	if c.InvitationRejected("tok") {
		t.Fatal("a refused accept must not reject the token")
	}
	if _, err := store.Load(); !errors.Is(err, profile.ErrNoProfile) {
		t.Fatalf("Load() after refused accept error = %v, want ErrNoProfile", err)
	}

	prof, err := c.AcceptInvitation(context.Background(), "tok", "Bob", "bob@example.com")
	if err != nil {
		t.Fatalf("AcceptInvitation(correct) error = %v", err)
	}
	if prof.Email != "bob@example.com" {
		t.Fatalf("Email = %q", prof.Email)
	}
	if n := backend.count("accept"); n != 2 {
		t.Fatalf("accept calls = %d, want 2", n)
	}
}

func TestResolveBadRequestIsNotRemembered(t *testing.T) {
	backend := &fakeBackend{resolveErr: &collabapi.APIError{StatusCode: http.StatusBadRequest, Message: "bad request"}}
	c, _, _ := newTestController(t, backend)

	_, err := c.ResolveInvitation(context.Background(), "tok")
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("ResolveInvitation() error = %v, want *ActionError", err)
	}
	if c.InvitationRejected("tok") {
		t.Fatal("400 should not reject the token")
	}
}

func TestAcceptWhileDisconnectedStillSucceeds(t *testing.T) {
	backend := &fakeBackend{
		collab:     seededCollaboration(),
		invitation: &models.Invitation{ChatID: "c1", Role: models.RoleViewer},
	}
	c, ch, _ := newTestController(t, backend)
	ch.SetConnected(false)

	prof, err := c.AcceptInvitation(context.Background(), "tok", "Dan", "dan@example.com")
	if err != nil {
		t.Fatalf("AcceptInvitation() error = %v", err)
	}
	if prof.Email != "dan@example.com" {
		t.Fatalf("Email = %q", prof.Email)
	}
}
