package collabserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/citruslab/collab/internal/collabapi"
	"github.com/citruslab/collab/pkg/models"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []InvitationMail
	err  error
}

func (m *recordingMailer) SendInvitation(_ context.Context, mail InvitationMail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mail)
	return m.err
}

func newTestServer(t *testing.T, mailer Mailer) (*Server, *httptest.Server, *collabapi.Client) {
	t.Helper()
	store := newTestStore(t)
	srv, err := New(Config{
		PublicURL:   "https://app.example.com/",
		TokenSecret: "test-secret",
	}, store, WithMailer(mailer))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := srv.CreateRoom(context.Background(), "c1", "Design review", owner); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, collabapi.NewClient(ts.URL, "/api", ts.Client())
}

func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	const marker = "/invitation/"
	i := strings.Index(link, marker)
	if i < 0 {
		t.Fatalf("link %q has no invitation token", link)
	}
	return link[i+len(marker):]
}

func TestServerInviteAndAccept(t *testing.T) {
	ctx := context.Background()
	mailer := &recordingMailer{}
	_, _, client := newTestServer(t, mailer)

	resp, err := client.Invite(ctx, "c1", "bob@example.com", models.RoleEditor)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	if !resp.EmailStatus.Sent {
		t.Fatalf("EmailStatus = %+v", resp.EmailStatus)
	}
	if !strings.HasPrefix(resp.InvitationLink, "https://app.example.com/invitation/") {
		t.Fatalf("InvitationLink = %q", resp.InvitationLink)
	}
	bob, ok := resp.Collaboration.FindByEmail("bob@example.com")
	if !ok || bob.Status != models.StatusPending || bob.Role != models.RoleEditor {
		t.Fatalf("invited collaborator = %+v, %v", bob, ok)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].InviterName != "Olivia" || mailer.sent[0].Link != resp.InvitationLink {
		t.Fatalf("mailer sent = %+v", mailer.sent)
	}

	token := tokenFromLink(t, resp.InvitationLink)
	inv, err := client.ResolveInvitation(ctx, token)
	if err != nil {
		t.Fatalf("ResolveInvitation() error = %v", err)
	}
	if inv.ChatID != "c1" || inv.ChatTitle != "Design review" || inv.InviterName != "Olivia" ||
		inv.InvitedEmail != "bob@example.com" || inv.Role != models.RoleEditor || inv.ExpiresAt.IsZero() {
		t.Fatalf("invitation = %+v", inv)
	}

	_, err = client.AcceptInvitation(ctx, token, "Mallory", "mallory@example.com")
	if collabapi.StatusCode(err) != http.StatusForbidden {
		t.Fatalf("AcceptInvitation(other email) error = %v, want 403", err)
	}

	accepted, err := client.AcceptInvitation(ctx, token, "Bob", "")
	if err != nil {
		t.Fatalf("AcceptInvitation() error = %v", err)
	}
	if accepted.Collaborator.Status != models.StatusAccepted || accepted.Collaborator.Name != "Bob" {
		t.Fatalf("collaborator = %+v", accepted.Collaborator)
	}

	_, err = client.AcceptInvitation(ctx, token, "Bob", "")
	if collabapi.StatusCode(err) != http.StatusGone {
		t.Fatalf("AcceptInvitation() reuse error = %v, want 410", err)
	}
	if _, err := client.ResolveInvitation(ctx, token); collabapi.StatusCode(err) != http.StatusGone {
		t.Fatalf("ResolveInvitation() after accept error = %v, want 410", err)
	}
}

func TestServerRemovedCollaboratorCannotRejoinWithInvite(t *testing.T) {
	ctx := context.Background()
	srv, _, client := newTestServer(t, &recordingMailer{})

	resp, err := client.Invite(ctx, "c1", "bob@example.com", models.RoleEditor)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	token := tokenFromLink(t, resp.InvitationLink)
	bob, _ := resp.Collaboration.FindByEmail("bob@example.com")
	if _, err := client.RemoveCollaborator(ctx, "c1", bob.ID); err != nil {
		t.Fatalf("RemoveCollaborator() error = %v", err)
	}

	if _, err := client.ResolveInvitation(ctx, token); collabapi.StatusCode(err) != http.StatusGone {
		t.Fatalf("ResolveInvitation() after removal error = %v, want 410", err)
	}
	if _, err := client.AcceptInvitation(ctx, token, "Bob", ""); collabapi.StatusCode(err) != http.StatusGone {
		t.Fatalf("AcceptInvitation() after removal error = %v, want 410", err)
	}
	collab, err := client.GetCollaboration(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCollaboration() error = %v", err)
	}
	if _, ok := collab.FindByEmail("bob@example.com"); ok {
		t.Fatalf("removed collaborator re-admitted: %+v", collab.Collaborators)
	}

	claims, err := srv.tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if used, _ := srv.store.TokenConsumed(ctx, claims.ID); used {
		t.Fatal("revoked invite must leave the token unused")
	}
}

func TestServerInviteDeliveryFailure(t *testing.T) {
	_, _, client := newTestServer(t, &recordingMailer{err: errors.New("smtp unavailable")})

	resp, err := client.Invite(context.Background(), "c1", "bob@example.com", "")
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	if resp.EmailStatus.Sent || resp.EmailStatus.Error != "smtp unavailable" {
		t.Fatalf("EmailStatus = %+v", resp.EmailStatus)
	}
	if resp.InvitationLink == "" {
		t.Fatal("InvitationLink should still be returned")
	}
	bob, _ := resp.Collaboration.FindByEmail("bob@example.com")
	if bob.Role != models.RoleViewer {
		t.Fatalf("default role = %q, want viewer", bob.Role)
	}
}

func TestServerInviteValidation(t *testing.T) {
	_, _, client := newTestServer(t, &recordingMailer{})
	ctx := context.Background()

	tests := []struct {
		name  string
		room  string
		email string
		role  models.Role
		want  int
	}{
		{"bad email", "c1", "nope", models.RoleViewer, http.StatusBadRequest},
		{"owner role", "c1", "x@example.com", models.RoleOwner, http.StatusBadRequest},
		{"unknown room", "zzz", "x@example.com", models.RoleViewer, http.StatusNotFound},
		{"owner email", "c1", "owner@example.com", models.RoleViewer, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Invite(ctx, tt.room, tt.email, tt.role)
			if got := collabapi.StatusCode(err); got != tt.want {
				t.Fatalf("Invite() status = %d (%v), want %d", got, err, tt.want)
			}
		})
	}
}

func TestServerRoleChangesAndRemoval(t *testing.T) {
	ctx := context.Background()
	_, _, client := newTestServer(t, &recordingMailer{})

	resp, err := client.Invite(ctx, "c1", "bob@example.com", models.RoleViewer)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	bob, _ := resp.Collaboration.FindByEmail("bob@example.com")
	ownerRec, _ := resp.Collaboration.Owner()

	if _, err := client.UpdateRole(ctx, "c1", ownerRec.ID, models.RoleViewer, 0); collabapi.StatusCode(err) != http.StatusForbidden {
		t.Fatalf("UpdateRole(owner) error = %v, want 403", err)
	}
	if _, err := client.RemoveCollaborator(ctx, "c1", ownerRec.ID); collabapi.StatusCode(err) != http.StatusForbidden {
		t.Fatalf("RemoveCollaborator(owner) error = %v, want 403", err)
	}

	collab, err := client.UpdateRole(ctx, "c1", bob.ID, models.RoleEditor, bob.Revision)
	if err != nil {
		t.Fatalf("UpdateRole() error = %v", err)
	}
	updated, _ := collab.Find(bob.ID)
	if updated.Role != models.RoleEditor || updated.Revision != bob.Revision+1 {
		t.Fatalf("updated = %+v", updated)
	}
	if _, err := client.UpdateRole(ctx, "c1", bob.ID, models.RoleViewer, bob.Revision); collabapi.StatusCode(err) != http.StatusConflict {
		t.Fatalf("UpdateRole(stale) error = %v, want 409", err)
	}

	collab, err = client.RemoveCollaborator(ctx, "c1", bob.ID)
	if err != nil {
		t.Fatalf("RemoveCollaborator() error = %v", err)
	}
	if _, ok := collab.Find(bob.ID); ok {
		t.Fatal("removed collaborator still listed")
	}
	if _, err := client.RemoveCollaborator(ctx, "c1", bob.ID); collabapi.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("RemoveCollaborator() twice error = %v, want 404", err)
	}
}

func TestServerShareLink(t *testing.T) {
	ctx := context.Background()
	_, _, client := newTestServer(t, &recordingMailer{})

	first, err := client.CreateShareLink(ctx, "c1", "", 0)
	if err != nil {
		t.Fatalf("CreateShareLink() error = %v", err)
	}
	if first.Role != models.RoleViewer || first.Token == "" || first.URL != "https://app.example.com/invitation/"+first.Token {
		t.Fatalf("share link = %+v", first)
	}

	collab, err := client.GetCollaboration(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCollaboration() error = %v", err)
	}
	if !collab.ShareLinkEnabled || collab.ShareLink != first.URL {
		t.Fatalf("collaboration share state = %v %q", collab.ShareLinkEnabled, collab.ShareLink)
	}

	inv, err := client.ResolveInvitation(ctx, first.Token)
	if err != nil {
		t.Fatalf("ResolveInvitation() error = %v", err)
	}
	if inv.InvitedEmail != "" || inv.Role != models.RoleViewer {
		t.Fatalf("share invitation = %+v", inv)
	}

	if _, err := client.AcceptInvitation(ctx, first.Token, "Dan", ""); collabapi.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("AcceptInvitation(no email) error = %v, want 400", err)
	}
	accepted, err := client.AcceptInvitation(ctx, first.Token, "Dan", "dan@example.com")
	if err != nil {
		t.Fatalf("AcceptInvitation() error = %v", err)
	}
	if accepted.Collaborator.Role != models.RoleViewer || accepted.Collaborator.Status != models.StatusAccepted {
		t.Fatalf("collaborator = %+v", accepted.Collaborator)
	}
	// Share links are reusable.
	if _, err := client.AcceptInvitation(ctx, first.Token, "Erin", "erin@example.com"); err != nil {
		t.Fatalf("AcceptInvitation() second user error = %v", err)
	}

	second, err := client.CreateShareLink(ctx, "c1", models.RoleEditor, 1)
	if err != nil {
		t.Fatalf("CreateShareLink() error = %v", err)
	}
	if _, err := client.ResolveInvitation(ctx, first.Token); collabapi.StatusCode(err) != http.StatusGone {
		t.Fatalf("ResolveInvitation(replaced) error = %v, want 410", err)
	}
	if _, err := client.ResolveInvitation(ctx, second.Token); err != nil {
		t.Fatalf("ResolveInvitation(current) error = %v", err)
	}
	if _, err := client.ResolveInvitation(ctx, "garbage"); collabapi.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("ResolveInvitation(garbage) error = %v, want 404", err)
	}
}

func TestServerPresenceEndpoints(t *testing.T) {
	ctx := context.Background()
	srv, _, client := newTestServer(t, &recordingMailer{})

	if err := client.RegisterPresence(ctx, "c1", models.Participant{Email: "Bob@example.com", Name: "Bob"}); err != nil {
		t.Fatalf("RegisterPresence() error = %v", err)
	}
	users, err := client.ActiveUsers(ctx, "c1")
	if err != nil {
		t.Fatalf("ActiveUsers() error = %v", err)
	}
	if len(users) != 1 || users[0].Email != "bob@example.com" || users[0].LastActive.IsZero() {
		t.Fatalf("ActiveUsers() = %+v", users)
	}

	srv.presence.now = func() time.Time { return time.Now().Add(time.Hour) }
	srv.Sweep(ctx)
	users, err = client.ActiveUsers(ctx, "c1")
	if err != nil {
		t.Fatalf("ActiveUsers() error = %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("ActiveUsers() after sweep = %+v", users)
	}

	if err := client.RegisterPresence(ctx, "c1", models.Participant{}); collabapi.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("RegisterPresence(empty) error = %v, want 400", err)
	}
}

func TestServerMetricsAndHealth(t *testing.T) {
	_, ts, client := newTestServer(t, &recordingMailer{})
	if _, err := client.GetCollaboration(context.Background(), "c1"); err != nil {
		t.Fatalf("GetCollaboration() error = %v", err)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "collab_http_requests_total") {
		t.Fatalf("/metrics missing request counter:\n%s", body)
	}

	resp, err = ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", resp.StatusCode)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Config{}, newTestStore(t)); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("New() error = %v, want ErrSecretRequired", err)
	}
}
