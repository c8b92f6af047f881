// Package access manages collaborators, invitations and share links for
// collaboration rooms.
//
// Each collaborator moves through pending, then accepted or rejected. The
// owner is seeded accepted and never changes role or leaves the room.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/citruslab/collab/internal/collabapi"
	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/observability"
	"github.com/citruslab/collab/internal/profile"
	"github.com/citruslab/collab/pkg/models"
)

// Backend is the collaboration REST API.
type Backend interface {
	GetCollaboration(ctx context.Context, room string) (*models.Collaboration, error)
	Invite(ctx context.Context, room, email string, role models.Role) (*collabapi.InviteResponse, error)
	UpdateRole(ctx context.Context, room, collaboratorID string, role models.Role, revision int64) (*models.Collaboration, error)
	RemoveCollaborator(ctx context.Context, room, collaboratorID string) (*models.Collaboration, error)
	CreateShareLink(ctx context.Context, room string, role models.Role, expiryDays int) (*models.ShareLink, error)
	ResolveInvitation(ctx context.Context, token string) (*models.Invitation, error)
	AcceptInvitation(ctx context.Context, token, name, email string) (*collabapi.AcceptResponse, error)
}

// ProfileStore persists the local session profile.
type ProfileStore interface {
	Load() (*models.SessionProfile, error)
	Save(models.SessionProfile) error
	Clear() error
}

// Emitter sends frames on the event channel.
type Emitter interface {
	Emit(kind events.Kind, room string, payload any) error
}

// Config configures the controller.
type Config struct {
	// LinksBaseURL builds share URLs when the backend omits one.
	LinksBaseURL string
	// DefaultExpiryDays applies to share links created without an expiry (default 7).
	DefaultExpiryDays int
}

// InviteResult is the outcome of a successful invite.
type InviteResult struct {
	Collaborator   models.Collaborator
	Collaboration  models.Collaboration
	InvitationLink string
	Delivery       models.EmailStatus
}

// Controller is the client-side access controller. It caches the last known
// collaboration of every room it touched.
type Controller struct {
	backend  Backend
	profiles ProfileStore
	emitter  Emitter
	config   Config
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu       sync.Mutex
	rooms    map[string]*models.Collaboration
	rejected map[string]bool
}

// NewController creates a Controller. emitter may be nil when no event
// channel is available (e.g. one-shot CLI commands).
func NewController(backend Backend, profiles ProfileStore, emitter Emitter, config Config, logger *slog.Logger, metrics *observability.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultExpiryDays <= 0 {
		config.DefaultExpiryDays = 7
	}
	config.LinksBaseURL = strings.TrimRight(config.LinksBaseURL, "/")
	return &Controller{
		backend:  backend,
		profiles: profiles,
		emitter:  emitter,
		config:   config,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "access"),
		metrics:  metrics,
		now:      time.Now,
		rooms:    make(map[string]*models.Collaboration),
		rejected: make(map[string]bool),
	}
}

type inviteInput struct {
	Email string `validate:"required,email"`
	Role  string `validate:"oneof=editor viewer"`
}

type acceptInput struct {
	Name  string `validate:"required"`
	Email string `validate:"required,email"`
}

// Load refreshes the cached collaboration of room. On failure the cached
// state is kept and the error returned.
func (c *Controller) Load(ctx context.Context, room string) (*models.Collaboration, error) {
	collab, err := c.backend.GetCollaboration(ctx, room)
	if err != nil {
		c.logger.Debug("collaboration fetch failed", "room", room, "error", err)
		return nil, err
	}
	c.store(room, collab)
	return cloneCollaboration(collab), nil
}

// Room returns the cached collaboration of room.
func (c *Controller) Room(room string) (*models.Collaboration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	collab, ok := c.rooms[room]
	if !ok {
		return nil, false
	}
	return cloneCollaboration(collab), true
}

// Collaborators returns the cached collaborators of room.
func (c *Controller) Collaborators(room string) []models.Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if collab, ok := c.rooms[room]; ok {
		return slices.Clone(collab.Collaborators)
	}
	return nil
}

// Invite invites email to room. An empty role grants viewer. Delivery
// failures are reported in the result, not as an error.
func (c *Controller) Invite(ctx context.Context, room, email string, role models.Role) (result *InviteResult, err error) {
	defer func() { c.metrics.RecordAccess("invite", err) }()

	email = strings.TrimSpace(email)
	if role == "" {
		role = models.RoleViewer
	}
	if err := c.validateInvite(email, role); err != nil {
		return nil, err
	}

	resp, err := c.backend.Invite(ctx, room, email, role)
	if err != nil {
		return nil, &ActionError{Op: "invite", Err: err}
	}
	c.store(room, &resp.Collaboration)

	collaborator, _ := resp.Collaboration.FindByEmail(email)
	if !resp.EmailStatus.Sent {
		c.logger.Warn("invitation email not delivered", "room", room, "email", email, "error", resp.EmailStatus.Error)
	}
	return &InviteResult{
		Collaborator:   collaborator,
		Collaboration:  *cloneCollaboration(&resp.Collaboration),
		InvitationLink: resp.InvitationLink,
		Delivery:       resp.EmailStatus,
	}, nil
}

func (c *Controller) validateInvite(email string, role models.Role) error {
	if err := c.validate.Var(email, "required,email"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if err := c.validate.Struct(inviteInput{Email: email, Role: string(role)}); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return nil
}

// CreateShareLink creates a link anyone can use to join room with role.
// Zero values select viewer and the configured expiry.
func (c *Controller) CreateShareLink(ctx context.Context, room string, role models.Role, expiryDays int) (link *models.ShareLink, err error) {
	defer func() { c.metrics.RecordAccess("share_link", err) }()

	if role == "" {
		role = models.RoleViewer
	}
	if !role.Assignable() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if expiryDays <= 0 {
		expiryDays = c.config.DefaultExpiryDays
	}

	link, err = c.backend.CreateShareLink(ctx, room, role, expiryDays)
	if err != nil {
		return nil, &ActionError{Op: "share-link", Err: err}
	}
	if link.URL == "" {
		link.URL = c.config.LinksBaseURL + "/invitation/" + link.Token
	}
	if link.Role == "" {
		link.Role = role
	}

	c.mu.Lock()
	collab, ok := c.rooms[room]
	if !ok {
		collab = &models.Collaboration{ChatID: room}
		c.rooms[room] = collab
	}
	collab.ShareLink = link.URL
	collab.ShareLinkEnabled = true
	c.mu.Unlock()

	return link, nil
}

// ResolveInvitation returns the public view of token. Unknown, expired or
// used tokens yield ErrInvalidInvitation and are remembered, so later accepts
// fail without a request. Any other refusal is an ActionError and the token
// stays usable.
func (c *Controller) ResolveInvitation(ctx context.Context, token string) (inv *models.Invitation, err error) {
	defer func() { c.metrics.RecordAccess("resolve", err) }()

	token = strings.TrimSpace(token)
	if token == "" || c.InvitationRejected(token) {
		return nil, ErrInvalidInvitation
	}

	inv, err = c.backend.ResolveInvitation(ctx, token)
	if err != nil {
		if invalidTokenStatus(collabapi.StatusCode(err)) {
			c.reject(token)
			return nil, fmt.Errorf("%w: %v", ErrInvalidInvitation, err)
		}
		return nil, &ActionError{Op: "resolve invitation", Err: err}
	}
	if !inv.ExpiresAt.IsZero() && !inv.ExpiresAt.After(c.now()) {
		c.reject(token)
		return nil, ErrInvalidInvitation
	}
	return inv, nil
}

// InvitationRejected reports whether token was found invalid earlier.
func (c *Controller) InvitationRejected(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected[token]
}

func (c *Controller) reject(token string) {
	c.mu.Lock()
	c.rejected[token] = true
	c.mu.Unlock()
}

// invalidTokenStatus reports whether the backend declared the token itself
// dead. A 400 or 403 refuses the request, not the token.
func invalidTokenStatus(code int) bool {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}

// AcceptInvitation accepts token as name. email defaults to the invited
// email. The session profile is saved before the backend is asked and
// restored if the backend refuses, so a failed accept leaves no trace.
func (c *Controller) AcceptInvitation(ctx context.Context, token, name, email string) (prof *models.SessionProfile, err error) {
	defer func() { c.metrics.RecordAccess("accept", err) }()

	inv, err := c.ResolveInvitation(ctx, token)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if email == "" {
		email = inv.InvitedEmail
	}
	if name == "" {
		return nil, ErrNameRequired
	}
	if err := c.validate.Struct(acceptInput{Name: name, Email: email}); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	previous, err := c.profiles.Load()
	if err != nil && !errors.Is(err, profile.ErrNoProfile) {
		c.logger.Warn("existing profile unreadable, it will be replaced", "error", err)
		previous = nil
	}

	next := models.SessionProfile{
		Name:       name,
		Email:      email,
		Role:       inv.Role,
		RoomID:     inv.ChatID,
		AcceptedAt: c.now().UTC(),
	}
	if err := c.profiles.Save(next); err != nil {
		return nil, &ActionError{Op: "save profile", Err: err}
	}

	resp, err := c.backend.AcceptInvitation(ctx, token, name, email)
	if err != nil {
		c.restoreProfile(previous)
		if invalidTokenStatus(collabapi.StatusCode(err)) {
			c.reject(token)
			return nil, fmt.Errorf("%w: %v", ErrInvalidInvitation, err)
		}
		return nil, &ActionError{Op: "accept invitation", Err: err}
	}

	collab := resp.Collaboration
	if collab.ChatID == "" {
		collab.ChatID = inv.ChatID
	}
	for i := range collab.Collaborators {
		if models.NormalizeEmail(collab.Collaborators[i].Email) == models.NormalizeEmail(email) && !collab.Collaborators[i].IsOwner() {
			collab.Collaborators[i].Status = models.StatusAccepted
		}
	}
	c.store(inv.ChatID, &collab)

	if c.emitter != nil {
		user := models.Participant{Email: email, Name: name}
		if err := c.emitter.Emit(events.KindInvitationAccepted, inv.ChatID, events.Payload{User: &user, Token: token}); err != nil {
			c.logger.Debug("invitation-accepted not broadcast", "room", inv.ChatID, "error", err)
		}
	}
	return &next, nil
}

func (c *Controller) restoreProfile(previous *models.SessionProfile) {
	var err error
	if previous != nil {
		err = c.profiles.Save(*previous)
	} else {
		err = c.profiles.Clear()
	}
	if err != nil {
		c.logger.Error("failed to restore session profile", "error", err)
	}
}

// SetRole changes a collaborator's role. The owner is rejected without a
// request. The update carries the cached revision, and a concurrent change
// yields ErrRevisionConflict.
func (c *Controller) SetRole(ctx context.Context, room, collaboratorID string, role models.Role) (err error) {
	defer func() { c.metrics.RecordAccess("set_role", err) }()

	if !role.Assignable() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	target, err := c.lookup(ctx, room, collaboratorID)
	if err != nil {
		return err
	}
	if target.IsOwner() {
		return ErrOwnerImmutable
	}

	collab, err := c.backend.UpdateRole(ctx, room, collaboratorID, role, target.Revision)
	if err != nil {
		return c.mutationError("set role", room, err)
	}
	c.store(room, collab)
	return nil
}

// Remove revokes a collaborator's access. The owner is rejected without a
// request. Live sessions of the removed user are not disconnected.
func (c *Controller) Remove(ctx context.Context, room, collaboratorID string) (err error) {
	defer func() { c.metrics.RecordAccess("remove", err) }()

	target, err := c.lookup(ctx, room, collaboratorID)
	if err != nil {
		return err
	}
	if target.IsOwner() {
		return ErrOwnerImmutable
	}

	collab, err := c.backend.RemoveCollaborator(ctx, room, collaboratorID)
	if err != nil {
		return c.mutationError("remove collaborator", room, err)
	}
	c.store(room, collab)
	return nil
}

// lookup finds a collaborator in the cache, loading room once if needed.
func (c *Controller) lookup(ctx context.Context, room, collaboratorID string) (models.Collaborator, error) {
	c.mu.Lock()
	collab, ok := c.rooms[room]
	var found models.Collaborator
	var hit bool
	if ok {
		found, hit = collab.Find(collaboratorID)
	}
	c.mu.Unlock()
	if hit {
		return found, nil
	}

	loaded, err := c.Load(ctx, room)
	if err != nil {
		return models.Collaborator{}, &ActionError{Op: "load collaboration", Err: err}
	}
	if found, ok := loaded.Find(collaboratorID); ok {
		return found, nil
	}
	return models.Collaborator{}, ErrCollaboratorNotFound
}

func (c *Controller) mutationError(op, room string, err error) error {
	switch collabapi.StatusCode(err) {
	case http.StatusConflict:
		// Refresh so a retry carries the current revision.
		_, _ = c.Load(context.Background(), room)
		return ErrRevisionConflict
	case http.StatusNotFound:
		return ErrCollaboratorNotFound
	case http.StatusForbidden:
		return &ActionError{Op: op, Err: errors.Join(ErrOwnerImmutable, err)}
	}
	return &ActionError{Op: op, Err: err}
}

func (c *Controller) store(room string, collab *models.Collaboration) {
	if collab == nil {
		return
	}
	cp := cloneCollaboration(collab)
	if cp.ChatID == "" {
		cp.ChatID = room
	}
	c.mu.Lock()
	c.rooms[room] = cp
	c.mu.Unlock()
}

func cloneCollaboration(collab *models.Collaboration) *models.Collaboration {
	cp := *collab
	cp.Collaborators = slices.Clone(collab.Collaborators)
	return &cp
}
