package collabserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/citruslab/collab/pkg/models"
)

type inviteRequest struct {
	Email string      `json:"email" validate:"required,email"`
	Role  models.Role `json:"role"`
}

type roleRequest struct {
	Role     models.Role `json:"role"`
	Revision int64       `json:"revision,omitempty"`
}

type shareLinkRequest struct {
	ExpiryDays int         `json:"expiryDays"`
	Role       models.Role `json:"role"`
}

type acceptRequest struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
}

type presenceRequest struct {
	Email  string         `json:"email" validate:"required,email"`
	Name   string         `json:"name"`
	Cursor *models.Cursor `json:"cursor,omitempty"`
}

func (s *Server) handleGetCollaboration(w http.ResponseWriter, r *http.Request) {
	room, err := s.store.GetRoom(r.Context(), r.PathValue("room"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaboration": s.collaboration(room)})
}

func (s *Server) handleGetNested(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "shared":
		s.handleResolve(w, r, second)
	case second == "active-users":
		writeJSON(w, http.StatusOK, map[string]any{"activeUsers": s.presence.List(first)})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleRegisterPresence(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	var req presenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	user := models.Participant{Email: models.NormalizeEmail(req.Email), Name: req.Name, Cursor: req.Cursor}
	if s.presence.Touch(room, user) {
		s.hub.AnnounceJoin(room, user)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := r.PathValue("room")

	var req inviteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleViewer
	}
	if !req.Role.Assignable() {
		writeError(w, http.StatusBadRequest, "role must be editor or viewer")
		return
	}

	room, err := s.store.GetRoom(ctx, chatID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if _, err := s.store.UpsertInvite(ctx, chatID, req.Email, req.Role); err != nil {
		s.writeStoreError(w, err)
		return
	}

	inviter := inviterName(&room.Collaboration)
	token, _, err := s.tokens.IssueInvite(chatID, req.Email, inviter, req.Role, s.config.InviteTTL)
	if err != nil {
		s.logger.Error("issue invitation token", "room", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue invitation")
		return
	}
	link := s.invitationURL(token)

	status := models.EmailStatus{Sent: true}
	if err := s.mailer.SendInvitation(ctx, InvitationMail{
		To:          req.Email,
		InviterName: inviter,
		ChatTitle:   room.Title,
		Role:        string(req.Role),
		Link:        link,
	}); err != nil {
		s.logger.Warn("invitation delivery failed", "room", chatID, "email", req.Email, "error", err)
		status = models.EmailStatus{Sent: false, Error: err.Error()}
	}

	room, err = s.store.GetRoom(ctx, chatID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collaboration":  s.collaboration(room),
		"invitationLink": link,
		"emailStatus":    status,
	})
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID, id := r.PathValue("room"), r.PathValue("id")

	var req roleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Role.Assignable() {
		writeError(w, http.StatusBadRequest, "role must be editor or viewer")
		return
	}
	if err := s.store.UpdateRole(ctx, chatID, id, req.Role, req.Revision); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeCollaboration(w, r, chatID)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	chatID, id := r.PathValue("room"), r.PathValue("id")
	if err := s.store.RemoveCollaborator(r.Context(), chatID, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeCollaboration(w, r, chatID)
}

func (s *Server) handleShareLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chatID := r.PathValue("room")

	req := shareLinkRequest{}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Role == "" {
		req.Role = models.RoleViewer
	}
	if !req.Role.Assignable() {
		writeError(w, http.StatusBadRequest, "role must be editor or viewer")
		return
	}
	if req.ExpiryDays <= 0 {
		req.ExpiryDays = 7
	}

	room, err := s.store.GetRoom(ctx, chatID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	token, claims, err := s.tokens.IssueShare(chatID, inviterName(&room.Collaboration), req.Role, time.Duration(req.ExpiryDays)*24*time.Hour)
	if err != nil {
		s.logger.Error("issue share token", "room", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue share link")
		return
	}
	expiresAt := claims.ExpiresAt.Time.UTC()
	if err := s.store.SetShareToken(ctx, chatID, token, req.Role, expiresAt); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ShareLink{
		Token:     token,
		URL:       s.invitationURL(token),
		Role:      req.Role,
		ExpiresAt: expiresAt,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, token string) {
	claims, room, status, msg := s.checkToken(r, token)
	if status != 0 {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, models.Invitation{
		InviterName:  claims.Inviter,
		ChatTitle:    room.Title,
		Role:         claims.Role,
		ChatID:       claims.Room,
		InvitedEmail: claims.Email,
		ExpiresAt:    claims.ExpiresAt.Time.UTC(),
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.PathValue("token")

	var req acceptRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "name and a valid email are required")
		return
	}

	claims, _, status, msg := s.checkToken(r, token)
	if status != 0 {
		writeError(w, status, msg)
		return
	}
	email := req.Email
	if email == "" {
		email = claims.Email
	}
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	accept := Acceptance{ChatID: claims.Room, Email: email, Name: req.Name, Role: claims.Role}
	if claims.Kind == TokenInvite {
		if models.NormalizeEmail(email) != claims.Email {
			writeError(w, http.StatusForbidden, "invitation was issued to a different email")
			return
		}
		accept.InviteID = claims.ID
		accept.InviteExpires = claims.ExpiresAt.Time
	}

	collaborator, err := s.store.Accept(ctx, accept)
	switch {
	case errors.Is(err, ErrTokenConsumed):
		writeError(w, http.StatusGone, "invitation already used")
		return
	case errors.Is(err, ErrInvitationRevoked):
		writeError(w, http.StatusGone, "invitation revoked")
		return
	case err != nil:
		s.writeStoreError(w, err)
		return
	}
	room, err := s.store.GetRoom(ctx, claims.Room)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("invitation accepted", "room", claims.Room, "email", collaborator.Email, "kind", claims.Kind)
	writeJSON(w, http.StatusOK, map[string]any{
		"collaboration": s.collaboration(room),
		"collaborator":  collaborator,
	})
}

// checkToken validates token for resolve and accept. A non-zero status
// reports why it cannot be used.
func (s *Server) checkToken(r *http.Request, token string) (*TokenClaims, *Room, int, string) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, nil, http.StatusNotFound, "invitation not found or expired"
	}
	room, err := s.store.GetRoom(r.Context(), claims.Room)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, nil, http.StatusNotFound, "invitation not found or expired"
		}
		return nil, nil, http.StatusInternalServerError, "internal error"
	}

	switch claims.Kind {
	case TokenInvite:
		used, err := s.store.TokenConsumed(r.Context(), claims.ID)
		if err != nil {
			return nil, nil, http.StatusInternalServerError, "internal error"
		}
		if used {
			return nil, nil, http.StatusGone, "invitation already used"
		}
		if _, ok := room.FindByEmail(claims.Email); !ok {
			return nil, nil, http.StatusGone, "invitation revoked"
		}
	case TokenShare:
		if room.ShareToken != token {
			return nil, nil, http.StatusGone, "share link was replaced"
		}
	}
	return claims, room, 0, ""
}

func (s *Server) writeCollaboration(w http.ResponseWriter, r *http.Request, chatID string) {
	room, err := s.store.GetRoom(r.Context(), chatID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaboration": s.collaboration(room)})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrCollaboratorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrOwnerImmutable):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrRevisionConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) collaboration(room *Room) *models.Collaboration {
	collab := room.Collaboration
	if room.ShareToken != "" && (room.ShareExpiresAt.IsZero() || room.ShareExpiresAt.After(time.Now())) {
		collab.ShareLink = s.invitationURL(room.ShareToken)
		collab.ShareLinkEnabled = true
	}
	return &collab
}

func (s *Server) invitationURL(token string) string {
	return s.config.PublicURL + "/invitation/" + token
}

func inviterName(collab *models.Collaboration) string {
	owner, ok := collab.Owner()
	if !ok {
		return ""
	}
	if owner.Name != "" {
		return owner.Name
	}
	return owner.Email
}
