// Package collabapi is the REST client for the collaboration backend.
package collabapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/citruslab/collab/pkg/models"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("collaboration api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("collaboration api: %d %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of err when it is an *APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// InviteResponse is the result of an invite request.
type InviteResponse struct {
	Collaboration  models.Collaboration `json:"collaboration"`
	InvitationLink string               `json:"invitationLink"`
	EmailStatus    models.EmailStatus   `json:"emailStatus"`
}

// AcceptResponse is the result of accepting an invitation.
type AcceptResponse struct {
	Collaboration models.Collaboration `json:"collaboration"`
	Collaborator  models.Collaborator  `json:"collaborator"`
}

// Client talks to the collaboration REST API.
type Client struct {
	baseURL    string
	prefix     string
	httpClient *http.Client
}

// NewClient creates a client for baseURL with paths under prefix (e.g. "/api").
func NewClient(baseURL, prefix string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		prefix:     prefix,
		httpClient: httpClient,
	}
}

func (c *Client) roomPath(room string, rest ...string) string {
	parts := append([]string{"collaboration", url.PathEscape(room)}, rest...)
	return "/" + strings.Join(parts, "/")
}

// ActiveUsers fetches the participants currently present in room.
func (c *Client) ActiveUsers(ctx context.Context, room string) ([]models.Participant, error) {
	var out struct {
		ActiveUsers []models.Participant `json:"activeUsers"`
	}
	if err := c.do(ctx, http.MethodGet, c.roomPath(room, "active-users"), nil, &out); err != nil {
		return nil, err
	}
	return out.ActiveUsers, nil
}

// RegisterPresence registers participant as present in room.
func (c *Client) RegisterPresence(ctx context.Context, room string, participant models.Participant) error {
	payload := struct {
		Email  string         `json:"email"`
		Name   string         `json:"name,omitempty"`
		Cursor *models.Cursor `json:"cursor,omitempty"`
	}{participant.Email, participant.Name, participant.Cursor}
	return c.do(ctx, http.MethodPost, c.roomPath(room, "active-users"), payload, nil)
}

// GetCollaboration fetches the access configuration of room.
func (c *Client) GetCollaboration(ctx context.Context, room string) (*models.Collaboration, error) {
	var out struct {
		Collaboration models.Collaboration `json:"collaboration"`
	}
	if err := c.do(ctx, http.MethodGet, c.roomPath(room), nil, &out); err != nil {
		return nil, err
	}
	return &out.Collaboration, nil
}

// Invite invites email to room with role.
func (c *Client) Invite(ctx context.Context, room, email string, role models.Role) (*InviteResponse, error) {
	payload := map[string]string{"email": email, "role": string(role)}
	var out InviteResponse
	if err := c.do(ctx, http.MethodPost, c.roomPath(room, "invite"), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateRole changes a collaborator's role. A positive revision makes the
// update conditional on the stored record still being at that revision.
func (c *Client) UpdateRole(ctx context.Context, room, collaboratorID string, role models.Role, revision int64) (*models.Collaboration, error) {
	payload := struct {
		Role     models.Role `json:"role"`
		Revision int64       `json:"revision,omitempty"`
	}{role, revision}
	var out struct {
		Collaboration models.Collaboration `json:"collaboration"`
	}
	path := c.roomPath(room, "collaborators", url.PathEscape(collaboratorID))
	if err := c.do(ctx, http.MethodPatch, path, payload, &out); err != nil {
		return nil, err
	}
	return &out.Collaboration, nil
}

// RemoveCollaborator removes a collaborator from room.
func (c *Client) RemoveCollaborator(ctx context.Context, room, collaboratorID string) (*models.Collaboration, error) {
	var out struct {
		Collaboration models.Collaboration `json:"collaboration"`
	}
	path := c.roomPath(room, "collaborators", url.PathEscape(collaboratorID))
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Collaboration, nil
}

// CreateShareLink creates a share link granting role for expiryDays.
func (c *Client) CreateShareLink(ctx context.Context, room string, role models.Role, expiryDays int) (*models.ShareLink, error) {
	payload := struct {
		ExpiryDays int         `json:"expiryDays"`
		Role       models.Role `json:"role"`
	}{expiryDays, role}
	var out models.ShareLink
	if err := c.do(ctx, http.MethodPost, c.roomPath(room, "share-link"), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveInvitation fetches the public view of an invitation token.
func (c *Client) ResolveInvitation(ctx context.Context, token string) (*models.Invitation, error) {
	var out models.Invitation
	if err := c.do(ctx, http.MethodGet, "/collaboration/shared/"+url.PathEscape(token), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptInvitation accepts an invitation token as name/email.
func (c *Client) AcceptInvitation(ctx context.Context, token, name, email string) (*AcceptResponse, error) {
	payload := map[string]string{"name": name, "email": email}
	var out AcceptResponse
	if err := c.do(ctx, http.MethodPost, "/collaboration/shared/"+url.PathEscape(token)+"/accept", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+c.prefix+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return apiErr
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
