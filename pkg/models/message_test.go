package models

import (
	"encoding/json"
	"testing"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"", RoleViewer, false},
		{"viewer", RoleViewer, false},
		{"editor", RoleEditor, false},
		{"owner", RoleOwner, false},
		{"admin", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRole_Assignable(t *testing.T) {
	if RoleOwner.Assignable() {
		t.Error("owner must not be assignable")
	}
	if !RoleEditor.Assignable() || !RoleViewer.Assignable() {
		t.Error("editor and viewer must be assignable")
	}
}

func TestCollaboration_Lookups(t *testing.T) {
	c := Collaboration{
		ChatID: "R1",
		Collaborators: []Collaborator{
			{ID: "1", Email: "owner@example.com", Role: RoleOwner, Status: StatusAccepted},
			{ID: "2", Email: "Bob@Example.com", Role: RoleEditor, Status: StatusPending},
		},
	}

	owner, ok := c.Owner()
	if !ok || owner.ID != "1" {
		t.Fatalf("Owner() = %+v, %v", owner, ok)
	}
	if _, ok := c.Find("3"); ok {
		t.Error("Find(3) should miss")
	}
	bob, ok := c.FindByEmail(" bob@example.com ")
	if !ok || bob.ID != "2" {
		t.Fatalf("FindByEmail() = %+v, %v", bob, ok)
	}
}

func TestMessage_Involves(t *testing.T) {
	msg := Message{
		Sender:    Identity{Email: "alice@example.com"},
		Recipient: "bob@example.com",
		Content:   "hi",
	}
	if !msg.IsDirect() {
		t.Error("expected direct message")
	}
	if !msg.Involves("BOB@example.com") || !msg.Involves("alice@example.com") {
		t.Error("expected sender and recipient to be involved")
	}
	if msg.Involves("carol@example.com") {
		t.Error("carol is not involved")
	}
}

func TestCollaborator_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Collaborator{ID: "1", Email: "a@example.com", Role: RoleViewer, Status: StatusPending})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	for _, key := range []string{"id", "email", "role", "status", "invitedAt", "revision"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
}
