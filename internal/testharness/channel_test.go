package testharness

import (
	"context"
	"errors"
	"testing"

	"github.com/citruslab/collab/internal/events"
	"github.com/citruslab/collab/internal/realtime"
	"github.com/citruslab/collab/pkg/models"
)

func TestChannelRecordsAndDelivers(t *testing.T) {
	ch := NewChannel()
	if err := ch.Emit(events.KindTyping, "r1", events.Payload{User: &models.Participant{Email: "a@x.io"}}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if got := len(ch.Emitted(events.KindTyping)); got != 1 {
		t.Fatalf("Emitted(typing) = %d, want 1", got)
	}

	var order []string
	unsub := ch.Subscribe(events.KindUserJoined, func(events.Frame) { order = append(order, "first") })
	ch.Subscribe(events.KindUserJoined, func(events.Frame) { order = append(order, "second") })
	ch.Deliver(events.Frame{Event: events.KindUserJoined, Room: "r1"})
	if len(order) != 2 || order[0] != "first" {
		t.Errorf("delivery order = %v", order)
	}

	unsub()
	if got := ch.Subscribers(events.KindUserJoined); got != 1 {
		t.Errorf("Subscribers() = %d, want 1", got)
	}
}

func TestChannelDisconnected(t *testing.T) {
	ch := NewChannel()
	ch.SetConnected(false)
	if err := ch.Emit(events.KindTyping, "r1", nil); !errors.Is(err, realtime.ErrNotConnected) {
		t.Fatalf("Emit() error = %v, want ErrNotConnected", err)
	}
	if got := len(ch.Emitted("")); got != 0 {
		t.Errorf("Emitted() = %d, want 0", got)
	}
}

func TestChannelConnectNotifiesState(t *testing.T) {
	ch := NewChannel()
	var states []models.ConnectionState
	unsub := ch.OnStateChange(func(s models.ConnectionState) { states = append(states, s) })

	if err := ch.Connect(context.Background(), models.Identity{}); !errors.Is(err, realtime.ErrIdentityRequired) {
		t.Fatalf("Connect() error = %v, want ErrIdentityRequired", err)
	}
	if err := ch.Connect(context.Background(), models.Identity{Email: "a@x.io"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := ch.Connect(context.Background(), models.Identity{Email: "b@x.io"}); !errors.Is(err, realtime.ErrAlreadyConnected) {
		t.Fatalf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
	ch.Disconnect()
	unsub()
	ch.SetConnected(true)

	if len(states) != 2 || states[0] != models.ConnectionConnected || states[1] != models.ConnectionDisconnected {
		t.Fatalf("states = %v", states)
	}
	if ch.Identity().Email != "a@x.io" {
		t.Fatalf("Identity() = %+v", ch.Identity())
	}
	if ch.State() != models.ConnectionConnected {
		t.Fatalf("State() = %q", ch.State())
	}
}
