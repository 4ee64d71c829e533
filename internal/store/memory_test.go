package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"aigroup/internal/models"
)

func TestCreateAndUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	msg, err := m.Create(ctx, Message{SessionID: "s1", Role: models.RoleAssistant, Model: "openai/gpt-4o"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps, got %#v", msg)
	}

	updated, err := m.UpdateMessage(ctx, msg.ID, func(m *Message) {
		m.ID = "hijack"
		m.PluginID = "image_generation"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != msg.ID || updated.PluginID != "image_generation" {
		t.Fatalf("unexpected update result: %#v", updated)
	}

	got, err := m.Message(ctx, msg.ID)
	if err != nil || got.PluginID != "image_generation" {
		t.Fatalf("update not persisted: %#v %v", got, err)
	}
}

func TestUnknownMessage(t *testing.T) {
	m := NewMemory()
	if _, err := m.Message(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.UpdateMessage(context.Background(), "nope", func(*Message) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionOrder(t *testing.T) {
	m := NewMemory()
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	first, _ := m.Create(ctx, Message{SessionID: "s", Role: models.RoleUser, Content: "hi"})
	second, _ := m.Create(ctx, Message{SessionID: "s", Role: models.RoleAssistant, Content: "hello"})
	_, _ = m.Create(ctx, Message{SessionID: "other", Role: models.RoleUser})

	got, err := m.Session(ctx, "s")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("unexpected session: %#v", got)
	}
}
