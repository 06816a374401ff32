package groups

import (
	"context"
	"testing"

	"github.com/ignite/telegram-broadcaster/internal/domain"
)

type fakeRepo struct {
	byKey map[string]*domain.TargetGroup
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byKey: make(map[string]*domain.TargetGroup)}
}

func (r *fakeRepo) key(userID, id string) string { return userID + "|" + id }

func (r *fakeRepo) Upsert(ctx context.Context, g *domain.TargetGroup) error {
	cp := *g
	cp.IsActive = true
	r.byKey[r.key(g.UserID, g.ID)] = &cp
	return nil
}

func (r *fakeRepo) Remove(ctx context.Context, userID, id string) error {
	k := r.key(userID, id)
	if _, ok := r.byKey[k]; !ok {
		return ErrNotFound
	}
	delete(r.byKey, k)
	return nil
}

func (r *fakeRepo) ListActive(ctx context.Context, userID string) ([]domain.TargetGroup, error) {
	var out []domain.TargetGroup
	for _, g := range r.byKey {
		if g.UserID == userID && g.IsActive {
			out = append(out, *g)
		}
	}
	return out, nil
}

func TestAdd_NormalizesSupergroupID(t *testing.T) {
	svc := NewService(newFakeRepo())

	g, err := svc.Add(context.Background(), "owner-1", AddInput{
		ID: "1234567", Title: "Deals", Kind: domain.GroupKindSupergroup,
	})
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if g.ID != "-1001234567" {
		t.Errorf("ID = %q, want canonical -1001234567", g.ID)
	}
	if g.Kind != domain.GroupKindSupergroup || !g.IsActive {
		t.Errorf("got kind=%s active=%v", g.Kind, g.IsActive)
	}
}

func TestAdd_MinusHundredPrefixForcesSupergroup(t *testing.T) {
	svc := NewService(newFakeRepo())

	g, err := svc.Add(context.Background(), "owner-1", AddInput{
		ID: "-1009876", Kind: domain.GroupKindGroup,
	})
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if g.Kind != domain.GroupKindSupergroup {
		t.Errorf("Kind = %s, want supergroup for a -100 id", g.Kind)
	}
	if g.ID != "-1009876" {
		t.Errorf("ID = %q, want -1009876", g.ID)
	}
}

func TestAdd_BasicChatGetsMinusPrefix(t *testing.T) {
	svc := NewService(newFakeRepo())

	g, err := svc.Add(context.Background(), "owner-1", AddInput{ID: "4242", Kind: domain.GroupKindGroup})
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if g.ID != "-4242" {
		t.Errorf("ID = %q, want -4242", g.ID)
	}
}

func TestAdd_TitleDefaultsToID(t *testing.T) {
	svc := NewService(newFakeRepo())

	g, err := svc.Add(context.Background(), "owner-1", AddInput{ID: "-4242"})
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if g.Title != "-4242" {
		t.Errorf("Title = %q, want the id as fallback", g.Title)
	}
}

func TestAdd_EmptyIDRejected(t *testing.T) {
	svc := NewService(newFakeRepo())

	if _, err := svc.Add(context.Background(), "owner-1", AddInput{ID: "   "}); err != ErrInvalidID {
		t.Errorf("Add() error = %v, want ErrInvalidID", err)
	}
}

func TestRemove(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()

	if _, err := svc.Add(ctx, "owner-1", AddInput{ID: "-4242"}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := svc.Remove(ctx, "owner-1", "-4242"); err != nil {
		t.Errorf("Remove() error: %v", err)
	}
	if err := svc.Remove(ctx, "owner-1", "-4242"); err != ErrNotFound {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
	if err := svc.Remove(ctx, "owner-1", ""); err != ErrInvalidID {
		t.Errorf("Remove(empty) error = %v, want ErrInvalidID", err)
	}
}
