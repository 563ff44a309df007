package actor

import (
	"testing"

	"deqinarbiter/wire"
)

func TestStateTransitions(t *testing.T) {
	allowed := map[[2]State]bool{
		{Spawning, Running}:     true,
		{Spawning, Stopping}:    true,
		{Running, Stopping}:     true,
		{Stopping, Terminating}: true,
		{Stopping, Closed}:      true,
		{Terminating, Closed}:   true,
	}
	for from := Spawning; from <= Closed; from++ {
		for to := Spawning; to <= Closed; to++ {
			if got := from.CanTransition(to); got != allowed[[2]State{from, to}] {
				t.Fatalf("%s -> %s: got %v", from, to, got)
			}
		}
	}
	if Running.CanTransition(Closed) {
		t.Fatalf("running must pass through stopping")
	}
	if State(42).String() != "unknown" || Terminating.String() != "terminating" {
		t.Fatalf("unexpected names")
	}
}

func TestSplitArgsAndTargets(t *testing.T) {
	pos, kw := splitArgs([]any{1, "a", Kwargs{"x": 2}})
	if len(pos) != 2 || kw["x"] != 2 {
		t.Fatalf("split: %v %v", pos, kw)
	}
	pos, kw = splitArgs([]any{1})
	if len(pos) != 1 || kw != nil {
		t.Fatalf("split without kwargs: %v %v", pos, kw)
	}
	for _, target := range []any{"w1", wire.ActorProxy{ID: "w1"}, &wire.ActorProxy{ID: "w1"}} {
		if id, err := targetID(target); err != nil || id != "w1" {
			t.Fatalf("target %#v: %q %v", target, id, err)
		}
	}
	if _, err := targetID(""); err == nil {
		t.Fatalf("empty target accepted")
	}
	if _, err := targetID(3); err == nil {
		t.Fatalf("int target accepted")
	}
}

func TestNewActorID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewActorID()
		if len(id) != 8 || seen[id] {
			t.Fatalf("bad id %q", id)
		}
		seen[id] = true
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(wire.ActorProxy{ID: "a1", Name: "alpha"})
	r.Register(wire.ActorProxy{ID: "b2"})
	if p, ok := r.Get("alpha"); !ok || p.ID != "a1" {
		t.Fatalf("by name: %v %v", p, ok)
	}
	if ids := r.IDs(); len(ids) != 2 || ids[0] != "a1" {
		t.Fatalf("ids: %v", ids)
	}
	r.Unregister("a1")
	if _, ok := r.Get("alpha"); ok || r.Has("a1") || r.Len() != 1 {
		t.Fatalf("unregister left entries: %v", r.Snapshot())
	}
}
