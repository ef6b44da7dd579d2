package replication

import (
	"reflect"
	"testing"

	"zonelink/wire"
)

func TestRegistryUpsertIsIdempotent(t *testing.T) {
	r := NewRegistry()
	if !r.Upsert("P", wire.Vec3{X: 1}, 10) {
		t.Fatalf("first upsert should spawn")
	}
	if r.Upsert("P", wire.Vec3{X: 2, Z: 3}, 20) {
		t.Fatalf("second upsert should update in place")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one entity, got %d", r.Len())
	}
	e, ok := r.Get("P")
	if !ok {
		t.Fatalf("entity P missing")
	}
	if e.Position != (wire.Vec3{X: 2, Z: 3}) || e.Yaw != 20 {
		t.Fatalf("second update should win, got %+v", e)
	}
}

func TestRegistryRemoveAndAnimation(t *testing.T) {
	r := NewRegistry()
	if r.Remove("ghost") {
		t.Fatalf("removing an unknown id must be a no-op")
	}
	if r.ApplyAnimation("ghost", wire.AnimJump) {
		t.Fatalf("animation for unknown id should report false")
	}
	r.Upsert("bob", wire.Vec3{}, 0)
	if !r.ApplyAnimation("bob", wire.AnimRun) {
		t.Fatalf("animation for known id should apply")
	}
	if e, _ := r.Get("bob"); e.LastAnimation != wire.AnimRun {
		t.Fatalf("animation = %q", e.LastAnimation)
	}
	if !r.Remove("bob") || r.Exists("bob") {
		t.Fatalf("bob should be removed")
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Upsert("a", wire.Vec3{X: 1}, 0)
	e, _ := r.Get("a")
	e.Position.X = 99
	if got, _ := r.Get("a"); got.Position.X != 1 {
		t.Fatalf("registry mutated through copy: %+v", got)
	}
}

func TestRegistryClearAndEntitiesSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Upsert(id, wire.Vec3{}, 0)
	}
	var ids []string
	for _, e := range r.Entities() {
		ids = append(ids, e.ID)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Fatalf("entities order = %v", ids)
	}
	if got := r.Clear(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("cleared = %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("registry should be empty")
	}
}
