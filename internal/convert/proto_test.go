package convert

import (
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"

	model "github.com/and161185/miniapp-gate/internal/model"
)

func TestToFromProtoSession(t *testing.T) {
	t.Parallel()

	s := model.Session{
		User:  model.User{ID: 42, FirstName: "Ann", Username: "ann"},
		Name:  "Ann",
		TS:    1700000000123,
		Extra: model.Doc{"theme": "dark"},
	}
	p, err := ToProtoSession(s)
	if err != nil {
		t.Fatalf("ToProtoSession: %v", err)
	}
	f := p.GetFields()
	if f["id"].GetNumberValue() != 42 {
		t.Fatalf("id mismatch: %v", f["id"])
	}
	if f["theme"].GetStringValue() != "dark" {
		t.Fatalf("extension field lost")
	}
	if f["seen"].GetStringValue() != "2023-11-14T22:13:20Z" {
		t.Fatalf("seen mismatch: %q", f["seen"].GetStringValue())
	}

	got, err := FromProtoSession(p)
	if err != nil {
		t.Fatalf("FromProtoSession: %v", err)
	}
	if got.ID != 42 || got.Name != "Ann" || got.TS != s.TS || got.Username != "ann" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Extra["theme"] != "dark" {
		t.Fatalf("extra mismatch: %v", got.Extra)
	}
	if _, has := got.Extra["seen"]; has {
		t.Fatalf("derived field must not leak into Extra")
	}
}

func TestToProtoSession_NoTimestamp(t *testing.T) {
	t.Parallel()

	p, err := ToProtoSession(model.Session{User: model.User{ID: 1}})
	if err != nil {
		t.Fatalf("ToProtoSession: %v", err)
	}
	if _, has := p.GetFields()["seen"]; has {
		t.Fatalf("seen must be omitted when ts is unset")
	}
	if _, err := FromProtoSession(nil); err == nil {
		t.Fatalf("nil struct must fail")
	}
}

func TestFromProtoSessionID(t *testing.T) {
	t.Parallel()

	id, err := FromProtoSessionID(wrapperspb.String("42:ABC"))
	if err != nil || id != "42:ABC" {
		t.Fatalf("got %q, %v", id, err)
	}
	for _, bad := range []string{"", "42", ":ABC", "42:"} {
		if _, err := FromProtoSessionID(wrapperspb.String(bad)); err == nil {
			t.Fatalf("%q must be rejected", bad)
		}
	}
	if _, err := FromProtoSessionID(nil); err == nil {
		t.Fatalf("nil must be rejected")
	}
	if ToProtoToken("t").GetValue() != "t" {
		t.Fatalf("token wrap mismatch")
	}
}
