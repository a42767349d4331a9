package capro

import "testing"

func TestServiceDescriptionEquality(t *testing.T) {
	a := NewServiceDescription("x", "y", "z")
	b := NewServiceDescription("x", "y", "z")
	c := NewServiceDescription("x", "y", "other")

	if a != b {
		t.Fatal("expected identical descriptions to be equal")
	}
	if a == c {
		t.Fatal("expected descriptions with different events to differ")
	}
	if got := a.String(); got != "x/y/z" {
		t.Fatalf("unexpected string form %q", got)
	}
}

func TestServiceDescriptionValidate(t *testing.T) {
	cases := []ServiceDescription{
		{Service: "", Instance: "y", Event: "z"},
		{Service: "x", Instance: " ", Event: "z"},
		{Service: "x", Instance: "y", Event: ""},
	}
	for _, sd := range cases {
		if err := sd.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", sd)
		}
	}
	if err := NewServiceDescription("x", "y", "z").Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestMessageTypeString(t *testing.T) {
	if MessageSubscribe.String() != "SUBSCRIBE" {
		t.Fatalf("unexpected name %q", MessageSubscribe.String())
	}
	if MessageType(42).String() != "MessageType(42)" {
		t.Fatalf("unexpected fallback name %q", MessageType(42).String())
	}
	msg := NewMessage(MessageOffer, NewServiceDescription("a", "b", "c"))
	if msg.String() != "OFFER a/b/c" {
		t.Fatalf("unexpected message string %q", msg.String())
	}
	if msg.Queue != nil {
		t.Fatal("offer carries no queue endpoint")
	}
}
