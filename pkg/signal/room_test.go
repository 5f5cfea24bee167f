package signal

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestValidateRoomID(t *testing.T) {
	for _, tc := range []struct {
		id string
		ok bool
	}{
		{"room-1", true},
		{strings.Repeat("a", 128), true},
		{"", false},
		{strings.Repeat("a", 129), false},
		{"a/b", false},
		{"a\x00b", false},
	} {
		err := ValidateRoomID(tc.id)

		if tc.ok && err != nil {
			t.Errorf("ValidateRoomID(%q) = %v", tc.id, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidRoomID) {
			t.Errorf("ValidateRoomID(%q) = %v, want ErrInvalidRoomID", tc.id, err)
		}
	}
}

func TestRoomFields(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 42, time.UTC)

	r := Room{
		ID:        "r1",
		Offer:     &SessionDescription{Type: SDPTypeOffer, Payload: "v=0"},
		Session:   "s1",
		CreatedAt: created,
	}

	fields, err := r.Fields()
	if err != nil {
		t.Fatal(err)
	}

	if fields[FieldAnswer] != "" {
		t.Fatalf("missing answer encoded as %q", fields[FieldAnswer])
	}

	got, err := RoomFromFields("r1", fields)
	if err != nil {
		t.Fatal(err)
	}

	if got.Offer == nil || *got.Offer != *r.Offer || got.Answer != nil ||
		got.Session != "s1" || !got.CreatedAt.Equal(created) {
		t.Fatalf("got %+v", got)
	}

	if _, err := RoomFromFields("r1", Fields{FieldOffer: "{"}); err == nil {
		t.Fatal("broken offer accepted")
	}
}

func TestCandidateStreamKey(t *testing.T) {
	if got := CandidateStreamKey("r1", "s1", RoleCallee); got != "rooms/r1/s1/calleeCandidates" {
		t.Fatalf("got %q", got)
	}

	if RoleCaller.Opposite() != RoleCallee || RoleCallee.Opposite() != RoleCaller {
		t.Fatal("Opposite")
	}
}

func TestDecodeCandidate(t *testing.T) {
	data, err := EncodeCandidate(Candidate{ID: "1", Role: RoleCaller, Payload: "c"})
	if err != nil {
		t.Fatal(err)
	}

	c, err := DecodeCandidate(data)
	if err != nil || c.Payload != "c" || c.Role != RoleCaller {
		t.Fatalf("got %+v, %v", c, err)
	}

	if _, err := DecodeCandidate([]byte(`{"id":"1","role":"caller"}`)); err == nil {
		t.Fatal("candidate without payload accepted")
	}
}

func TestFieldsMatches(t *testing.T) {
	f := Fields{"offer": "o", "answer": ""}

	for _, tc := range []struct {
		match Fields
		ok    bool
	}{
		{nil, true},
		{Fields{"offer": "o"}, true},
		{Fields{"answer": ""}, true},
		{Fields{"session": ""}, true},
		{Fields{"offer": ""}, false},
		{Fields{"session": "s"}, false},
	} {
		if f.Matches(tc.match) != tc.ok {
			t.Errorf("Matches(%v) != %v", tc.match, tc.ok)
		}
	}
}

func TestUnavailable(t *testing.T) {
	if Unavailable(nil) != nil {
		t.Fatal("Unavailable(nil) != nil")
	}

	cause := errors.New("connection reset")
	err := errors.Wrap(Unavailable(cause), "append")

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatal("does not match ErrStoreUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable")
	}

	if again := Unavailable(err); again != err {
		t.Fatal("wrapped twice")
	}
}
