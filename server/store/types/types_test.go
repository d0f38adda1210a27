package types

import (
	"encoding/json"
	"testing"
)

func TestUidStringRoundTrip(t *testing.T) {
	uid := Uid(0xABCDEF0123456789)
	s := uid.String()
	if len(s) != uidBase64Unpadded {
		t.Fatal("unexpected encoded length:", len(s))
	}
	if got := ParseUid(s); got != uid {
		t.Error("round trip mismatch:", got, uid)
	}
}

func TestUidZero(t *testing.T) {
	if !ZeroUid.IsZero() {
		t.Error("ZeroUid is not zero")
	}
	if s := ZeroUid.String(); s != "" {
		t.Error("zero uid must encode to an empty string, got", s)
	}
	if got := ParseUid(""); !got.IsZero() {
		t.Error("empty string parsed as", got)
	}
}

func TestParseUidInvalid(t *testing.T) {
	for _, s := range []string{"short", "definitely-too-long", "***********"} {
		if got := ParseUid(s); !got.IsZero() {
			t.Errorf("ParseUid(%q) = %v, want zero", s, got)
		}
	}
}

func TestUidJSON(t *testing.T) {
	uid := Uid(12345)
	b, err := json.Marshal(uid)
	if err != nil {
		t.Fatal(err)
	}
	var back Uid
	if err = json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back != uid {
		t.Error("JSON round trip mismatch:", back, uid)
	}
}

func TestObjHeader(t *testing.T) {
	var h ObjHeader
	uid := Uid(778899)
	h.SetUid(uid)
	if h.Id != uid.String() || h.Uid() != uid {
		t.Error("SetUid did not set both forms of the id")
	}

	// Uid() decodes a string id assigned by an adapter.
	h2 := ObjHeader{Id: uid.String()}
	if h2.Uid() != uid {
		t.Error("Uid() failed to decode the string id")
	}

	h.InitTimes()
	if h.CreatedAt.IsZero() || !h.UpdatedAt.Equal(h.CreatedAt) {
		t.Error("InitTimes left inconsistent timestamps")
	}
	created := h.CreatedAt
	// A second call must not move CreatedAt.
	h.InitTimes()
	if !h.CreatedAt.Equal(created) {
		t.Error("InitTimes moved CreatedAt")
	}
}

func TestDialogHasParticipant(t *testing.T) {
	dialog := Dialog{Participants: []Uid{Uid(1), Uid(2)}}
	if !dialog.HasParticipant(Uid(1)) || !dialog.HasParticipant(Uid(2)) {
		t.Error("participant not found")
	}
	if dialog.HasParticipant(Uid(3)) || dialog.HasParticipant(ZeroUid) {
		t.Error("non-participant reported as member")
	}
}
