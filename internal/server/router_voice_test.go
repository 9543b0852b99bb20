package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/chorus/internal/realtime"
)

func TestVoiceRoutesBroadcastRosterChanges(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	rosters := server.subscribe(t, "channel:3")

	recorder := server.do(t, http.MethodPost, "/voice/3/join", "user-1", nil)
	expectStatus(t, recorder, http.StatusOK)
	var joined rosterResponsePayload
	mustDecode(t, recorder, &joined)
	if !joined.Changed || len(joined.Participants) != 1 || joined.Participants[0].ParticipantID != "user-1" {
		t.Fatalf("unexpected join response: %+v", joined)
	}
	event := mustEvent(t, rosters, realtime.EventVoiceRoster)
	var payload realtime.RosterPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("failed to decode roster event: %v", err)
	}
	if payload.ChannelID != 3 || len(payload.Participants) != 1 {
		t.Fatalf("unexpected roster event: %+v", payload)
	}

	recorder = server.do(t, http.MethodPost, "/voice/3/join", "user-1", nil)
	expectStatus(t, recorder, http.StatusOK)
	mustDecode(t, recorder, &joined)
	if joined.Changed {
		t.Fatalf("expected repeated join to leave roster unchanged")
	}
	expectNoEvent(t, rosters)

	recorder = server.do(t, http.MethodGet, "/voice/3/roster", "user-2", nil)
	expectStatus(t, recorder, http.StatusOK)
	var listed rosterResponsePayload
	mustDecode(t, recorder, &listed)
	if len(listed.Participants) != 1 {
		t.Fatalf("unexpected roster listing: %+v", listed)
	}

	recorder = server.do(t, http.MethodPost, "/voice/3/leave", "user-1", nil)
	expectStatus(t, recorder, http.StatusOK)
	var left rosterResponsePayload
	mustDecode(t, recorder, &left)
	if !left.Changed || len(left.Participants) != 0 {
		t.Fatalf("unexpected leave response: %+v", left)
	}
	mustEvent(t, rosters, realtime.EventVoiceRoster)

	recorder = server.do(t, http.MethodPost, "/voice/3/leave", "user-1", nil)
	expectStatus(t, recorder, http.StatusOK)
	expectNoEvent(t, rosters)
}

func TestVoiceRoutesRejectInvalidChannel(t *testing.T) {
	server := newTestServer(t, testServerOptions{})

	expectStatus(t, server.do(t, http.MethodPost, "/voice/zero/join", "user-1", nil), http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodPost, "/voice/0/join", "user-1", nil), http.StatusBadRequest)
}

func TestVoiceRoutesRequireChannelRoomAuthorization(t *testing.T) {
	server := newTestServer(t, testServerOptions{rooms: denyRooms{denied: "channel:9"}})
	rosters := server.subscribe(t, "channel:9")

	expectStatus(t, server.do(t, http.MethodGet, "/voice/9/roster", "user-1", nil), http.StatusForbidden)
	expectStatus(t, server.do(t, http.MethodPost, "/voice/9/join", "user-1", nil), http.StatusForbidden)
	expectStatus(t, server.do(t, http.MethodPost, "/voice/9/leave", "user-1", nil), http.StatusForbidden)
	expectNoEvent(t, rosters)

	roster, err := server.tracker.CurrentRoster(context.Background(), 9)
	if err != nil {
		t.Fatalf("roster failed: %v", err)
	}
	if roster.Contains("user-1") {
		t.Fatalf("denied join must not open a session")
	}
	expectStatus(t, server.do(t, http.MethodPost, "/voice/10/join", "user-1", nil), http.StatusOK)
}
