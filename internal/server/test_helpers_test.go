package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chorus/internal/auth"
	"github.com/MarcoPoloResearchLab/chorus/internal/database"
	"github.com/MarcoPoloResearchLab/chorus/internal/presence"
	"github.com/MarcoPoloResearchLab/chorus/internal/projects"
	"github.com/MarcoPoloResearchLab/chorus/internal/realtime"
	"github.com/MarcoPoloResearchLab/chorus/internal/voice"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var testNow = time.Unix(1700000000, 0).UTC()

// bearerSessions treats the bearer token itself as the participant id.
type bearerSessions struct {
	err error
}

func (s bearerSessions) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	if s.err != nil {
		return auth.SessionClaims{}, s.err
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	return auth.SessionClaims{UserID: token}, nil
}

type denyRooms struct {
	denied presence.RoomID
}

func (d denyRooms) AuthorizeRoom(_ context.Context, room presence.RoomID, _ presence.ParticipantID) (bool, error) {
	return room != d.denied, nil
}

type testServer struct {
	handler     http.Handler
	registry    *presence.Registry
	tracker     *voice.Tracker
	broadcaster *realtime.Broadcaster
}

type testServerOptions struct {
	sessions SessionValidator
	rooms    RoomAuthorizer
	logger   *zap.Logger
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	clock := func() time.Time { return testNow }
	broadcaster := realtime.NewBroadcaster(realtime.BroadcasterConfig{
		Dispatcher: realtime.NewDispatcher(32),
		Clock:      clock,
	})
	store, err := projects.NewGormVersionStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	coordinator, err := projects.NewCoordinator(projects.CoordinatorConfig{
		Store:    store,
		Clock:    clock,
		Observer: broadcaster.DocumentCommitted,
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	tracker, err := voice.NewTracker(voice.TrackerConfig{
		Database: db,
		Clock:    clock,
		Observer: broadcaster.RosterChanged,
	})
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	registry := presence.NewRegistry(presence.RegistryConfig{Observer: broadcaster.PresenceChanged})

	sessions := options.sessions
	if sessions == nil {
		sessions = bearerSessions{}
	}
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:    sessions,
		Rooms:       options.rooms,
		Projects:    coordinator,
		Presence:    registry,
		Voice:       tracker,
		Broadcaster: broadcaster,
		Logger:      options.logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, registry: registry, tracker: tracker, broadcaster: broadcaster}
}

func (s *testServer) do(t *testing.T, method, path, participant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else if raw, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(raw))
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if participant != "" {
		request.Header.Set("Authorization", "Bearer "+participant)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) subscribe(t *testing.T, room string) <-chan realtime.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, cleanup := s.broadcaster.Dispatcher().Subscribe(ctx, room)
	t.Cleanup(cleanup)
	return stream
}

func mustDecode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func mustEvent(t *testing.T, stream <-chan realtime.Event, eventType realtime.EventType) realtime.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-stream:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("expected %s event within deadline", eventType)
		}
	}
}

func expectNoEvent(t *testing.T, stream <-chan realtime.Event) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("did not expect event, got %s", event.Type)
	default:
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var errSignatureMismatch = errors.New("signature mismatch")
