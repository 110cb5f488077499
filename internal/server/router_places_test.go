package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/roster"
)

func TestHealthzIsPublic(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodPost, "/places/"+testPlaceID+"/join", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestJoinPlaceErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	token := signSessionToken(t, "alice", "Alice")

	recorder := env.do(t, http.MethodPost, "/places/"+testPlaceID+"/join", token, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without a location report, got %d %s", recorder.Code, recorder.Body.String())
	}

	env.reportLocation(t, token, 40.01, -73.0)
	recorder = env.do(t, http.MethodPost, "/places/"+testPlaceID+"/join", token, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when too far, got %d", recorder.Code)
	}
	var tooFar struct {
		Error          string  `json:"error"`
		DistanceMeters float64 `json:"distance_meters"`
	}
	decodeBody(t, recorder, &tooFar)
	if tooFar.Error != "too_far" || tooFar.DistanceMeters < 1100 || tooFar.DistanceMeters > 1125 {
		t.Fatalf("unexpected too far payload %+v", tooFar)
	}

	recorder = env.do(t, http.MethodPost, "/places/NOWHERE/join", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown place, got %d", recorder.Code)
	}
}

func TestJoinListAndLeave(t *testing.T) {
	env := newTestEnv(t)
	alice := signSessionToken(t, "alice", "Alice")
	bob := signSessionToken(t, "bob", "Bob")

	env.reportLocation(t, alice, 40.0, -73.0009)
	recorder := env.do(t, http.MethodPost, "/places/"+testPlaceID+"/join", alice, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("join failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var joined joinResponse
	decodeBody(t, recorder, &joined)
	if joined.Place.ID != testPlaceID || !joined.Monitoring {
		t.Fatalf("unexpected join response %+v", joined)
	}
	if _, ok := env.controller.ActiveMonitor(testPlaceID, "alice"); !ok {
		t.Fatalf("expected join to start monitoring")
	}

	env.reportLocation(t, bob, 40.0, -73.0)
	if recorder := env.do(t, http.MethodPost, "/places/"+testPlaceID+"/join", bob, nil); recorder.Code != http.StatusOK {
		t.Fatalf("bob join failed: %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodGet, "/places/"+testPlaceID+"/members", alice, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("members failed: %d", recorder.Code)
	}
	var members roster.Categorized
	decodeBody(t, recorder, &members)
	if len(members.InRange) != 2 || len(members.OutOfRange) != 0 {
		t.Fatalf("unexpected roster %+v", members)
	}
	if members.InRange[0].DisplayName != "Alice" {
		t.Fatalf("expected profile display name, got %+v", members.InRange[0])
	}

	recorder = env.do(t, http.MethodGet, "/presence/online", alice, nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"currentPlace":"ROOM1"`) {
		t.Fatalf("unexpected online listing: %d %s", recorder.Code, recorder.Body.String())
	}

	for attempt := 0; attempt < 2; attempt++ {
		recorder = env.do(t, http.MethodPost, "/places/"+testPlaceID+"/leave", alice, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("leave attempt %d failed: %d", attempt, recorder.Code)
		}
	}
	if _, ok := env.controller.ActiveMonitor(testPlaceID, "alice"); ok {
		t.Fatalf("expected leave to stop monitoring")
	}

	recorder = env.do(t, http.MethodGet, "/places/"+testPlaceID+"/members", bob, nil)
	decodeBody(t, recorder, &members)
	if len(members.InRange) != 2 {
		t.Fatalf("leaving keeps the member record, got %+v", members)
	}
	if members.InRange[0].UserID != "alice" || members.InRange[0].IsOnline || members.InRange[0].LeftAt == nil {
		t.Fatalf("expected alice to be marked left, got %+v", members.InRange[0])
	}
}

func TestCreatePlaceThenCreateAgainJoins(t *testing.T) {
	env := newTestEnv(t)
	token := signSessionToken(t, "carol", "Carol")
	env.reportLocation(t, token, 51.5, -0.12)

	recorder := env.do(t, http.MethodPost, "/places", token, map[string]string{"id": "PUB", "name": "The Pub"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = env.do(t, http.MethodPost, "/places", token, map[string]string{"id": "PUB", "name": "Another Pub"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 when joining an existing place, got %d", recorder.Code)
	}
	var response joinResponse
	decodeBody(t, recorder, &response)
	if response.Created || response.Place.Name != "The Pub" {
		t.Fatalf("unexpected response %+v", response)
	}

	recorder = env.do(t, http.MethodGet, "/places/PUB", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get place failed: %d", recorder.Code)
	}
	var place placePayload
	decodeBody(t, recorder, &place)
	if place.CreatedBy != "carol" || place.OriginGeohash == "" {
		t.Fatalf("unexpected place %+v", place)
	}
}

func TestMonitorEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := signSessionToken(t, "dave", "Dave")

	if recorder := env.do(t, http.MethodPost, "/places/"+testPlaceID+"/monitor", token, nil); recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if _, ok := env.controller.ActiveMonitor(testPlaceID, "dave"); !ok {
		t.Fatalf("expected active monitor")
	}
	if recorder := env.do(t, http.MethodDelete, "/places/"+testPlaceID+"/monitor", token, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if _, ok := env.controller.ActiveMonitor(testPlaceID, "dave"); ok {
		t.Fatalf("expected monitor to be stopped")
	}
}

func TestReportLocationValidation(t *testing.T) {
	env := newTestEnv(t)
	token := signSessionToken(t, "erin", "Erin")
	recorder := env.do(t, http.MethodPost, "/location", token, map[string]float64{"lat": 95, "lng": 0})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid coordinates, got %d", recorder.Code)
	}
	recorder = env.do(t, http.MethodPost, "/location", token, map[string]float64{"lat": 10})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing longitude, got %d", recorder.Code)
	}
}

func TestForgetLocationMakesJoinUnavailable(t *testing.T) {
	env := newTestEnv(t)
	token := signSessionToken(t, "hank", "Hank")
	env.reportLocation(t, token, 40.0, -73.0)

	if recorder := env.do(t, http.MethodDelete, "/location", token, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	recorder := env.do(t, http.MethodPost, "/places/"+testPlaceID+"/join", token, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 after forgetting location, got %d", recorder.Code)
	}
}

func TestDeactivatePlaceRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	owner := signSessionToken(t, "owner", "Owner")
	guest := signSessionToken(t, "ivy", "Ivy")

	if recorder := env.do(t, http.MethodDelete, "/places/"+testPlaceID, guest, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator, got %d", recorder.Code)
	}
	if recorder := env.do(t, http.MethodDelete, "/places/"+testPlaceID, owner, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for creator, got %d %s", recorder.Code, recorder.Body.String())
	}

	env.reportLocation(t, guest, 40.0, -73.0)
	recorder := env.do(t, http.MethodPost, "/places/"+testPlaceID+"/join", guest, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when joining an inactive place, got %d", recorder.Code)
	}
}

func TestProfileEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := signSessionToken(t, "frank", "Frank")

	recorder := env.do(t, http.MethodPatch, "/profile", token, map[string]string{"headline": "Barista"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("update profile failed: %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = env.do(t, http.MethodGet, "/profile", token, nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"headline":"Barista"`) {
		t.Fatalf("unexpected profile: %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestMetricsEndpointExposesSessionMetrics(t *testing.T) {
	env := newTestEnv(t)
	token := signSessionToken(t, "gina", "Gina")
	env.reportLocation(t, token, 40.0, -73.0)
	env.do(t, http.MethodPost, "/places/"+testPlaceID+"/join", token, nil)

	recorder := env.do(t, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("metrics failed: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `cirql_join_attempts_total{outcome="joined"} 1`) {
		t.Fatalf("expected join counter in metrics output, got %s", recorder.Body.String())
	}
}
