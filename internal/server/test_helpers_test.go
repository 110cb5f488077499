package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/database"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geolocation"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/places"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/proximity"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/roster"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/session"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/users"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "cirql_session"
	testPlaceID       = "ROOM1"
)

var testOrigin = geo.Point{Lat: 40.0, Lng: -73.0}

type testEnv struct {
	handler    http.Handler
	places     *places.Store
	presence   *presence.Store
	locations  *geolocation.Reports
	controller *session.Controller
	realtime   *RealtimeDispatcher
	redis      *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	placeStore, err := places.NewStore(places.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build place store: %v", err)
	}
	presenceStore, err := presence.NewStore(presence.Config{Client: client, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build presence store: %v", err)
	}
	reports, err := geolocation.NewReports(geolocation.Config{Client: client})
	if err != nil {
		t.Fatalf("failed to build location reports: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	policy := proximity.NewPolicy(proximity.DefaultRadiusMeters)
	dispatcher := NewRealtimeDispatcher()
	metrics := session.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}
	controller, err := session.NewController(session.Config{
		Places:    placeStore,
		Presence:  presenceStore,
		Locations: reports,
		Profiles:  userService,
		Policy:    policy,
		Events:    dispatcher.SessionPublisher(),
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build controller: %v", err)
	}
	t.Cleanup(controller.Close)
	rosterQuery, err := roster.NewQuery(roster.Config{
		Members:  placeStore,
		Profiles: userService,
		Presence: presenceStore,
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to build roster: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Validator:         validator,
		Users:             userService,
		Sessions:          controller,
		Places:            placeStore,
		Roster:            rosterQuery,
		Presence:          presenceStore,
		Locations:         reports,
		Realtime:          dispatcher,
		Metrics:           registry,
		HeartbeatInterval: time.Hour,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	if _, err := placeStore.CreatePlace(context.Background(), testPlaceID, "Room One", testOrigin, "owner"); err != nil {
		t.Fatalf("failed to seed place: %v", err)
	}

	return &testEnv{
		handler:    handler,
		places:     placeStore,
		presence:   presenceStore,
		locations:  reports,
		controller: controller,
		realtime:   dispatcher,
		redis:      mr,
	}
}

func signSessionToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func (e *testEnv) reportLocation(t *testing.T, token string, lat, lng float64) {
	t.Helper()
	recorder := e.do(t, http.MethodPost, "/location", token, map[string]float64{"lat": lat, "lng": lng})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("location report failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
