package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/parleo/parleo/internal/api/middleware"
	"github.com/parleo/parleo/internal/cache"
	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/clock"
	"github.com/parleo/parleo/internal/config"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/database/models"
	"github.com/parleo/parleo/internal/events"
	"github.com/parleo/parleo/internal/ice"
	"github.com/parleo/parleo/internal/media"
	"github.com/parleo/parleo/internal/policy"
	"github.com/parleo/parleo/internal/queue"
	"github.com/parleo/parleo/internal/signaling"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

// noopQueue satisfies queue.Queue; REST tests never run workers.
type noopQueue struct{}

func (noopQueue) EnqueueImage(context.Context, string) error { return nil }
func (noopQueue) EnqueueVideo(context.Context, string) error { return nil }
func (noopQueue) EnqueueFile(context.Context, string) error  { return nil }
func (noopQueue) Stats() queue.Stats                         { return queue.Stats{} }

type apiEnv struct {
	srv   *httptest.Server
	calls *call.Service
	clk   *clock.Fake
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := cache.NewRedisWithClient(client, logger)
	t.Cleanup(func() { store.Close() })

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	bus := events.NewBus(logger)
	calls := call.NewService(store, database.NewCallHistoryRepository(db), bus, clk, logger)

	blob, err := media.NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}
	cfg := &config.Config{
		MaxImageMB:       25,
		MaxVideoMB:       500,
		MaxAudioMB:       50,
		MaxDocumentMB:    100,
		UploadURLTTL:     900,
		QueueMaxAttempts: 3,
		RetentionDays:    30,
		CDNBaseURL:       "https://cdn.parleo.test",
	}
	medias := media.NewService(database.NewMediaRepository(db), blob, media.NewURLSigner(testSecret), noopQueue{}, bus, cfg, clk, logger)

	icep := ice.NewProvider([]string{"stun:stun.parleo.test:3478"}, nil, "", 3600, false, clk)
	hub := signaling.NewHub(calls, nil, icep, bus, store, policy.AllowAll{}, logger)

	s := NewServer(Deps{
		Config: cfg,
		Logger: logger,
		Calls:  calls,
		Media:  medias,
		ICE:    icep,
		Hub:    hub,
		Tokens: database.NewPushTokenRepository(db),
		Secret: testSecret,
	})
	t.Cleanup(s.Close)

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, calls: calls, clk: clk}
}

func (e *apiEnv) request(t *testing.T, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "" {
		token, _, err := middleware.GenerateToken(testSecret, userID, "test-device")
		if err != nil {
			t.Fatalf("GenerateToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealthUnauthenticated(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env := newAPIEnv(t)
	for _, path := range []string{"/api/v1/calls/history", "/api/v1/ice", "/api/v1/calls/missed/count"} {
		resp, _ := env.request(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestRejectsGarbageToken(t *testing.T) {
	env := newAPIEnv(t)
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/ice", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestICEBundle(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.request(t, http.MethodGet, "/api/v1/ice", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out struct {
		Data ice.Bundle `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data.Servers) != 1 || out.Data.TransportPolicy != "all" {
		t.Errorf("bundle = %+v", out.Data)
	}
}

func TestEndCallOverREST(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	sess, err := env.calls.StartCall(ctx, "alice", "bob", call.TypeVoice, call.ProviderP2P, "", nil)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := env.calls.UpdateStatus(ctx, sess.CallID, call.EventAccept); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	env.clk.Advance(90 * time.Second)

	resp, body := env.request(t, http.MethodPost, "/api/v1/calls/"+sess.CallID+"/end", "alice",
		endCallRequest{Status: models.CallCompleted, Reason: events.ReasonUserHangup})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out struct {
		Data call.HistoryResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Data.Duration != 90 || out.Data.Status != models.CallCompleted {
		t.Errorf("response = %+v", out.Data)
	}

	// Ending again returns the same finalized record.
	resp, body = env.request(t, http.MethodPost, "/api/v1/calls/"+sess.CallID+"/end", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second end: status = %d, body %s", resp.StatusCode, body)
	}
}

func TestOutsiderCannotEndCall(t *testing.T) {
	env := newAPIEnv(t)
	sess, err := env.calls.StartCall(context.Background(), "alice", "bob", call.TypeVoice, call.ProviderP2P, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, _ := env.request(t, http.MethodPost, "/api/v1/calls/"+sess.CallID+"/end", "mallory", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestOutsiderCannotReadFinalizedCall(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	sess, err := env.calls.StartCall(ctx, "alice", "bob", call.TypeVoice, call.ProviderP2P, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.calls.UpdateStatus(ctx, sess.CallID, call.EventAccept); err != nil {
		t.Fatal(err)
	}
	if _, err := env.calls.EndCall(ctx, sess.CallID, models.CallCompleted, events.ReasonUserHangup); err != nil {
		t.Fatal(err)
	}

	// The cached finalize result is still warm; only participants may read it.
	resp, _ := env.request(t, http.MethodPost, "/api/v1/calls/"+sess.CallID+"/end", "mallory", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("outsider read: status = %d, want 403", resp.StatusCode)
	}

	resp, body := env.request(t, http.MethodPost, "/api/v1/calls/"+sess.CallID+"/end", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("participant read: status = %d, body %s", resp.StatusCode, body)
	}
}

func TestTeardownEndsCurrentCall(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	sess, err := env.calls.StartCall(ctx, "alice", "bob", call.TypeVoice, call.ProviderP2P, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.calls.UpdateStatus(ctx, sess.CallID, call.EventAccept); err != nil {
		t.Fatal(err)
	}
	env.clk.Advance(10 * time.Second)

	resp, body := env.request(t, http.MethodDelete, "/api/v1/calls/current", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("teardown: status = %d, body %s", resp.StatusCode, body)
	}
	if _, err := env.calls.GetByCallID(ctx, sess.CallID); call.KindOf(err) != call.KindNotFound {
		t.Errorf("session survived teardown: %v", err)
	}

	// No live call is fine too.
	resp, _ = env.request(t, http.MethodDelete, "/api/v1/calls/current", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("repeat teardown: status = %d", resp.StatusCode)
	}
}

func TestCallHistoryAndMissedBadge(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	sess, err := env.calls.StartCall(ctx, "alice", "bob", call.TypeVoice, call.ProviderP2P, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.calls.EndGracefully(ctx, sess.CallID, events.ReasonTimeout); err != nil {
		t.Fatal(err)
	}

	resp, body := env.request(t, http.MethodGet, "/api/v1/calls/history", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status = %d, body %s", resp.StatusCode, body)
	}
	var hist struct {
		Data []callRecordView `json:"data"`
	}
	if err := json.Unmarshal(body, &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Data) != 1 || hist.Data[0].Status != models.CallNoAnswer {
		t.Errorf("history = %+v", hist.Data)
	}

	resp, body = env.request(t, http.MethodGet, "/api/v1/calls/missed/count", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("missed count: status = %d", resp.StatusCode)
	}
	var count struct {
		Data map[string]int `json:"data"`
	}
	json.Unmarshal(body, &count)
	if count.Data["count"] != 1 {
		t.Errorf("missed count = %d, want 1", count.Data["count"])
	}

	env.clk.Advance(time.Second)
	if resp, _ = env.request(t, http.MethodPost, "/api/v1/calls/missed/viewed", "bob", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("mark viewed: status = %d", resp.StatusCode)
	}
	resp, body = env.request(t, http.MethodGet, "/api/v1/calls/missed/count", "bob", nil)
	json.Unmarshal(body, &count)
	if count.Data["count"] != 0 {
		t.Errorf("missed count after viewed = %d, want 0", count.Data["count"])
	}
}

func TestMediaUploadFlow(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/v1/media", "alice", initiateRequest{
		Filename: "notes.pdf",
		MimeType: "application/pdf",
		Size:     1024,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate: status = %d, body %s", resp.StatusCode, body)
	}
	var initiated struct {
		Data media.InitiateResult `json:"data"`
	}
	if err := json.Unmarshal(body, &initiated); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(initiated.Data.UploadPath, "/upload/") {
		t.Fatalf("upload path = %q", initiated.Data.UploadPath)
	}

	// The signed PUT needs no bearer token.
	content := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte("x"), 64)...)
	req, _ := http.NewRequest(http.MethodPut, env.srv.URL+initiated.Data.UploadPath, bytes.NewReader(content))
	upResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	upResp.Body.Close()
	if upResp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status = %d", upResp.StatusCode)
	}

	resp, body = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/media/%s/confirm", initiated.Data.UploadID), "alice",
		confirmRequest{MessageID: "msg-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: status = %d, body %s", resp.StatusCode, body)
	}
	var confirmed struct {
		Data attachmentView `json:"data"`
	}
	if err := json.Unmarshal(body, &confirmed); err != nil {
		t.Fatal(err)
	}
	if confirmed.Data.ProcessingStatus != "ready" || confirmed.Data.URL == "" {
		t.Errorf("confirmed = %+v", confirmed.Data)
	}

	// Someone else cannot delete it.
	resp, _ = env.request(t, http.MethodDelete, "/api/v1/media/attachments/"+confirmed.Data.ID, "mallory", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign delete: status = %d, want 403", resp.StatusCode)
	}
	resp, _ = env.request(t, http.MethodDelete, "/api/v1/media/attachments/"+confirmed.Data.ID, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}
}

func TestUploadRejectsBadSignature(t *testing.T) {
	env := newAPIEnv(t)
	req, _ := http.NewRequest(http.MethodPut, env.srv.URL+"/upload/bogus?exp=9999999999&sig=deadbeef", strings.NewReader("x"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestPushTokenLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/v1/push-tokens", "bob", pushTokenRequest{
		Token:    "fcm-token-1",
		Platform: "fcm",
		DeviceID: "pixel-9",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status = %d, body %s", resp.StatusCode, body)
	}

	resp, _ = env.request(t, http.MethodPost, "/api/v1/push-tokens", "bob", pushTokenRequest{Token: "x", Platform: "carrier-pigeon"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad platform: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = env.request(t, http.MethodDelete, "/api/v1/push-tokens/fcm-token-1", "bob", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}
}
