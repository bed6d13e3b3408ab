package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/parleo/parleo/internal/cache"
	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/clock"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/database/models"
	"github.com/parleo/parleo/internal/events"
	"github.com/parleo/parleo/internal/ice"
	"github.com/parleo/parleo/internal/policy"
	"github.com/parleo/parleo/internal/sfu"
)

type sigEnv struct {
	hub   *Hub
	svc   *call.Service
	bus   *events.Bus
	clk   *clock.Fake
	store cache.Store
}

func newSigEnv(t *testing.T, sfuc *sfu.Client) *sigEnv {
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
	svc := call.NewService(store, database.NewCallHistoryRepository(db), bus, clk, logger)

	icep := ice.NewProvider(
		[]string{"stun:stun.parleo.test:3478"},
		[]string{"turn:turn.parleo.test:3478"},
		"turn-secret", 3600, false, clk,
	)

	hub := NewHub(svc, sfuc, icep, bus, store, policy.AllowAll{}, logger)
	hub.Start()
	return &sigEnv{hub: hub, svc: svc, bus: bus, clk: clk, store: store}
}

// connect registers a connectionless client; frames land in c.send.
func (e *sigEnv) connect(userID string) *Client {
	c := newClient(e.hub, nil, userID)
	e.hub.register(c)
	return c
}

func (e *sigEnv) send(c *Client, msgType string, payload any) {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(Envelope{Type: msgType, Payload: raw})
	e.hub.handleMessage(c, data)
}

// recv pops the next frame of the wanted type, skipping others.
func recv(t *testing.T, c *Client, msgType string) json.RawMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.send:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if env.Type == msgType {
				return env.Payload
			}
		case <-deadline:
			t.Fatalf("no %s frame received", msgType)
		}
	}
}

func noFrame(t *testing.T, c *Client, msgType string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case data := <-c.send:
			var env Envelope
			json.Unmarshal(data, &env)
			if env.Type == msgType {
				t.Fatalf("unexpected %s frame", msgType)
			}
		case <-deadline:
			return
		}
	}
}

func TestInitiateRingsCallee(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")
	bob := env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})

	var ringing RingingPayload
	if err := json.Unmarshal(recv(t, alice, MsgRinging), &ringing); err != nil {
		t.Fatal(err)
	}
	if ringing.Provider != call.ProviderP2P || len(ringing.ReceiverIDs) != 1 {
		t.Errorf("ringing = %+v", ringing)
	}
	if len(ringing.ICE.Servers) == 0 {
		t.Error("ringing payload missing ICE servers")
	}

	var incoming IncomingPayload
	if err := json.Unmarshal(recv(t, bob, MsgIncoming), &incoming); err != nil {
		t.Fatal(err)
	}
	if incoming.CallerID != "alice" || incoming.CallID != ringing.CallID {
		t.Errorf("incoming = %+v", incoming)
	}

	sess, err := env.svc.GetByCallID(context.Background(), ringing.CallID)
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if sess.Status != call.StateRinging {
		t.Errorf("status = %s, want ringing", sess.Status)
	}
}

func TestAcceptActivatesCall(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")
	bob := env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVideo})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(bob, MsgAccept, CallRef{CallID: ringing.CallID})

	var accepted ParticipantPayload
	json.Unmarshal(recv(t, alice, MsgAccepted), &accepted)
	if accepted.UserID != "bob" {
		t.Errorf("accepted by %s, want bob", accepted.UserID)
	}

	sess, err := env.svc.GetByCallID(context.Background(), ringing.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != call.StateActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
}

func TestRejectEndsOneToOneCall(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")
	bob := env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(bob, MsgReject, CallRef{CallID: ringing.CallID})

	var ended EndedPayload
	json.Unmarshal(recv(t, alice, MsgEnded), &ended)
	if ended.Status != models.CallRejected || ended.Reason != events.ReasonRejected {
		t.Errorf("ended = %+v", ended)
	}

	if _, err := env.svc.GetByCallID(context.Background(), ringing.CallID); call.KindOf(err) != call.KindNotFound {
		t.Errorf("session survived reject: %v", err)
	}
}

func TestHangupWhileRingingCancels(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")
	bob := env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(alice, MsgHangup, CallRef{CallID: ringing.CallID})

	var ended EndedPayload
	json.Unmarshal(recv(t, bob, MsgEnded), &ended)
	if ended.Status != models.CallCancelled {
		t.Errorf("status = %s, want cancelled", ended.Status)
	}
}

func TestOfflineCalleeTriggersPush(t *testing.T) {
	env := newSigEnv(t, nil)

	var mu sync.Mutex
	var pushes []events.PushNeeded
	env.bus.Subscribe(events.TopicCallPushNeeded, "capture", func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		pushes = append(pushes, e.(events.PushNeeded))
		return nil
	})

	alice := env.connect("alice")
	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	recv(t, alice, MsgRinging)

	mu.Lock()
	defer mu.Unlock()
	if len(pushes) != 1 || pushes[0].Reason != events.PushReasonCalleeOffline || pushes[0].UserID != "bob" {
		t.Errorf("pushes = %+v", pushes)
	}
}

func TestRingingAckCancelsWakeup(t *testing.T) {
	env := newSigEnv(t, nil)
	env.hub.ackTimeout = 60 * time.Millisecond

	var mu sync.Mutex
	var pushes int
	env.bus.Subscribe(events.TopicCallPushNeeded, "capture", func(context.Context, events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		pushes++
		return nil
	})

	alice := env.connect("alice")
	bob := env.connect("bob")
	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(bob, MsgRingingAck, CallRef{CallID: ringing.CallID})
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if pushes != 0 {
		t.Errorf("push fired despite ringing ack")
	}
}

func TestMissingRingingAckWakesCallee(t *testing.T) {
	env := newSigEnv(t, nil)
	env.hub.ackTimeout = 30 * time.Millisecond

	done := make(chan events.PushNeeded, 1)
	env.bus.Subscribe(events.TopicCallPushNeeded, "capture", func(_ context.Context, e events.Event) error {
		done <- e.(events.PushNeeded)
		return nil
	})

	alice := env.connect("alice")
	env.connect("bob")
	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	recv(t, alice, MsgRinging)

	select {
	case ev := <-done:
		if ev.Reason != events.PushReasonNoAck {
			t.Errorf("reason = %s, want %s", ev.Reason, events.PushReasonNoAck)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no wakeup published")
	}
}

func TestRingingTimeoutEndsCall(t *testing.T) {
	env := newSigEnv(t, nil)
	env.hub.ringingTimeout = 50 * time.Millisecond

	alice := env.connect("alice")
	env.connect("bob")
	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	var ended EndedPayload
	json.Unmarshal(recv(t, alice, MsgEnded), &ended)
	if ended.Status != models.CallNoAnswer || ended.Reason != events.ReasonTimeout {
		t.Errorf("ended = %+v", ended)
	}
}

func TestCandidatesAreBatched(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")
	bob := env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)
	env.send(bob, MsgAccept, CallRef{CallID: ringing.CallID})

	for _, cand := range []string{`{"candidate":"a"}`, `{"candidate":"b"}`, `{"candidate":"c"}`} {
		env.send(alice, MsgCandidate, CandidatePayload{CallID: ringing.CallID, Candidate: json.RawMessage(cand)})
	}

	var batch CandidateBatch
	json.Unmarshal(recv(t, bob, MsgCandidate), &batch)
	if len(batch.Candidates) != 3 || batch.FromUserID != "alice" {
		t.Errorf("batch = %+v", batch)
	}

	noFrame(t, alice, MsgCandidate, 120*time.Millisecond)
}

func TestOfferRelayedWithSender(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")
	bob := env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVideo})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(alice, MsgOffer, SDPPayload{CallID: ringing.CallID, SDP: json.RawMessage(`{"type":"offer"}`)})

	var offer SDPPayload
	json.Unmarshal(recv(t, bob, MsgOffer), &offer)
	if offer.FromUserID != "alice" || offer.CallID != ringing.CallID {
		t.Errorf("offer = %+v", offer)
	}
}

// fakeSFU answers the provider API with per-user tokens and records the
// requested size of each room.
type fakeSFU struct {
	*sfu.Client
	mu        sync.Mutex
	roomSizes map[string]int
}

func (f *fakeSFU) roomSize(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomSizes[name]
}

func newFakeSFU(t *testing.T) *fakeSFU {
	t.Helper()
	f := &fakeSFU{roomSizes: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/rooms":
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			if props, ok := req["properties"].(map[string]any); ok {
				f.mu.Lock()
				f.roomSizes[req["name"].(string)] = int(props["max_participants"].(float64))
				f.mu.Unlock()
			}
			json.NewEncoder(w).Encode(map[string]any{
				"name": req["name"],
				"url":  "https://sfu.parleo.test/" + req["name"].(string),
			})
		case r.Method == http.MethodPost && r.URL.Path == "/meeting-tokens":
			var req struct {
				Properties struct {
					UserID string `json:"user_id"`
				} `json:"properties"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]any{"token": "tok-" + req.Properties.UserID})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	f.Client = sfu.NewClient(srv.URL, "api-key", "https://sfu.parleo.test", clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	return f
}

func TestSwitchToSFUHandsOutCredentials(t *testing.T) {
	env := newSigEnv(t, newFakeSFU(t).Client)
	alice := env.connect("alice")
	bob := env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVideo})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)
	env.send(bob, MsgAccept, CallRef{CallID: ringing.CallID})

	env.send(alice, MsgSwitchToSFU, CallRef{CallID: ringing.CallID})

	for _, c := range []*Client{alice, bob} {
		var ready SFUReadyPayload
		json.Unmarshal(recv(t, c, MsgSFUReady), &ready)
		if ready.Token != "tok-"+c.userID || ready.RoomName != sfu.RoomName(ringing.CallID) {
			t.Errorf("sfu-ready for %s = %+v", c.userID, ready)
		}
	}

	sess, err := env.svc.GetByCallID(context.Background(), ringing.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Provider != call.ProviderSFU {
		t.Errorf("provider = %s, want sfu", sess.Provider)
	}
}

func TestGroupCallStartsOnSFU(t *testing.T) {
	fake := newFakeSFU(t)
	env := newSigEnv(t, fake.Client)
	alice := env.connect("alice")
	bob := env.connect("bob")
	env.connect("carol")

	env.send(alice, MsgInitiate, InitiatePayload{
		CalleeID:    "bob",
		ReceiverIDs: []string{"carol"},
		CallType:    call.TypeVideo,
	})

	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)
	if ringing.Provider != call.ProviderSFU {
		t.Errorf("provider = %s, want sfu", ringing.Provider)
	}

	// The caller's frame carries a token for every party member; receivers
	// get their own inside the ring.
	var ready SFUReadyPayload
	json.Unmarshal(recv(t, alice, MsgSFUReady), &ready)
	if ready.Token != "tok-alice" || ready.RoomName != sfu.RoomName(ringing.CallID) {
		t.Errorf("caller credentials = %+v", ready)
	}
	if len(ready.Tokens) != 3 {
		t.Fatalf("caller holds %d tokens, want 3", len(ready.Tokens))
	}
	for _, userID := range []string{"alice", "bob", "carol"} {
		if ready.Tokens[userID] != "tok-"+userID {
			t.Errorf("token for %s = %q", userID, ready.Tokens[userID])
		}
	}
	var incoming IncomingPayload
	json.Unmarshal(recv(t, bob, MsgIncoming), &incoming)
	if incoming.Token == "" || incoming.RoomURL == "" {
		t.Errorf("receiver ring missing credentials: %+v", incoming)
	}

	sess, err := env.svc.GetByCallID(context.Background(), ringing.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.SFURoomName != sfu.RoomName(ringing.CallID) {
		t.Errorf("room name = %q", sess.SFURoomName)
	}
	if got := fake.roomSize(sess.SFURoomName); got != 3 {
		t.Errorf("room sized for %d, want the 3-person party", got)
	}
}

func TestGroupRejectDoesNotEndCall(t *testing.T) {
	env := newSigEnv(t, newFakeSFU(t).Client)
	alice := env.connect("alice")
	bob := env.connect("bob")
	env.connect("carol")

	env.send(alice, MsgInitiate, InitiatePayload{
		CalleeID:    "bob",
		ReceiverIDs: []string{"carol"},
		CallType:    call.TypeVoice,
	})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(bob, MsgReject, CallRef{CallID: ringing.CallID})

	var left ParticipantPayload
	json.Unmarshal(recv(t, alice, MsgPeerLeft), &left)
	if left.UserID != "bob" {
		t.Errorf("left by %s, want bob", left.UserID)
	}

	if _, err := env.svc.GetByCallID(context.Background(), ringing.CallID); err != nil {
		t.Errorf("group call ended by a single reject: %v", err)
	}
	if _, err := env.svc.GetByUserID(context.Background(), "bob"); call.KindOf(err) != call.KindNotFound {
		t.Errorf("rejecting receiver still busy: %v", err)
	}
}

func TestGroupHangupLeavesCallRunning(t *testing.T) {
	env := newSigEnv(t, newFakeSFU(t).Client)
	alice := env.connect("alice")
	bob := env.connect("bob")
	carol := env.connect("carol")

	env.send(alice, MsgInitiate, InitiatePayload{
		CalleeID:    "bob",
		ReceiverIDs: []string{"carol"},
		CallType:    call.TypeVoice,
	})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(bob, MsgAccept, CallRef{CallID: ringing.CallID})
	recv(t, alice, MsgPeerJoined)

	env.send(bob, MsgHangup, CallRef{CallID: ringing.CallID})

	var left ParticipantPayload
	json.Unmarshal(recv(t, carol, MsgPeerLeft), &left)
	if left.UserID != "bob" {
		t.Errorf("left by %s, want bob", left.UserID)
	}

	if _, err := env.svc.GetByCallID(context.Background(), ringing.CallID); err != nil {
		t.Errorf("group call ended by one hangup: %v", err)
	}
	if _, err := env.svc.GetByUserID(context.Background(), "bob"); call.KindOf(err) != call.KindNotFound {
		t.Errorf("departed receiver still busy: %v", err)
	}
}

func TestICERestartEchoesFreshCredentials(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")
	bob := env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVideo})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)
	env.send(bob, MsgAccept, CallRef{CallID: ringing.CallID})

	env.send(alice, MsgICERestart, SDPPayload{CallID: ringing.CallID, SDP: json.RawMessage(`{"type":"offer"}`)})

	var notify SDPPayload
	json.Unmarshal(recv(t, bob, MsgICERestart), &notify)
	if notify.FromUserID != "alice" || notify.ICE != nil {
		t.Errorf("peer notification = %+v", notify)
	}

	var echo SDPPayload
	json.Unmarshal(recv(t, alice, MsgICERestart), &echo)
	if echo.ICE == nil || len(echo.ICE.Servers) == 0 {
		t.Errorf("restart echo missing ice config: %+v", echo)
	}
}

func TestErrorFrameOnUnknownCall(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")

	env.send(alice, MsgAccept, CallRef{CallID: "nope"})

	var perr ErrorPayload
	json.Unmarshal(recv(t, alice, MsgError), &perr)
	if perr.Code != "NOT_FOUND" {
		t.Errorf("code = %s, want NOT_FOUND", perr.Code)
	}
}

func TestPolicyDenialBlocksInitiate(t *testing.T) {
	env := newSigEnv(t, nil)
	env.hub.checker = policy.Func(func(context.Context, string, []string) error {
		return call.E(call.KindForbidden, "blocked")
	})

	alice := env.connect("alice")
	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})

	var perr ErrorPayload
	json.Unmarshal(recv(t, alice, MsgError), &perr)
	if perr.Code != "FORBIDDEN" {
		t.Errorf("code = %s, want FORBIDDEN", perr.Code)
	}
	if _, err := env.svc.GetByUserID(context.Background(), "alice"); call.KindOf(err) != call.KindNotFound {
		t.Errorf("session created despite policy denial: %v", err)
	}
}

func TestMediaProgressReachesUploader(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")

	ev := events.NewMediaEvent(events.TopicMediaProcessed, events.MediaEvent{
		AttachmentID: "att-1",
		UploaderID:   "alice",
		MediaType:    "image",
		Status:       "ready",
		Progress:     100,
		ThumbnailURL: "https://cdn.parleo.test/t.jpg",
		CDNURL:       "https://cdn.parleo.test/o.jpg",
	})
	if err := env.bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var progress MediaProgressPayload
	json.Unmarshal(recv(t, alice, progressType("att-1")), &progress)
	if progress.Status != "ready" || progress.Progress != 100 {
		t.Errorf("progress = %+v", progress)
	}
	if progress.ThumbnailURL == "" || progress.CDNURL == "" {
		t.Errorf("completed frame missing rendition urls: %+v", progress)
	}
}

func TestMediaCompletionFansOutToConversationViewers(t *testing.T) {
	env := newSigEnv(t, nil)
	alice := env.connect("alice")
	bob := env.connect("bob")
	carol := env.connect("carol")

	env.send(bob, MsgConvEnter, ConvRef{ConversationID: "conv-9"})
	env.send(carol, MsgConvEnter, ConvRef{ConversationID: "other"})

	ev := events.NewMediaEvent(events.TopicMediaProcessed, events.MediaEvent{
		AttachmentID:   "att-2",
		UploaderID:     "alice",
		ConversationID: "conv-9",
		MediaType:      "image",
		Status:         "ready",
		Progress:       100,
		CDNURL:         "https://cdn.parleo.test/a.jpg",
	})
	if err := env.bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recv(t, alice, progressType("att-2"))
	var progress MediaProgressPayload
	json.Unmarshal(recv(t, bob, progressType("att-2")), &progress)
	if progress.CDNURL == "" {
		t.Errorf("viewer frame missing url: %+v", progress)
	}
	noFrame(t, carol, progressType("att-2"), 100*time.Millisecond)

	// Leaving the conversation stops the fan-out.
	env.send(bob, MsgConvLeave, ConvRef{ConversationID: "conv-9"})
	if err := env.bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	noFrame(t, bob, progressType("att-2"), 100*time.Millisecond)
}

func TestSwitchRefusedWhileRinging(t *testing.T) {
	env := newSigEnv(t, newFakeSFU(t).Client)
	alice := env.connect("alice")
	env.connect("bob")

	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVideo})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(alice, MsgSwitchToSFU, CallRef{CallID: ringing.CallID})

	var perr ErrorPayload
	json.Unmarshal(recv(t, alice, MsgError), &perr)
	if perr.Code != "BUSY" {
		t.Errorf("code = %s, want BUSY", perr.Code)
	}

	sess, err := env.svc.GetByCallID(context.Background(), ringing.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Provider != call.ProviderP2P {
		t.Errorf("provider = %s, ringing call escalated", sess.Provider)
	}
}

func TestReconnectWithinGraceKeepsCall(t *testing.T) {
	env := newSigEnv(t, nil)
	env.hub.disconnectGrace = 80 * time.Millisecond

	alice := env.connect("alice")
	bob := env.connect("bob")
	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)
	env.send(bob, MsgAccept, CallRef{CallID: ringing.CallID})
	recv(t, alice, MsgAccepted)

	env.hub.unregister(bob)
	recv(t, alice, MsgPeerGone)

	env.connect("bob")
	var back ParticipantPayload
	json.Unmarshal(recv(t, alice, MsgPeerBack), &back)
	if back.UserID != "bob" {
		t.Errorf("reconnected user = %s, want bob", back.UserID)
	}

	// Well past the grace window the call must still be up.
	time.Sleep(200 * time.Millisecond)
	sess, err := env.svc.GetByCallID(context.Background(), ringing.CallID)
	if err != nil {
		t.Fatalf("call ended despite reconnect: %v", err)
	}
	if sess.Status != call.StateActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
}

func TestDisconnectGraceExpiryEndsCall(t *testing.T) {
	env := newSigEnv(t, nil)
	env.hub.disconnectGrace = 30 * time.Millisecond

	alice := env.connect("alice")
	bob := env.connect("bob")
	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVoice})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)
	env.send(bob, MsgAccept, CallRef{CallID: ringing.CallID})
	recv(t, alice, MsgAccepted)

	env.hub.unregister(bob)

	var ended EndedPayload
	json.Unmarshal(recv(t, alice, MsgEnded), &ended)
	if ended.Status != models.CallCompleted || ended.Reason != events.ReasonNetworkDrop {
		t.Errorf("ended = %+v, want completed/NETWORK_DROP", ended)
	}
	if _, err := env.svc.GetByCallID(context.Background(), ringing.CallID); call.KindOf(err) != call.KindNotFound {
		t.Errorf("session survived grace expiry: %v", err)
	}
}

func TestRingingCalleeReinvitedOnReconnect(t *testing.T) {
	env := newSigEnv(t, nil)
	env.hub.disconnectGrace = 300 * time.Millisecond

	alice := env.connect("alice")
	bob := env.connect("bob")
	env.send(alice, MsgInitiate, InitiatePayload{CalleeID: "bob", CallType: call.TypeVideo})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)
	recv(t, bob, MsgIncoming)

	env.hub.unregister(bob)
	bob2 := env.connect("bob")

	var incoming IncomingPayload
	json.Unmarshal(recv(t, bob2, MsgIncoming), &incoming)
	if incoming.CallID != ringing.CallID || incoming.CallerID != "alice" {
		t.Errorf("reinvite = %+v", incoming)
	}
	if len(incoming.ICE.Servers) == 0 {
		t.Error("reinvite missing ICE servers")
	}
}

func TestGroupAcceptAnnouncesParticipant(t *testing.T) {
	env := newSigEnv(t, newFakeSFU(t).Client)
	alice := env.connect("alice")
	bob := env.connect("bob")
	carol := env.connect("carol")

	env.send(alice, MsgInitiate, InitiatePayload{
		CalleeID:    "bob",
		ReceiverIDs: []string{"carol"},
		CallType:    call.TypeVideo,
	})
	var ringing RingingPayload
	json.Unmarshal(recv(t, alice, MsgRinging), &ringing)

	env.send(bob, MsgAccept, CallRef{CallID: ringing.CallID})

	for _, c := range []*Client{alice, carol} {
		var joined ParticipantPayload
		json.Unmarshal(recv(t, c, MsgPeerJoined), &joined)
		if joined.UserID != "bob" {
			t.Errorf("joined for %s = %+v", c.userID, joined)
		}
	}
}
