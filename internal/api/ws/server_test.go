package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Xziver/dg-core/internal/engine"
	"github.com/Xziver/dg-core/internal/game"
	"github.com/Xziver/dg-core/internal/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	seed := []error{
		store.PutGame(ctx, game.Game{ID: "game-1", Name: "Ward Nine", Status: game.GameStatusActive, DiceFaces: 6, CreatedBy: "keeper-1"}),
		store.PutMember(ctx, game.Member{GameID: "game-1", UserID: "keeper-1", Role: game.RoleKeeper}),
		store.PutSession(ctx, game.Session{ID: "sess-1", GameID: "game-1", Status: game.SessionStatusActive}),
		store.PutPatient(ctx, game.Patient{ID: "pat-1", GameID: "game-1", UserID: "user-1", Name: "Mirei", SoulChannel: game.ChannelCyan, RegionID: "reg-1"}),
		store.PutGhost(ctx, game.Ghost{
			ID: "ghost-1", GameID: "game-1", PatientID: "pat-1", ControllerPatientID: "pat-1",
			Name: "Mirei/G", Channels: game.ChannelVector{C: 3}, HP: 10, HPMax: 10,
		}),
	}
	for _, err := range seed {
		if err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	dispatcher, err := engine.New(engine.Config{
		Store: store,
		Now:   func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) },
		Seed:  func() (int64, error) { return 1, nil },
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	server := httptest.NewServer(NewServer(dispatcher, store, nil).Handler())
	t.Cleanup(server.Close)
	return server, store
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	res, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
}

func TestWSProcessesEnvelope(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)

	frame := `{"kind":"skill_check","game_id":"game-1","session_id":"sess-1","actor_id":"pat-1",
	  "seed":7,"payload":{"ghost_id":"ghost-1","channel":"C","difficulty":1}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var result engine.Result
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %+v", result.Err)
	}
	if result.Kind != engine.KindSkillCheck || result.Seq != 1 {
		t.Errorf("unexpected result: kind=%s seq=%d", result.Kind, result.Seq)
	}
}

func TestWSRejectsInvalidFrames(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)

	frames := []string{
		`not json`,
		`{"kind":"summon_titan","game_id":"game-1","actor_id":"pat-1"}`,
		`{"kind":"skill_check","actor_id":"pat-1"}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
		var result engine.Result
		if err := conn.ReadJSON(&result); err != nil {
			t.Fatalf("read result: %v", err)
		}
		if result.Success || result.Err == nil {
			t.Errorf("expected failed result for frame %q, got %+v", frame, result)
		}
		if result.Err.Class != engine.ClassValidation {
			t.Errorf("class = %s, want validation", result.Err.Class)
		}
	}

	// The connection survives rejected frames.
	good := `{"kind":"skill_check","game_id":"game-1","session_id":"sess-1","actor_id":"pat-1",
	  "payload":{"ghost_id":"ghost-1","channel":"C","difficulty":1}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(good)); err != nil {
		t.Fatalf("write good frame: %v", err)
	}
	var result engine.Result
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatalf("read good result: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success after rejected frames: %+v", result.Err)
	}
}

func TestWSRuleFailureComesBackAsResult(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)

	// ghost-1 cannot attack itself; the rejection is a failed result, not a
	// closed connection.
	frame := `{"kind":"attack","game_id":"game-1","session_id":"sess-1","actor_id":"pat-1",
	  "payload":{"ghost_id":"ghost-1","target_ghost_id":"ghost-1","channel":"C"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var result engine.Result
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if result.Success || result.Err == nil {
		t.Fatalf("expected failed result, got %+v", result)
	}
	if result.Err.Code != engine.CodeSelfTargeted {
		t.Errorf("code = %s, want %s", result.Err.Code, engine.CodeSelfTargeted)
	}
}

func TestTimelineEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialWS(t, server)

	for i := 0; i < 3; i++ {
		frame := `{"kind":"skill_check","game_id":"game-1","session_id":"sess-1","actor_id":"pat-1",
		  "payload":{"ghost_id":"ghost-1","channel":"C","difficulty":1}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
		var result engine.Result
		if err := conn.ReadJSON(&result); err != nil {
			t.Fatalf("read result %d: %v", i, err)
		}
	}

	res, err := http.Get(server.URL + "/timeline?session_id=sess-1&limit=2&offset=1")
	if err != nil {
		t.Fatalf("get timeline: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	var body struct {
		Entries []game.TimelineEntry `json:"entries"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].Seq != 2 || body.Entries[1].Seq != 3 {
		t.Errorf("unexpected page: %+v", body.Entries)
	}

	res, err = http.Get(server.URL + "/timeline")
	if err != nil {
		t.Fatalf("get timeline without session: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}
}
