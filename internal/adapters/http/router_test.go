package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	stdhttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/Pulse/internal/adapters/auth"
	"github.com/dkeye/Pulse/internal/adapters/storage"
	"github.com/dkeye/Pulse/internal/adapters/store"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/domain"
)

type testServer struct {
	router *gin.Engine
	jwt    *auth.JWTVerifier
	store  *store.GormStore
	orch   *orch.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, tweak func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(config.DatabaseConfig{
		Driver:      "sqlite",
		FilePath:    filepath.Join(t.TempDir(), "pulse.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	messages := store.NewGormStore(db)

	files, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir(), MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	jwt, err := auth.NewJWTVerifier("test-secret", "portal")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	m := app.NewMetrics(nil)
	out := app.NewFanout(app.SimplePolicy{}, m)
	reg := app.NewRegistry()
	out.Kicker = reg
	rooms := app.NewRoomIndex(messages)
	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    rooms,
		Presence: app.NewPresence(reg, out, nil, m),
		Typing:   app.NewTyping(rooms, out),
		Relay:    app.NewRelay(messages, rooms, out, m),
		Video:    app.NewVideoMesh(app.DefaultVideoCapacity, out, m),
		Out:      out,
		Metrics:  m,
	}

	cfg := &config.Config{
		Mode:        "test",
		Secret:      "0123456789abcdef0123456789abcdef",
		SessionName: "pulse_test",
		Attachments: config.AttachmentsConfig{MaxSize: 1 << 20},
		ICEServers: []config.ICEServerConfig{
			{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"},
		},
	}
	if tweak != nil {
		tweak(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := SetupRouter(ctx, cfg, Deps{
		Orch:            o,
		Identity:        jwt,
		Messages:        messages,
		Groups:          messages,
		Attachments:     files,
		AttachmentIndex: messages,
		GroupAdmin:      messages,
		Metrics:         m,
	})
	return &testServer{router: r, jwt: jwt, store: messages, orch: o}
}

func (s *testServer) token(t *testing.T, id domain.UserID, name string) string {
	t.Helper()
	tok, err := s.jwt.Issue(domain.User{ID: id, Name: name}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (s *testServer) do(req *stdhttp.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestHealthAndAuthGate(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/healthz", nil), ""); w.Code != stdhttp.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
	w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/presence", nil), "")
	if w.Code != stdhttp.StatusUnauthorized {
		t.Fatalf("anonymous presence = %d", w.Code)
	}
	var body errorBody
	decode(t, w, &body)
	if body.Code != domain.CodeUnauthorized {
		t.Fatalf("error body = %+v", body)
	}
	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/presence", nil), s.token(t, 1, "Ana")); w.Code != stdhttp.StatusOK {
		t.Fatalf("authed presence = %d", w.Code)
	}
	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/metrics", nil), ""); w.Code != stdhttp.StatusOK || !strings.Contains(w.Body.String(), "pulse_online_users") {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func TestICEServersAddsSTUNFallback(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/ice-servers", nil), "")
	var body struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	decode(t, w, &body)
	if len(body.ICEServers) != 2 || body.ICEServers[0].URLs[0] != defaultSTUN {
		t.Fatalf("ice servers = %+v", body.ICEServers)
	}
}

func TestSessionCookie(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(stdhttp.MethodPost, "/api/session", nil), s.token(t, 4, "Dee"))
	if w.Code != stdhttp.StatusOK {
		t.Fatalf("create session = %d %s", w.Code, w.Body.String())
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no session cookie")
	}

	req := httptest.NewRequest(stdhttp.MethodGet, "/api/presence", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if w := s.do(req, ""); w.Code != stdhttp.StatusOK {
		t.Fatalf("presence with cookie = %d", w.Code)
	}
}

func multipartMessage(t *testing.T, fields map[string]string, fileName, fileBody string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		io.WriteString(fw, fileBody)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestSendMessageWithAttachmentAndHistory(t *testing.T) {
	s := newTestServer(t)
	ana, ben := s.token(t, 1, "Ana"), s.token(t, 2, "Ben")

	body, ct := multipartMessage(t, map[string]string{"recipient_id": "2", "content": "see attached"}, "notes.txt", "hello")
	req := httptest.NewRequest(stdhttp.MethodPost, "/api/messages", body)
	req.Header.Set("Content-Type", ct)
	w := s.do(req, ana)
	if w.Code != stdhttp.StatusOK {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}

	w = s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/messages?recipient_id=1", nil), ben)
	if w.Code != stdhttp.StatusOK {
		t.Fatalf("history = %d %s", w.Code, w.Body.String())
	}
	var page struct {
		Messages []struct {
			Content        string `json:"content"`
			AttachmentRef  string `json:"attachment_ref"`
			AttachmentName string `json:"attachment_name"`
			IsMe           bool   `json:"is_me"`
			IsRead         bool   `json:"is_read"`
		} `json:"messages"`
		UnreadCount int64 `json:"unread_count"`
		HasMore     bool  `json:"has_more"`
	}
	decode(t, w, &page)
	if len(page.Messages) != 1 {
		t.Fatalf("messages = %+v", page.Messages)
	}
	msg := page.Messages[0]
	if msg.Content != "see attached" || msg.AttachmentName != "notes.txt" || msg.IsMe || !msg.IsRead {
		t.Fatalf("message = %+v", msg)
	}
	if page.UnreadCount != 0 || page.HasMore {
		t.Fatalf("page = %+v", page)
	}

	w = s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/attachments/"+msg.AttachmentRef, nil), ben)
	if w.Code != stdhttp.StatusOK || w.Body.String() != "hello" {
		t.Fatalf("download = %d %q", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "notes.txt") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/attachments/"+msg.AttachmentRef, nil), ana); w.Code != stdhttp.StatusOK {
		t.Fatalf("sender download = %d", w.Code)
	}
	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/attachments/"+msg.AttachmentRef, nil), s.token(t, 3, "Cat")); w.Code != stdhttp.StatusNotFound {
		t.Fatalf("outsider download = %d", w.Code)
	}
}

func TestGroupAttachmentLimitedToMembers(t *testing.T) {
	s := newTestServer(t)
	ana, ben, cat := s.token(t, 1, "Ana"), s.token(t, 2, "Ben"), s.token(t, 3, "Cat")
	gid, err := s.store.CreateGroup(context.Background(), "ops", 1, []domain.UserID{2})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	body, ct := multipartMessage(t, map[string]string{"group_id": gid.String()}, "plan.txt", "steps")
	req := httptest.NewRequest(stdhttp.MethodPost, "/api/messages", body)
	req.Header.Set("Content-Type", ct)
	if w := s.do(req, ana); w.Code != stdhttp.StatusOK {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}
	hp, err := s.store.FetchHistory(context.Background(), 1, domain.Conversation{GroupID: &gid}, 1)
	if err != nil || len(hp.Messages) != 1 {
		t.Fatalf("history: %v %v", hp.Messages, err)
	}
	url := "/api/attachments/" + hp.Messages[0].AttachmentRef

	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, url, nil), ben); w.Code != stdhttp.StatusOK || w.Body.String() != "steps" {
		t.Fatalf("member download = %d %q", w.Code, w.Body.String())
	}
	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, url, nil), cat); w.Code != stdhttp.StatusNotFound {
		t.Fatalf("outsider download = %d", w.Code)
	}

	// uploaded but never sent: nobody reads it through this route
	body, ct = multipartMessage(t, nil, "draft.txt", "wip")
	req = httptest.NewRequest(stdhttp.MethodPost, "/api/attachments", body)
	req.Header.Set("Content-Type", ct)
	w := s.do(req, ana)
	if w.Code != stdhttp.StatusCreated {
		t.Fatalf("upload = %d %s", w.Code, w.Body.String())
	}
	var up struct {
		Ref string `json:"attachment_ref"`
	}
	decode(t, w, &up)
	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/attachments/"+up.Ref, nil), cat); w.Code != stdhttp.StatusNotFound {
		t.Fatalf("unsent attachment download = %d", w.Code)
	}
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestServer(t)
	ana := s.token(t, 1, "Ana")

	body, ct := multipartMessage(t, map[string]string{"recipient_id": "2", "group_id": "1", "content": "x"}, "", "")
	req := httptest.NewRequest(stdhttp.MethodPost, "/api/messages", body)
	req.Header.Set("Content-Type", ct)
	if w := s.do(req, ana); w.Code != stdhttp.StatusBadRequest {
		t.Fatalf("both targets = %d", w.Code)
	}

	w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/messages", nil), ana)
	if w.Code != stdhttp.StatusBadRequest {
		t.Fatalf("history without target = %d", w.Code)
	}
}

func TestGroupEndpoints(t *testing.T) {
	s := newTestServer(t)
	ana, ben, cat := s.token(t, 1, "Ana"), s.token(t, 2, "Ben"), s.token(t, 3, "Cat")

	req := httptest.NewRequest(stdhttp.MethodPost, "/api/groups", strings.NewReader(`{"name":"ops","members":[2]}`))
	req.Header.Set("Content-Type", "application/json")
	w := s.do(req, ana)
	if w.Code != stdhttp.StatusCreated {
		t.Fatalf("create group = %d %s", w.Code, w.Body.String())
	}
	var created struct {
		GroupID domain.GroupID `json:"group_id"`
		RoomID  string         `json:"room_id"`
	}
	decode(t, w, &created)
	if created.RoomID != string(domain.GroupRoom(created.GroupID)) {
		t.Fatalf("created = %+v", created)
	}
	gid := created.GroupID.String()

	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/messages?group_id="+gid, nil), cat); w.Code != stdhttp.StatusForbidden {
		t.Fatalf("outsider history = %d", w.Code)
	}

	req = httptest.NewRequest(stdhttp.MethodPost, "/api/groups/"+gid+"/members", strings.NewReader(`{"user_id":3}`))
	req.Header.Set("Content-Type", "application/json")
	if w := s.do(req, cat); w.Code != stdhttp.StatusForbidden {
		t.Fatalf("outsider add member = %d", w.Code)
	}
	req = httptest.NewRequest(stdhttp.MethodPost, "/api/groups/"+gid+"/members", strings.NewReader(`{"user_id":3}`))
	req.Header.Set("Content-Type", "application/json")
	if w := s.do(req, ben); w.Code != stdhttp.StatusNoContent {
		t.Fatalf("member add member = %d %s", w.Code, w.Body.String())
	}
	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/messages?group_id="+gid, nil), cat); w.Code != stdhttp.StatusOK {
		t.Fatalf("new member history = %d", w.Code)
	}
}

func postJSON(path, body string) *stdhttp.Request {
	req := httptest.NewRequest(stdhttp.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateGroupNeedsMembers(t *testing.T) {
	s := newTestServer(t)
	ana := s.token(t, 1, "Ana")
	for _, body := range []string{`{"name":"solo","members":[]}`, `{"name":"solo"}`, `{"name":"bad","members":[0]}`} {
		if w := s.do(postJSON("/api/groups", body), ana); w.Code != stdhttp.StatusBadRequest {
			t.Fatalf("create %s = %d", body, w.Code)
		}
	}
	if groups, _ := s.store.GroupsOf(context.Background(), 1); len(groups) != 0 {
		t.Fatalf("rejected requests created groups: %v", groups)
	}
}

func TestDeleteGroup(t *testing.T) {
	s := newTestServer(t)
	ana, ben := s.token(t, 1, "Ana"), s.token(t, 2, "Ben")
	root, err := s.jwt.Issue(domain.User{ID: 9, Name: "Root", Role: "Admin"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ctx := context.Background()
	g1, _ := s.store.CreateGroup(ctx, "ops", 1, []domain.UserID{2})
	g2, _ := s.store.CreateGroup(ctx, "sales", 2, []domain.UserID{1})

	del := func(gid domain.GroupID, tok string) int {
		return s.do(httptest.NewRequest(stdhttp.MethodDelete, "/api/groups/"+gid.String(), nil), tok).Code
	}
	if code := del(g1, ben); code != stdhttp.StatusForbidden {
		t.Fatalf("member delete = %d", code)
	}
	if code := del(g1, ana); code != stdhttp.StatusNoContent {
		t.Fatalf("creator delete = %d", code)
	}
	if code := del(g1, ana); code != stdhttp.StatusNotFound {
		t.Fatalf("second delete = %d", code)
	}
	if w := s.do(httptest.NewRequest(stdhttp.MethodGet, "/api/messages?group_id="+g1.String(), nil), ben); w.Code != stdhttp.StatusForbidden {
		t.Fatalf("history of deleted group = %d", w.Code)
	}
	if code := del(g2, root); code != stdhttp.StatusNoContent {
		t.Fatalf("admin delete = %d", code)
	}
	if groups, _ := s.store.GroupsOf(ctx, 1); len(groups) != 0 {
		t.Fatalf("memberships left: %v", groups)
	}
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
}

// readUntil returns the first frame of the given type.
func readUntil(t *testing.T, ws *websocket.Conn, typ domain.EventType) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if m["type"] == string(typ) {
			return m
		}
	}
}

func TestWebSocketMessagingEndToEnd(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsA, _, err := websocket.DefaultDialer.Dial(wsURL(srv, s.token(t, 1, "Ana")), nil)
	if err != nil {
		t.Fatalf("dial A: %v", err)
	}
	defer wsA.Close()
	if res := readUntil(t, wsA, domain.EventAuthResult); res["ok"] != true || res["user_id"] != float64(1) {
		t.Fatalf("auth_result A = %v", res)
	}

	wsB, _, err := websocket.DefaultDialer.Dial(wsURL(srv, s.token(t, 2, "Ben")), nil)
	if err != nil {
		t.Fatalf("dial B: %v", err)
	}
	readUntil(t, wsB, domain.EventAuthResult)
	if st := readUntil(t, wsA, domain.EventUserStatus); st["user_id"] != float64(2) || st["status"] != domain.StatusOnline {
		t.Fatalf("A saw %v", st)
	}

	if err := wsA.WriteJSON(map[string]any{"type": "send_message", "recipient_id": 2, "content": "hi Ben", "client_ref": "m1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readUntil(t, wsB, domain.EventNewMessage)
	if got["content"] != "hi Ben" || got["sender_name"] != "Ana" || got["is_me"] != false {
		t.Fatalf("B got %v", got)
	}
	if sent := readUntil(t, wsA, domain.EventMessageSent); sent["client_ref"] != "m1" {
		t.Fatalf("A got %v", sent)
	}

	wsB.Close()
	if st := readUntil(t, wsA, domain.EventUserStatus); st["user_id"] != float64(2) || st["status"] != domain.StatusOffline {
		t.Fatalf("A saw %v after B left", st)
	}
}

func TestWebSocketRejectsAnonymous(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err == nil {
		t.Fatalf("anonymous dial succeeded")
	}
	if resp == nil || resp.StatusCode != stdhttp.StatusUnauthorized {
		t.Fatalf("resp = %v", resp)
	}
}

func TestWebSocketLateAuth(t *testing.T) {
	s := newTestServerWith(t, func(cfg *config.Config) { cfg.Hub.AllowLateAuth = true })
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// events before auth are ignored
	ws.WriteJSON(map[string]any{"type": "ping"})
	ws.WriteJSON(map[string]any{"type": "auth", "token": "garbage"})
	if res := readUntil(t, ws, domain.EventAuthResult); res["ok"] != false {
		t.Fatalf("bad token accepted: %v", res)
	}

	ws.WriteJSON(map[string]any{"type": "auth", "token": s.token(t, 5, "Eve")})
	if res := readUntil(t, ws, domain.EventAuthResult); res["ok"] != true || res["user_name"] != "Eve" {
		t.Fatalf("auth_result = %v", res)
	}
	ws.WriteJSON(map[string]any{"type": "ping"})
	readUntil(t, ws, domain.EventPong)
	if !s.orch.Registry.IsOnline(5) {
		t.Fatalf("late-authenticated user not registered")
	}
}
