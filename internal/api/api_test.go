package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/auth"
	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/middleware"
	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/notify"
	"github.com/lalith-99/echodesk/internal/repository"
	"github.com/lalith-99/echodesk/internal/repository/memory"
	"github.com/lalith-99/echodesk/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

type recorder struct {
	mu  sync.Mutex
	got []fanout.Event
}

func (r *recorder) Deliver(_ fanout.Topic, evt fanout.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, evt)
	return true
}

func (r *recorder) events() []fanout.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fanout.Event(nil), r.got...)
}

type env struct {
	store  *memory.Store
	bus    *fanout.Groups
	router *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)

	store := memory.New()
	bus := fanout.NewGroups()
	bridge := notify.NewBridge(store.Notifications(), bus, worker.NewPool(4), log)

	r := gin.New()
	Register(r, Handlers{
		Auth:          NewAuthHandler(store.Users(), testSecret, time.Hour, log),
		Users:         NewUserHandler(store.Users(), log),
		Notifications: NewNotificationHandler(store.Notifications(), log),
		Tickets:       NewTicketHandler(store.Tickets(), store.Users(), bridge, bus, log),
		Messages:      NewMessageHandler(store.Conversations(), bus, log),
	}, middleware.AuthMiddleware(auth.NewVerifier(testSecret, store.Users())))

	return &env{store: store, bus: bus, router: r}
}

func (e *env) do(t *testing.T, method, path string, user *models.User, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		tok, err := auth.GenerateToken(user.ID, testSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodGet, "/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHealthReportsStoreFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", health(func(context.Context) error { return errors.New("connection refused") }))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogin(t *testing.T) {
	e := newEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret!"), bcrypt.MinCost)
	require.NoError(t, err)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleAgent, PasswordHash: string(hash)})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"valid", map[string]string{"username": "ana", "password": "s3cret!"}, http.StatusOK},
		{"wrong password", map[string]string{"username": "ana", "password": "nope"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "eve", "password": "s3cret!"}, http.StatusUnauthorized},
		{"missing fields", map[string]string{"username": "ana"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/v1/auth/login", nil, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want != http.StatusOK {
				return
			}
			resp := decode[authResponse](t, w)
			assert.Equal(t, "agente", resp.Role)
			claims, err := auth.ParseToken(resp.Token, testSecret)
			require.NoError(t, err)
			assert.Equal(t, ana.ID, claims.UserID)
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/v1/users/me", "/v1/notifications", "/v1/notifications/unread-count"} {
		w := e.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestGetMe(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Email: "ana@example.com", Role: models.RoleUser, PasswordHash: "x"})

	w := e.do(t, http.MethodGet, "/v1/users/me", &ana, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ana", body["username"])
	assert.Equal(t, "usuario", body["rol"])
	assert.NotContains(t, body, "PasswordHash")
}

func TestCreateTicketAssignsLeastLoadedAgent(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleUser})
	busy := e.store.AddUser(models.User{Username: "busy", Role: models.RoleAgent})
	free := e.store.AddUser(models.User{Username: "free", Role: models.RoleAgent})
	_, err := e.store.Tickets().Create(context.Background(), repository.NewTicket{OwnerID: ana.ID, AssigneeID: &busy.ID, Title: "old"})
	require.NoError(t, err)

	feed := &recorder{}
	e.bus.Subscribe(fanout.NotificationsTopic(free.ID), feed)

	w := e.do(t, http.MethodPost, "/v1/tickets", &ana, map[string]string{"titulo": "Impresora", "descripcion": "no imprime"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ticket := decode[models.Ticket](t, w)
	require.NotNil(t, ticket.AssigneeID)
	assert.Equal(t, free.ID, *ticket.AssigneeID)
	assert.Equal(t, models.TicketStatusNew, ticket.Status)

	ns, err := e.store.Notifications().ListUnread(context.Background(), free.ID, 10)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, models.NotificationTicketAssigned, ns[0].Type)
	assert.Equal(t, "Nuevo Ticket Asignado", ns[0].Title)
	assert.Len(t, feed.events(), 1)
}

func TestCreateTicketWithoutAgents(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleUser})

	w := e.do(t, http.MethodPost, "/v1/tickets", &ana, map[string]string{"titulo": "Impresora"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Nil(t, decode[models.Ticket](t, w).AssigneeID)
}

func TestCreateTicketRejectsBlankTitle(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleUser})
	maria := e.store.AddUser(models.User{Username: "maria", Role: models.RoleAgent})

	for _, title := range []string{"", "   ", "\t\n"} {
		w := e.do(t, http.MethodPost, "/v1/tickets", &ana, map[string]string{"titulo": title, "descripcion": "no imprime"})
		assert.Equal(t, http.StatusBadRequest, w.Code, "titulo %q", title)
	}

	count, err := e.store.Notifications().CountUnread(context.Background(), maria.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "no ticket was assigned")
}

func TestAgentResponseNotifiesOwner(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleUser})
	maria := e.store.AddUser(models.User{Username: "maria", Role: models.RoleAgent})
	ticket, err := e.store.Tickets().Create(context.Background(), repository.NewTicket{OwnerID: ana.ID, AssigneeID: &maria.ID, Title: "Impresora"})
	require.NoError(t, err)

	ownerFeed := &recorder{}
	chat := &recorder{}
	e.bus.Subscribe(fanout.NotificationsTopic(ana.ID), ownerFeed)
	e.bus.Subscribe(fanout.TicketTopic(ticket.ID), chat)

	path := "/v1/tickets/" + strconv.FormatInt(ticket.ID, 10) + "/responses"
	w := e.do(t, http.MethodPost, path, &maria, map[string]string{"mensaje": "Ya lo revisamos"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	updated, err := e.store.Tickets().GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusInProgress, updated.Status)

	ns, err := e.store.Notifications().ListUnread(context.Background(), ana.ID, 10)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, models.NotificationTicketResponse, ns[0].Type)
	assert.JSONEq(t, `{"ticket_id":`+strconv.FormatInt(ticket.ID, 10)+`,"respondent":"maria"}`, string(ns[0].Data))

	pushed := ownerFeed.events()
	require.Len(t, pushed, 1)
	var frame fanout.NotificationFrame
	require.NoError(t, json.Unmarshal(pushed[0].Data, &frame))
	assert.Equal(t, "notification", frame.Type)
	assert.Equal(t, ns[0].ID, frame.ID)
	assert.Equal(t, "Nueva Respuesta en Ticket", frame.Title)
	require.NotNil(t, frame.TicketID)
	assert.Equal(t, ticket.ID, *frame.TicketID)

	lines := chat.events()
	require.Len(t, lines, 1)
	var line fanout.ChatFrame
	require.NoError(t, json.Unmarshal(lines[0].Data, &line))
	assert.Equal(t, "maria", line.Sender)
	assert.True(t, line.IsAgent)
	assert.Equal(t, "Ya lo revisamos", line.Text)
}

func TestUserResponseWithoutAssigneeNotifiesAllAgents(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleUser})
	a1 := e.store.AddUser(models.User{Username: "a1", Role: models.RoleAgent})
	a2 := e.store.AddUser(models.User{Username: "a2", Role: models.RoleAgent})
	ticket, err := e.store.Tickets().Create(context.Background(), repository.NewTicket{OwnerID: ana.ID, Title: "t"})
	require.NoError(t, err)

	path := "/v1/tickets/" + strconv.FormatInt(ticket.ID, 10) + "/responses"
	w := e.do(t, http.MethodPost, path, &ana, map[string]string{"mensaje": "¿Alguna novedad?"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	for _, agent := range []models.User{a1, a2} {
		ns, err := e.store.Notifications().ListUnread(context.Background(), agent.ID, 10)
		require.NoError(t, err)
		require.Len(t, ns, 1, agent.Username)
		assert.JSONEq(t, `{"ticket_id":`+strconv.FormatInt(ticket.ID, 10)+`,"from_user":"ana"}`, string(ns[0].Data))
	}

	updated, err := e.store.Tickets().GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusNew, updated.Status, "user replies do not move the ticket")
}

func TestRespondRejectsOutsiders(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleUser})
	eve := e.store.AddUser(models.User{Username: "eve", Role: models.RoleUser})
	ticket, err := e.store.Tickets().Create(context.Background(), repository.NewTicket{OwnerID: ana.ID, Title: "t"})
	require.NoError(t, err)

	path := "/v1/tickets/" + strconv.FormatInt(ticket.ID, 10) + "/responses"
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, path, &eve, map[string]string{"mensaje": "hola"}).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/tickets/999/responses", &ana, map[string]string{"mensaje": "hola"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, path, &ana, map[string]string{"mensaje": "  "}).Code)
	assert.Empty(t, e.store.TicketMessages(ticket.ID))
}

func TestNotificationInbox(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleUser})
	eve := e.store.AddUser(models.User{Username: "eve", Role: models.RoleUser})
	repo := e.store.Notifications()
	ctx := context.Background()

	mine1, err := repo.Create(ctx, repository.NewNotification{RecipientID: ana.ID, Type: models.NotificationTicketAssigned, Title: "a", Body: "b"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, repository.NewNotification{RecipientID: ana.ID, Type: models.NotificationTicketResponse, Title: "c", Body: "d"})
	require.NoError(t, err)
	theirs, err := repo.Create(ctx, repository.NewNotification{RecipientID: eve.ID, Type: models.NotificationTicketResponse, Title: "e", Body: "f"})
	require.NoError(t, err)

	list := e.do(t, http.MethodGet, "/v1/notifications", &ana, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, decode[[]models.Notification](t, list), 2)

	count := e.do(t, http.MethodGet, "/v1/notifications/unread-count", &ana, nil)
	assert.JSONEq(t, `{"unread_count":2}`, count.Body.String())

	own := e.do(t, http.MethodPatch, "/v1/notifications/"+strconv.FormatInt(mine1.ID, 10)+"/read", &ana, nil)
	assert.Equal(t, http.StatusNoContent, own.Code)

	foreign := e.do(t, http.MethodPatch, "/v1/notifications/"+strconv.FormatInt(theirs.ID, 10)+"/read", &ana, nil)
	assert.Equal(t, http.StatusNotFound, foreign.Code)
	stored, _ := e.store.Notification(theirs.ID)
	assert.False(t, stored.Read)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPatch, "/v1/notifications/abc/read", &ana, nil).Code)

	all := e.do(t, http.MethodPatch, "/v1/notifications/read-all", &ana, nil)
	require.Equal(t, http.StatusOK, all.Code)
	assert.JSONEq(t, `{"updated":1}`, all.Body.String())

	count = e.do(t, http.MethodGet, "/v1/notifications/unread-count", &ana, nil)
	assert.JSONEq(t, `{"unread_count":0}`, count.Body.String())
}

func TestConversationMessageOverHTTP(t *testing.T) {
	e := newEnv(t)
	ana := e.store.AddUser(models.User{Username: "ana", Role: models.RoleUser})
	maria := e.store.AddUser(models.User{Username: "maria", Role: models.RoleAgent})
	eve := e.store.AddUser(models.User{Username: "eve", Role: models.RoleUser})
	conv := e.store.AddConversation(models.Conversation{UserID: ana.ID, AgentID: maria.ID})

	chat := &recorder{}
	e.bus.Subscribe(fanout.ConversationTopic(conv.ID), chat)
	path := "/v1/conversations/" + strconv.FormatInt(conv.ID, 10) + "/messages"

	w := e.do(t, http.MethodPost, path, &maria, map[string]string{"mensaje": "¿En qué te ayudo?"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	msg := decode[models.ChatMessage](t, w)
	assert.True(t, msg.IsAgent)

	lines := chat.events()
	require.Len(t, lines, 1)
	var frame fanout.ChatFrame
	require.NoError(t, json.Unmarshal(lines[0].Data, &frame))
	assert.Equal(t, conv.ID, frame.ConversationID)
	assert.Equal(t, "maria", frame.Sender)
	require.NotNil(t, frame.SentAt)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, path, &eve, map[string]string{"mensaje": "hola"}).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/conversations/999/messages", &ana, map[string]string{"mensaje": "hola"}).Code)
	assert.Len(t, e.store.ChatMessages(conv.ID), 1)
}
