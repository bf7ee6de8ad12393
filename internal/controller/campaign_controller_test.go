package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cellar-dispatch/internal/auth"
	"github.com/unclebandit/cellar-dispatch/internal/compliance"
	"github.com/unclebandit/cellar-dispatch/internal/controller"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/repository/memstore"
	"github.com/unclebandit/cellar-dispatch/internal/service"
)

// --- Stub sender ---

type okSender struct{ ch model.Channel }

func (s okSender) Channel() model.Channel { return s.ch }

func (s okSender) Send(_ context.Context, c *model.Campaign, m *model.Member) (string, error) {
	return fmt.Sprintf("%s-%d-%d", s.ch, c.ID, m.ID), nil
}

type server struct {
	t      *testing.T
	store  *memstore.Store
	tokens *auth.TokenService
	router http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	log, _ := test.NewNullLogger()
	store := memstore.New()
	checker := compliance.NewRuleChecker()
	d := service.NewDispatcher(store, checker, log, okSender{model.ChannelSMS}, okSender{model.ChannelEmail})
	svc := &service.CampaignService{
		Store:      store,
		Dispatcher: d,
		Compliance: checker,
		Mode:       service.ModeSync,
		Log:        log,
	}
	tokens := auth.NewTokenService("test-secret", "cellar-dispatch")

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens))
		controller.NewCampaignController(svc, log).Routes(r)
	})
	return &server{t: t, store: store, tokens: tokens, router: r}
}

func (s *server) token(tenantID int, role auth.Role) string {
	tok, err := s.tokens.GenerateToken(auth.Operator{Subject: "ops@example.com", TenantID: tenantID, Role: role}, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *server) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func campaignBody() map[string]interface{} {
	return map[string]interface{}{
		"name":     "Harvest release",
		"products": []map[string]interface{}{{"name": "2021 Syrah", "price": 4500}},
		"message":  "Hi {first_name}, the Syrah is in.",
		"audience": map[string]interface{}{"type": "all"},
		"channels": []string{"sms", "email"},
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func (s *server) create(token string) int {
	w := s.do("POST", "/campaigns", token, campaignBody())
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var c model.Campaign
	decode(s.t, w, &c)
	return c.ID
}

func TestRequiresBearerToken(t *testing.T) {
	s := newServer(t)
	w := s.do("GET", "/campaigns", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do("GET", "/campaigns", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAndGetCampaign(t *testing.T) {
	s := newServer(t)
	tok := s.token(1, auth.RoleMarketer)
	id := s.create(tok)

	w := s.do("GET", "/campaigns/"+strconv.Itoa(id), tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		ID     int                  `json:"id"`
		Status model.CampaignStatus `json:"status"`
		Stats  model.MessageStats   `json:"stats"`
	}
	decode(t, w, &res)
	assert.Equal(t, id, res.ID)
	assert.Equal(t, model.CampaignDraft, res.Status)
	assert.Zero(t, res.Stats.Total)

	other := s.token(2, auth.RoleAdmin)
	w = s.do("GET", "/campaigns/"+strconv.Itoa(id), other, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "campaigns are tenant scoped")
}

func TestCreateCampaignValidation(t *testing.T) {
	s := newServer(t)
	tok := s.token(1, auth.RoleMarketer)

	body := campaignBody()
	body["name"] = ""
	body["channels"] = []string{"fax"}
	w := s.do("POST", "/campaigns", tok, body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var res struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	decode(t, w, &res)
	assert.Contains(t, res.Details, "name: required")
	assert.Contains(t, res.Details, "channels[0]: oneof=sms email")

	body = campaignBody()
	body["message"] = "Our Cabernet cures headaches."
	w = s.do("POST", "/campaigns", tok, body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	decode(t, w, &res)
	assert.NotEmpty(t, res.Details)

	body = campaignBody()
	body["audience"] = map[string]interface{}{"type": "everyone"}
	w = s.do("POST", "/campaigns", tok, body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	req := httptest.NewRequest("POST", "/campaigns", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = s.do("POST", "/campaigns", s.token(1, auth.RoleViewer), campaignBody())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSendCampaignSync(t *testing.T) {
	s := newServer(t)
	tok := s.token(1, auth.RoleMarketer)
	s.store.AddMember(model.Member{TenantID: 1, FirstName: "Ana", Phone: strPtr("+14155550100"), ConsentSMS: true})
	s.store.AddMember(model.Member{TenantID: 1, FirstName: "Ben", Email: strPtr("ben@example.com"), ConsentEmail: true})
	id := s.create(tok)

	w := s.do("POST", "/campaigns/"+strconv.Itoa(id)+"/send", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res service.SendCampaignResult
	decode(t, w, &res)
	assert.Equal(t, model.CampaignSent, res.Status)
	assert.Equal(t, 2, res.MessagesQueued)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 2, res.Summary.Sent)

	w = s.do("POST", "/campaigns/"+strconv.Itoa(id)+"/send", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do("PUT", "/campaigns/"+strconv.Itoa(id), tok, campaignBody())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do("GET", "/campaigns/"+strconv.Itoa(id)+"/messages?status=sent", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs struct {
		Data []model.CampaignMessage `json:"data"`
	}
	decode(t, w, &msgs)
	assert.Len(t, msgs.Data, 2)
}

func TestSendCampaignWithoutRecipients(t *testing.T) {
	s := newServer(t)
	tok := s.token(1, auth.RoleMarketer)
	id := s.create(tok)

	w := s.do("POST", "/campaigns/"+strconv.Itoa(id)+"/send", tok, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do("POST", "/campaigns/abc/send", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("POST", "/campaigns/999/send", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPersonalizedPreview(t *testing.T) {
	s := newServer(t)
	tok := s.token(1, auth.RoleViewer)
	m := s.store.AddMember(model.Member{TenantID: 1, FirstName: "Alice", Phone: strPtr("+14155550100"), ConsentSMS: true})
	id := s.create(s.token(1, auth.RoleMarketer))

	w := s.do("POST", "/campaigns/"+strconv.Itoa(id)+"/preview", tok, map[string]interface{}{"member_id": m.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res service.Preview
	decode(t, w, &res)
	assert.Contains(t, res.SMS, "Hi Alice, the Syrah is in.")
	assert.NotEmpty(t, res.EmailSubject)

	w = s.do("POST", "/campaigns/"+strconv.Itoa(id)+"/preview", tok, map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do("POST", "/campaigns/"+strconv.Itoa(id)+"/preview", tok, map[string]interface{}{"member_id": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteCampaign(t *testing.T) {
	s := newServer(t)
	tok := s.token(1, auth.RoleAdmin)
	id := s.create(tok)

	w := s.do("DELETE", "/campaigns/"+strconv.Itoa(id), tok, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do("GET", "/campaigns/"+strconv.Itoa(id), tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCampaignsPagination(t *testing.T) {
	s := newServer(t)
	tok := s.token(1, auth.RoleMarketer)

	totalCampaigns := 25
	for i := 0; i < totalCampaigns; i++ {
		s.create(tok)
	}
	s.create(s.token(2, auth.RoleMarketer))

	pageSize := 10
	seen := map[int]bool{}
	totalPages := (totalCampaigns + pageSize - 1) / pageSize

	for page := 1; page <= totalPages; page++ {
		w := s.do("GET", "/campaigns?page="+strconv.Itoa(page)+"&page_size="+strconv.Itoa(pageSize)+"&channel=sms&status=draft", tok, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var res struct {
			Data       []model.Campaign `json:"data"`
			Pagination struct {
				Page       int `json:"page"`
				PageSize   int `json:"page_size"`
				TotalCount int `json:"total_count"`
				TotalPages int `json:"total_pages"`
			} `json:"pagination"`
		}
		decode(t, w, &res)

		assert.Equal(t, page, res.Pagination.Page)
		assert.Equal(t, pageSize, res.Pagination.PageSize)
		assert.Equal(t, totalCampaigns, res.Pagination.TotalCount)
		assert.Equal(t, totalPages, res.Pagination.TotalPages)

		for _, c := range res.Data {
			assert.False(t, seen[c.ID], "duplicate campaign ID %d across pages", c.ID)
			seen[c.ID] = true
			assert.Equal(t, 1, c.TenantID)
			assert.True(t, c.HasChannel(model.ChannelSMS))
			assert.Equal(t, model.CampaignDraft, c.Status)
		}
	}
	assert.Len(t, seen, totalCampaigns)
}

func strPtr(s string) *string { return &s }
