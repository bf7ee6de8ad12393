// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cellar-dispatch/internal/auth"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Validate        *validator.Validate
	Log             logrus.FieldLogger
}

func NewCampaignController(svc *service.CampaignService, log logrus.FieldLogger) *CampaignController {
	return &CampaignController{CampaignService: svc, Validate: newValidator(), Log: log}
}

// Routes mounts the campaign endpoints. Callers wrap the router with
// auth.Middleware.
func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.GetCampaignDetails)
			r.Put("/", c.UpdateCampaign)
			r.Delete("/", c.DeleteCampaign)
			r.Post("/send", c.SendCampaign)
			r.Post("/preview", c.PersonalizedPreview)
			r.Get("/messages", c.ListMessages)
		})
	})
}

type productRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Price int64  `json:"price" validate:"gte=0"`
}

type audienceRequest struct {
	Type      string   `json:"type" validate:"required"`
	Tags      []string `json:"tags" validate:"omitempty,dive,required"`
	Regions   []string `json:"regions" validate:"omitempty,dive,required"`
	MemberIDs []int    `json:"member_ids" validate:"omitempty,dive,gt=0"`
}

type campaignRequest struct {
	Name        string           `json:"name" validate:"required,max=200"`
	Products    []productRequest `json:"products" validate:"required,min=1,dive"`
	Message     string           `json:"message" validate:"max=2000"`
	ImageURL    *string          `json:"image_url" validate:"omitempty,url"`
	Audience    audienceRequest  `json:"audience"`
	Channels    []string         `json:"channels" validate:"omitempty,dive,oneof=sms email"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
}

func (r campaignRequest) input() service.CampaignInput {
	in := service.CampaignInput{
		Name:        r.Name,
		Message:     r.Message,
		ImageURL:    r.ImageURL,
		ScheduledAt: r.ScheduledAt,
		Audience: model.AudienceSpec{
			Type:      model.AudienceType(r.Audience.Type),
			Tags:      r.Audience.Tags,
			Regions:   r.Audience.Regions,
			MemberIDs: r.Audience.MemberIDs,
		},
	}
	for _, p := range r.Products {
		in.Products = append(in.Products, model.ProductLine{Name: p.Name, Price: p.Price})
	}
	for _, ch := range r.Channels {
		in.Channels = append(in.Channels, model.Channel(ch))
	}
	return in
}

type previewRequest struct {
	MemberID        int     `json:"member_id" validate:"required,gt=0"`
	OverrideMessage *string `json:"override_message" validate:"omitempty,max=2000"`
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	op, ok := c.operator(w, r)
	if !ok {
		return
	}
	var body campaignRequest
	if !c.decode(w, r, &body) {
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), op, body.input())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	op, ok := c.operator(w, r)
	if !ok {
		return
	}
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body campaignRequest
	if !c.decode(w, r, &body) {
		return
	}

	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), op, id, body.input())
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	op, ok := c.operator(w, r)
	if !ok {
		return
	}
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := c.CampaignService.DeleteCampaign(r.Context(), op, id); err != nil {
		c.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	op, ok := c.operator(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), op, page, pageSize, q.Get("channel"), q.Get("status"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	op, ok := c.operator(w, r)
	if !ok {
		return
	}
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	details, err := c.CampaignService.GetCampaignDetails(r.Context(), op, id)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) ListMessages(w http.ResponseWriter, r *http.Request) {
	op, ok := c.operator(w, r)
	if !ok {
		return
	}
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	msgs, pagination, err := c.CampaignService.ListMessages(r.Context(), op, id, q.Get("status"), page, pageSize)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       msgs,
		"pagination": pagination,
	})
}

// SendCampaign answers 202 when the dispatch was handed to a worker and 200
// with the full summary when it ran inside the request.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	op, ok := c.operator(w, r)
	if !ok {
		return
	}
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	result, err := c.CampaignService.SendCampaign(r.Context(), op, id)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Summary == nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	op, ok := c.operator(w, r)
	if !ok {
		return
	}
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body previewRequest
	if !c.decode(w, r, &body) {
		return
	}

	preview, err := c.CampaignService.RenderPreview(r.Context(), op, id, body.MemberID, body.OverrideMessage)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (c *CampaignController) operator(w http.ResponseWriter, r *http.Request) (auth.Operator, bool) {
	op, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing operator", nil)
	}
	return op, ok
}

func campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid campaign id", nil)
		return 0, false
	}
	return id, true
}

func (c *CampaignController) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", nil)
		return false
	}
	if err := c.validator().Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation failed", fieldErrors(err))
		return false
	}
	return true
}

func (c *CampaignController) validator() *validator.Validate {
	if c.Validate == nil {
		return defaultValidate
	}
	return c.Validate
}

func (c *CampaignController) log() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}
