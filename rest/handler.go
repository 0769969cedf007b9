// Package rest exposes the pipeline control plane over HTTP.
package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pipeworks-io/pipeworks/api"
	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/pipeline"
	"github.com/pipeworks-io/pipeworks/server"
	"github.com/pipeworks-io/pipeworks/server/middleware"
	"github.com/pipeworks-io/pipeworks/signedurl"
	"github.com/pipeworks-io/pipeworks/sse"
)

// Handler binds the API service to Gin routes.
type Handler struct {
	svc         *api.Service
	log         *logger.Logger
	uniquePaths []string
	local       *signedurl.Local
}

// NewHandler creates the route handler. provider may be nil; when it is the
// local provider, the /download and /upload redemption endpoints are served.
func NewHandler(svc *api.Service, provider signedurl.Provider, log *logger.Logger, uniquePaths []string) *Handler {
	h := &Handler{
		svc:         svc,
		log:         log.WithComponent("rest"),
		uniquePaths: uniquePaths,
	}
	if local, ok := provider.(*signedurl.Local); ok {
		h.local = local
	}
	return h
}

// Register attaches all routes to the engine.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/pipelines", h.createPipeline)
	r.GET("/pipelines", h.listPipelines)
	r.GET("/pipelines/:id", h.getPipeline)
	r.PUT("/pipelines/:id", h.updatePipeline)
	r.DELETE("/pipelines/:id", h.deletePipeline)
	r.POST("/pipelines/:id/revoke", h.revokePipeline)
	r.GET("/pipelines/:id/events", h.pipelineEvents)
	r.GET("/pipelines/:id/logs", h.pipelineLogs)
	r.POST("/pipelines/:id/datasets/read", h.readDatasets)
	r.POST("/pipelines/:id/datasets/create", h.createDatasets)
	r.GET("/templates", h.listTemplates)
	r.GET("/templates/:name", h.getTemplate)
	r.POST("/events", h.createEvent)
	if h.local != nil {
		r.GET("/download", h.download)
		r.POST("/upload", h.upload)
	}
}

func (h *Handler) createPipeline(c *gin.Context) {
	var in pipeline.PipelineInput
	if err := c.ShouldBindJSON(&in); err != nil {
		server.RespondWithError(c, apperrors.BadRequest(err.Error()))
		return
	}
	p, err := h.svc.CreatePipeline(c.Request.Context(), middleware.IdentityFrom(c), &in, h.uniquePaths)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondCreated(c, p)
}

func (h *Handler) listPipelines(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			server.RespondWithError(c, apperrors.BadRequest("limit must be an integer"))
			return
		}
		limit = n
	}
	page, err := h.svc.ReadPipelines(c.Request.Context(), middleware.IdentityFrom(c),
		limit, c.Query("cursor"), c.Query("filter"), c.Query("sort"))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOKWithMeta(c, page.Records, &server.Meta{
		Count:      len(page.Records),
		NextCursor: page.NextCursor,
	})
}

func (h *Handler) getPipeline(c *gin.Context) {
	p, err := h.svc.ReadPipeline(c.Request.Context(), middleware.IdentityFrom(c), c.Param("id"))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, p)
}

func (h *Handler) updatePipeline(c *gin.Context) {
	var in pipeline.PipelineInput
	if err := c.ShouldBindJSON(&in); err != nil {
		server.RespondWithError(c, apperrors.BadRequest(err.Error()))
		return
	}
	p, err := h.svc.UpdatePipeline(c.Request.Context(), middleware.IdentityFrom(c), c.Param("id"), &in, h.uniquePaths)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, p)
}

func (h *Handler) deletePipeline(c *gin.Context) {
	p, err := h.svc.DeletePipeline(c.Request.Context(), middleware.IdentityFrom(c), c.Param("id"))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, p)
}

func (h *Handler) revokePipeline(c *gin.Context) {
	p, err := h.svc.RevokePipeline(c.Request.Context(), middleware.IdentityFrom(c), c.Param("id"))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, p)
}

func (h *Handler) pipelineEvents(c *gin.Context) {
	ch, err := h.svc.PipelineEvents(c.Request.Context(), middleware.IdentityFrom(c), c.Param("id"))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	sse.Stream(c.Writer, c.Request, h.log, ch)
}

func (h *Handler) pipelineLogs(c *gin.Context) {
	ch, err := h.svc.PipelineLogs(c.Request.Context(), middleware.IdentityFrom(c), c.Param("id"))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	sse.Stream(c.Writer, c.Request, h.log, ch)
}

// datasetBody is the request body shared by the dataset read and create
// operations.
type datasetBody struct {
	Datasets     []api.DatasetRequest `json:"datasets" binding:"required"`
	ExpiresInSec int64                `json:"expires_in_sec"`
}

func (h *Handler) readDatasets(c *gin.Context) {
	var body datasetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		server.RespondWithError(c, apperrors.BadRequest(err.Error()))
		return
	}
	urls, err := h.svc.ReadDatasets(c.Request.Context(), middleware.IdentityFrom(c),
		c.Param("id"), body.Datasets, body.ExpiresInSec)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, urls)
}

func (h *Handler) createDatasets(c *gin.Context) {
	var body datasetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		server.RespondWithError(c, apperrors.BadRequest(err.Error()))
		return
	}
	uploads, err := h.svc.CreateDatasets(c.Request.Context(), middleware.IdentityFrom(c),
		c.Param("id"), body.Datasets, body.ExpiresInSec)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondCreated(c, uploads)
}

func (h *Handler) listTemplates(c *gin.Context) {
	ts, err := h.svc.ReadPipelineTemplates(c.Request.Context(), middleware.IdentityFrom(c))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, ts)
}

func (h *Handler) getTemplate(c *gin.Context) {
	t, err := h.svc.ReadPipelineTemplate(c.Request.Context(), middleware.IdentityFrom(c), c.Param("name"))
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	server.RespondOK(c, t)
}

func (h *Handler) createEvent(c *gin.Context) {
	in, err := parseCloudEvent(c)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	created, err := h.svc.CreateEvent(c.Request.Context(), middleware.IdentityFrom(c), in)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if len(created) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	server.RespondCreated(c, created)
}
