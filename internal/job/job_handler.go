package job

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/config"
	"github.com/joshu-sajeev/parsemd/internal/dto"
	"github.com/joshu-sajeev/parsemd/middleware"
)

type JobHandler struct {
	service  JobServiceInterface
	maxBytes int64
}

func NewJobHandler(s JobServiceInterface, maxUploadBytes int64) *JobHandler {
	return &JobHandler{service: s, maxBytes: maxUploadBytes}
}

var _ JobHandlerInterface = (*JobHandler)(nil)

// Upload accepts a multipart document under the "file" field and returns
// the id of the job that will process it.
func (h *JobHandler) Upload(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}

	fh, err := c.FormFile(config.UploadFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.Error(common.Errf(http.StatusRequestEntityTooLarge, "file exceeds %d bytes", h.maxBytes))
			return
		}
		c.Error(common.Errf(http.StatusBadRequest, "No file uploaded"))
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.Error(common.Errf(http.StatusBadRequest, "could not read uploaded file"))
		return
	}
	defer f.Close()

	resp, err := h.service.Submit(c.Request.Context(), fh.Filename, f)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Status returns the lifecycle state of a job.
func (h *JobHandler) Status(c *gin.Context) {
	var p dto.JobIDParam
	if !middleware.BindURI(c, &p) {
		return
	}

	resp, err := h.service.Status(c.Request.Context(), p.JobID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Result returns the extraction result: 200 when complete, 202 while still
// in flight and 400 with the reason when the job failed.
func (h *JobHandler) Result(c *gin.Context) {
	var p dto.JobIDParam
	if !middleware.BindURI(c, &p) {
		return
	}

	view, err := h.service.Result(c.Request.Context(), p.JobID)
	if err != nil {
		c.Error(err)
		return
	}

	switch {
	case view.Complete != nil:
		c.JSON(http.StatusOK, view.Complete)
	case view.Failed != nil:
		c.JSON(http.StatusBadRequest, view.Failed)
	default:
		c.JSON(http.StatusAccepted, view.Pending)
	}
}

func (h *JobHandler) ListEntries(c *gin.Context) {
	var q dto.EntryListQuery
	if !middleware.BindQuery(c, &q) {
		return
	}

	entries, err := h.service.ListEntries(c.Request.Context(), q)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, entries)
}

func (h *JobHandler) GetEntry(c *gin.Context) {
	var p dto.JobIDParam
	if !middleware.BindURI(c, &p) {
		return
	}

	entry, err := h.service.GetEntry(c.Request.Context(), p.JobID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, entry)
}
