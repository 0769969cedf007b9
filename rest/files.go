package rest

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	apperrors "github.com/pipeworks-io/pipeworks/errors"
	"github.com/pipeworks-io/pipeworks/server"
)

// download redeems a signed read token and serves the file it grants.
// The allow-list is enforced at redemption, not at signing, so a token for
// a path outside the download roots is useless even if it verifies.
func (h *Handler) download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		server.RespondWithError(c, apperrors.BadRequest("token is required"))
		return
	}
	path, err := h.local.Verify(token)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if !h.local.DownloadAllowed(path) {
		server.RespondWithError(c, apperrors.Forbidden("download "+path))
		return
	}
	if _, err := os.Stat(path); err != nil {
		server.RespondWithError(c, apperrors.NotFound("file", filepath.Base(path)))
		return
	}
	c.File(path)
}

// upload redeems a signed write token and stores the posted file at the
// path the token grants.
func (h *Handler) upload(c *gin.Context) {
	if max := h.local.UploadMaxBytes(); max > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
	}

	token := c.PostForm("token")
	if token == "" {
		server.RespondWithError(c, apperrors.BadRequest("token is required"))
		return
	}
	path, err := h.local.Verify(token)
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if !h.local.UploadAllowed(path) {
		server.RespondWithError(c, apperrors.Forbidden("upload "+path))
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		server.RespondWithError(c, apperrors.BadRequest("multipart field 'file' is required"))
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		server.RespondWithError(c, apperrors.Internal(err))
		return
	}
	if err := c.SaveUploadedFile(file, path); err != nil {
		server.RespondWithError(c, apperrors.Internal(err))
		return
	}

	h.log.Info("File uploaded", map[string]interface{}{
		"size": file.Size,
	})
	server.RespondCreated(c, gin.H{"size": file.Size})
}
