package rest

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pipeworks-io/pipeworks/api"
	apperrors "github.com/pipeworks-io/pipeworks/errors"
)

// CloudEvents content type for structured mode.
const contentTypeCloudEvents = "application/cloudevents+json"

// parseCloudEvent accepts both CloudEvents HTTP bindings: binary mode, where
// the attributes travel as ce-* headers and the body is the data, and
// structured mode, where the whole event is a JSON document.
func parseCloudEvent(c *gin.Context) (api.EventInput, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return api.EventInput{}, apperrors.BadRequest("unreadable event body")
	}

	if strings.HasPrefix(c.ContentType(), contentTypeCloudEvents) {
		var in api.EventInput
		if err := json.Unmarshal(body, &in); err != nil {
			return api.EventInput{}, apperrors.BadRequest("malformed cloud event")
		}
		return in, nil
	}

	return api.EventInput{
		ID:     c.GetHeader("ce-id"),
		Source: c.GetHeader("ce-source"),
		Type:   c.GetHeader("ce-type"),
		Data:   body,
	}, nil
}
