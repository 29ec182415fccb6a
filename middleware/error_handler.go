package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/parsemd/common"
)

// ErrorHandler renders the last error attached to the context. APIErrors
// keep their status and message; anything else becomes a generic 500 so
// internal details never reach the client.
func ErrorHandler(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		if apiErr, ok := common.AsAPIError(err); ok {
			c.JSON(apiErr.Status, apiErr.Body())
			return
		}

		logger.Error("unhandled request error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
