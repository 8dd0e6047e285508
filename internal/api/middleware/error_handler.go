package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/common"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// ErrorHandler renders the last error recorded with c.Error. APIErrors keep
// their status. Unknown errors are logged and hidden behind a generic 500.
func ErrorHandler(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var apiErr common.APIError
		switch {
		case errors.As(err, &apiErr):
			response := gin.H{"error": apiErr.Message}
			if apiErr.Fields != nil {
				response["fields"] = apiErr.Fields
			}
			c.JSON(apiErr.Status, response)
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request canceled or timed out"})
		default:
			logger.Error("Unhandled request error",
				slog.String("method", c.Request.Method),
				slog.String("path", c.FullPath()),
				slog.Any("error", err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
	}
}
