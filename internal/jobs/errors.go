package jobs

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error はHTTP境界で共通エラーエンベロープへ写像されるエラーです。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// respondWithError はエラーを共通エンベロープ {"error":{"code","message"}} で返します。
func respondWithError(c *gin.Context, err *Error) {
	status := http.StatusInternalServerError
	switch err.Code {
	case "unauthorized":
		status = http.StatusUnauthorized
	case "forbidden":
		status = http.StatusForbidden
	case "not_found":
		status = http.StatusNotFound
	case "validation_error":
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    err.Code,
			"message": err.Message,
		},
	})
}
