package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the JSON envelope of every HTTP reply.
type Response struct {
	Data     interface{} `json:"data"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody is the error part of the envelope.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata ties a reply to its request.
type Metadata struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// Success writes data with the given status.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{Data: data, Metadata: metadata(c)})
}

// Fail writes an error reply for code.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, failure(c, code))
}

// AbortFail stops the handler chain with an error reply.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, failure(c, code))
}

func failure(c *gin.Context, code ErrCode) Response {
	return Response{
		Error:    &ErrorBody{Code: code, Message: GetMessage(code)},
		Metadata: metadata(c),
	}
}

func metadata(c *gin.Context) Metadata {
	return Metadata{
		RequestID: RequestID(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
