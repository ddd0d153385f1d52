package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of every bridge reply. Exactly one of Data and
// Error is set.
type Response struct {
	Data     interface{} `json:"data"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody tells the kiosk what failed. Message is shown to the examinee;
// Detail carries the underlying reason when it helps them act.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Detail  string            `json:"detail,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type Metadata struct {
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Success writes data with statusCode.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{Data: data, Metadata: metadata(c)})
}

// Fail writes the catalogue message for code.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, errorResponse(c, &ErrorBody{Code: code}))
}

// FailWithDetail adds the underlying reason to the catalogue message.
func FailWithDetail(c *gin.Context, statusCode int, code ErrCode, detail string) {
	c.JSON(statusCode, errorResponse(c, &ErrorBody{Code: code, Detail: detail}))
}

// FailWithFields reports per-field problems, keyed by JSON name or question ID.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, errorResponse(c, &ErrorBody{Code: code, Fields: fields}))
}

// AbortFail is Fail for middleware: the remaining handlers do not run.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, errorResponse(c, &ErrorBody{Code: code}))
}

func errorResponse(c *gin.Context, body *ErrorBody) Response {
	body.Message = GetMessage(body.Code)
	return Response{Error: body, Metadata: metadata(c)}
}

func metadata(c *gin.Context) Metadata {
	return Metadata{
		RequestID: RequestIDFrom(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
