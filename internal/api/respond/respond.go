package respond

import (
	"io"
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/image-thumbnailer/internal/apperror"
)

// Success represents a standard structure for successful responses.
type Success struct {
	Result interface{} `json:"result"`
}

// Data streams content from an io.Reader with the given content type.
func Data(c *ginext.Context, status int, contentType string, reader io.Reader, headers map[string]string) {
	c.DataFromReader(status, -1, contentType, reader, headers)
}

// JSON sends a JSON response with the specified HTTP status code and data.
func JSON(c *ginext.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// OK sends a 200 OK JSON response, wrapping the given result in a Success struct.
func OK(c *ginext.Context, result interface{}) {
	JSON(c, http.StatusOK, Success{Result: result})
}

// Accepted sends a 202 Accepted JSON response, wrapping the given result in a Success struct.
func Accepted(c *ginext.Context, result interface{}) {
	JSON(c, http.StatusAccepted, Success{Result: result})
}

// Fail sends an error response with the status and code carried by err.
// Errors that are not application errors become 500 internal_error.
func Fail(c *ginext.Context, err error) {
	status, body := apperror.ToHTTPError(err)
	JSON(c, status, body)
}

// FailWithResult is Fail with the partial result included in the body.
func FailWithResult(c *ginext.Context, err error, result interface{}) {
	status, body := apperror.ToHTTPError(err)
	body["result"] = result
	JSON(c, status, body)
}
