package shared

import (
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
)

type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	ErrorCode string      `json:"error_code,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

var jsonAPI = sonic.Config{
	UseNumber:            true,
	EscapeHTML:           false,
	SortMapKeys:          false,
	CompactMarshaler:     true,
	NoQuoteTextMarshaler: true,
	NoNullSliceOrMap:     true,
}.Froze()

var (
	successResponse       = mustMarshal(Response{Code: 200, Message: "Success"})
	notFoundResponse      = mustMarshal(Response{Code: 404, Message: "Not Found", ErrorCode: ErrCodeNotFound})
	internalErrorResponse = mustMarshal(Response{Code: 500, Message: "Internal Server Error", ErrorCode: ErrCodeInternalError})
)

func mustMarshal(v interface{}) []byte {
	b, _ := jsonAPI.Marshal(v)
	return b
}

// JSONMarshal and JSONUnmarshal back fiber's encoder so every response goes through sonic.
func JSONMarshal(v interface{}) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func JSONUnmarshal(data []byte, v interface{}) error {
	return jsonAPI.Unmarshal(data, v)
}

func send(c *fiber.Ctx, httpCode int, body []byte) error {
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	return c.Status(httpCode).Send(body)
}

func ResponseJSON(c *fiber.Ctx, httpCode int, message string, data interface{}) error {
	if data == nil {
		switch {
		case httpCode == 200 && message == "Success":
			return send(c, httpCode, successResponse)
		case httpCode == 500 && message == "Internal Server Error":
			return send(c, httpCode, internalErrorResponse)
		}
	}

	body, err := jsonAPI.Marshal(Response{
		Code:    httpCode,
		Message: message,
		Data:    data,
	})
	if err != nil {
		return send(c, fiber.StatusInternalServerError, internalErrorResponse)
	}
	return send(c, httpCode, body)
}

// ResponseError writes an error envelope carrying a machine readable error code.
func ResponseError(c *fiber.Ctx, httpCode int, errorCode, message string, data interface{}) error {
	body, err := jsonAPI.Marshal(Response{
		Code:      httpCode,
		Message:   message,
		ErrorCode: errorCode,
		Data:      data,
	})
	if err != nil {
		return send(c, fiber.StatusInternalServerError, internalErrorResponse)
	}
	return send(c, httpCode, body)
}

// ResponseRaw writes v as the whole body, without the envelope.
func ResponseRaw(c *fiber.Ctx, httpCode int, v interface{}) error {
	body, err := jsonAPI.Marshal(v)
	if err != nil {
		return send(c, fiber.StatusInternalServerError, internalErrorResponse)
	}
	return send(c, httpCode, body)
}

func ResponseNotFound(c *fiber.Ctx) error {
	return send(c, fiber.StatusNotFound, notFoundResponse)
}
