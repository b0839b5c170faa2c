package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/nkkko/storepulse/internal/api/errors"
)

// Response represents a standardized API response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
	Meta      any    `json:"meta,omitempty"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	WithMeta(w, r, statusCode, data, nil)
}

// Error sends an error response
func Error(w http.ResponseWriter, r *http.Request, err error) {
	// Get request ID from context (set by middleware.RequestID)
	requestID := middleware.GetReqID(r.Context())
	resp, status := errorResponse(requestID, err)
	sendJSON(w, status, resp)
}

// WithMeta adds metadata to a successful response
func WithMeta(w http.ResponseWriter, r *http.Request, statusCode int, data any, meta any) {
	requestID := middleware.GetReqID(r.Context())

	resp := Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: requestID,
		Data:      data,
		Meta:      meta,
	}

	sendJSON(w, statusCode, resp)
}

// FiberJSON sends a JSON response from a fiber handler
func FiberJSON(c *fiber.Ctx, statusCode int, data any) error {
	return FiberWithMeta(c, statusCode, data, nil)
}

// FiberWithMeta adds metadata to a successful fiber response
func FiberWithMeta(c *fiber.Ctx, statusCode int, data any, meta any) error {
	return c.Status(statusCode).JSON(Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: fiberRequestID(c),
		Data:      data,
		Meta:      meta,
	})
}

// FiberError sends an error response from a fiber handler
func FiberError(c *fiber.Ctx, err error) error {
	resp, status := errorResponse(fiberRequestID(c), err)
	return c.Status(status).JSON(resp)
}

func errorResponse(requestID string, err error) (Response, int) {
	// Convert to APIError if needed
	apiErr := errors.FromError(err)
	apiErr.WithRequestID(requestID)

	return Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	}, apiErr.HTTPCode
}

// fiberRequestID reads the ID stored by the requestid middleware
func fiberRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}

// sendJSON is a helper function to send a JSON response
func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"success":false,"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`, http.StatusInternalServerError)
	}
}
