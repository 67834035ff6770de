package apperr

import (
	"math"
	"net/http"
	"time"
)

// HTTPStatus maps an error to the status code REST handlers respond with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeQuotaExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides internal causes from clients.
func PublicMessage(err error) string {
	appErr, ok := As(err)
	if !ok || appErr.Code == CodeInternal {
		return "internal server error"
	}
	return appErr.Message
}

// Body is the client-facing error payload shared by REST responses and
// realtime error events.
type Body struct {
	Code              Code       `json:"code"`
	Message           string     `json:"message"`
	Field             string     `json:"field,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	Remaining         *int       `json:"remaining,omitempty"`
}

// BodyOf builds the payload for err. Internal causes are never exposed.
func BodyOf(err error) Body {
	appErr, ok := As(err)
	if !ok {
		return Body{Code: CodeInternal, Message: PublicMessage(err)}
	}
	body := Body{Code: appErr.Code, Message: PublicMessage(err), Field: appErr.Field}
	if appErr.RetryAfter > 0 {
		body.RetryAfterSeconds = int(math.Ceil(appErr.RetryAfter.Seconds()))
	}
	if appErr.Code == CodeQuotaExceeded {
		zero := 0
		body.ResetAt = appErr.ResetAt
		body.Remaining = &zero
	}
	return body
}
