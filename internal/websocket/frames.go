package websocket

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatrelay/pkg/apperr"
)

// Inbound frame types
const (
	FrameJoinConversation  = "join_conversation"
	FrameLeaveConversation = "leave_conversation"
	FrameSendMessage       = "send_message"
	FramePing              = "ping"
)

// InboundFrame is a client-to-server message
type InboundFrame struct {
	Type           string `json:"type" validate:"required,oneof=join_conversation leave_conversation send_message ping"`
	ConversationID string `json:"conversation_id" validate:"required_if=Type join_conversation,required_if=Type leave_conversation,required_if=Type send_message,max=128"`
	Content        string `json:"content" validate:"required_if=Type send_message"`
	RequestID      string `json:"request_id" validate:"max=128"`
}

// ConnectedPayload is the data of the connected event
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// RoomPayload is the data of joined/left events
type RoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

// decodeFrame parses and validates one frame. The returned frame carries
// whatever request id could be recovered, even on error.
func decodeFrame(v *validator.Validate, data []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, apperr.InvalidArgument("frame", "frame must be a JSON object")
	}

	if err := v.Struct(frame); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := jsonName(fe.Field())
			return frame, apperr.InvalidArgument(field, validationMessage(field, fe.Tag()))
		}
		return frame, apperr.InvalidArgument("frame", err.Error())
	}
	return frame, nil
}

func jsonName(field string) string {
	switch field {
	case "Type":
		return "type"
	case "ConversationID":
		return "conversation_id"
	case "Content":
		return "content"
	case "RequestID":
		return "request_id"
	default:
		return strings.ToLower(field)
	}
}

func validationMessage(field, tag string) string {
	switch tag {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return "unknown frame type"
	case "max":
		return field + " is too long"
	default:
		return field + " is invalid"
	}
}
