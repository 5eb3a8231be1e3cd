package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Envelope is the normalized result of every non-streaming call.
// Success is true iff Data is set; Message is set whenever Success is false.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Message string `json:"message,omitempty"`

	// Status is the final HTTP status, or 0 when no response arrived.
	Status int `json:"-"`
	// Err carries the failure class for errors.Is checks.
	Err error `json:"-"`
}

func failed[T any](status int, err error, message string) Envelope[T] {
	if strings.TrimSpace(message) == "" {
		message = "request failed"
	}
	return Envelope[T]{Status: status, Err: err, Message: message}
}

func succeeded[T any](status int, data *T) Envelope[T] {
	if data == nil {
		data = new(T)
	}
	return Envelope[T]{Success: true, Data: data, Status: status}
}

// ID is a backend identifier that may be serialized as a string or a number.
type ID string

// UnmarshalJSON accepts "abc", 42 and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// ExtractMessage pulls a human-readable error out of a non-2xx body. It
// understands FastAPI's detail shapes before falling back to a generic string.
func ExtractMessage(status int, body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := detailMessage(payload["detail"]); msg != "" {
			return msg
		}
		for _, key := range []string{"message", "error"} {
			var s string
			if raw, ok := payload[key]; ok && json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return GenericMessage(status)
}

// GenericMessage is the fallback text for a status without a readable body.
func GenericMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("request failed with status %d (%s)", status, text)
	}
	return fmt.Sprintf("request failed with status %d", status)
}

func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	// FastAPI validation errors: [{"loc": [...], "msg": "...", "type": "..."}]
	var items []struct {
		Msg string        `json:"msg"`
		Loc []interface{} `json:"loc"`
	}
	if json.Unmarshal(raw, &items) == nil && len(items) > 0 && items[0].Msg != "" {
		if field := lastLoc(items[0].Loc); field != "" {
			return fmt.Sprintf("%s: %s", field, items[0].Msg)
		}
		return items[0].Msg
	}
	var obj struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Msg
	}
	return ""
}

func lastLoc(loc []interface{}) string {
	if len(loc) == 0 {
		return ""
	}
	if s, ok := loc[len(loc)-1].(string); ok {
		return s
	}
	return ""
}

// unwrapBackend strips a {success, data, message} wrapper the backend may add
// around its payload. ok is false when the wrapper reports success=false.
func unwrapBackend(body []byte) (data json.RawMessage, message string, ok bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, "", true
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return trimmed, "", true
	}
	rawSuccess, hasSuccess := wrapper["success"]
	_, hasData := wrapper["data"]
	_, hasMessage := wrapper["message"]
	var success bool
	if !hasSuccess || json.Unmarshal(rawSuccess, &success) != nil || (!hasData && !hasMessage) {
		return trimmed, "", true
	}
	var msg string
	if raw, ok := wrapper["message"]; ok {
		_ = json.Unmarshal(raw, &msg)
	}
	if !success {
		return nil, msg, false
	}
	if hasData {
		return wrapper["data"], msg, true
	}
	// {"success": true, "message": "..."} carries no payload of its own.
	return trimmed, msg, true
}
