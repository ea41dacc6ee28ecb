// ABOUTME: Request and response envelopes exchanged over websocket text frames.
// ABOUTME: Provides decoding helpers that classify malformed frames as protocol errors.

package rpc

import (
	"bytes"
	"encoding/json"
)

// Request is one inbound or outbound call.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result or Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

// HasID reports whether the request carries a usable (non-null) id.
func (r *Request) HasID() bool {
	trimmed := bytes.TrimSpace(r.ID)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, nullID)
}

// IDString returns the id as a plain string when it was sent as a JSON string,
// and its raw JSON text otherwise.
func (r *Request) IDString() string {
	return IDString(r.ID)
}

// IDString renders a raw id for logs and table keys.
func IDString(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(id))
}

// ParamsObject decodes params into a map. Absent or null params yield an
// empty map; anything other than an object is an invalid-params error.
func (r *Request) ParamsObject() (map[string]any, error) {
	trimmed := bytes.TrimSpace(r.Params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, nullID) {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(trimmed, &params); err != nil || params == nil {
		return nil, Errorf(CodeInvalidParams, "params must be an object")
	}
	return params, nil
}

// DecodeRequest parses a frame into a Request. A frame that is not a JSON
// object yields a parse error; the caller answers it with a null id.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Errorf(CodeParseError, "Invalid JSON")
	}
	return &req, nil
}

// Validate checks the fields every request must carry.
func (r *Request) Validate() error {
	if r.Method == "" {
		return Errorf(CodeInvalidRequest, "missing method")
	}
	if !r.HasID() {
		return Errorf(CodeInvalidRequest, "missing id")
	}
	return nil
}

// NewResult builds a success response, encoding result as JSON.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: normalizeID(id), Result: raw}, nil
}

// NewErrorResponse builds an error response. A nil or empty id is sent as null.
func NewErrorResponse(id json.RawMessage, rerr *Error) *Response {
	return &Response{ID: normalizeID(id), Error: rerr}
}

// MarshalJSON always emits "result" for success responses, including a JSON
// null result, so that exactly one of result or error appears on the wire.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			ID    json.RawMessage `json:"id"`
			Error *Error          `json:"error"`
		}{normalizeID(r.ID), r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = nullID
	}
	return json.Marshal(struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
	}{normalizeID(r.ID), result})
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return nullID
	}
	return id
}
