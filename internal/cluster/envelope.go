package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeMissingKey         ErrorCode = "MISSING_KEY"
	CodeMissingValue       ErrorCode = "MISSING_VALUE"
	CodeKeyNotFound        ErrorCode = "KEY_NOT_FOUND"
	CodeUnknownShard       ErrorCode = "UNKNOWN_SHARD"
	CodeShuttingDown       ErrorCode = "SHUTTING_DOWN"
	CodeNoLeader           ErrorCode = "NO_LEADER"
	CodeProxyError         ErrorCode = "PROXY_ERROR"
	CodeRedirectFailed     ErrorCode = "REDIRECT_FAILED"
	CodePrepareFailed      ErrorCode = "PREPARE_FAILED"
	CodePartialReplication ErrorCode = "PARTIAL_REPLICATION"
	CodeStorageError       ErrorCode = "STORAGE_ERROR"
)

// Source tells which tier produced an error: the router (gateway) or a
// replica (shard).
type Source string

const (
	SourceGateway Source = "gateway"
	SourceShard   Source = "shard"
)

type codeSpec struct {
	errno  int
	status int
}

var codeSpecs = map[ErrorCode]codeSpec{
	CodeBadRequest:         {1000, http.StatusBadRequest},
	CodeMissingKey:         {1001, http.StatusBadRequest},
	CodeMissingValue:       {1002, http.StatusBadRequest},
	CodeKeyNotFound:        {1004, http.StatusNotFound},
	CodeUnknownShard:       {1005, http.StatusBadRequest},
	CodeShuttingDown:       {2001, http.StatusServiceUnavailable},
	CodeNoLeader:           {2002, http.StatusServiceUnavailable},
	CodeProxyError:         {3001, http.StatusBadGateway},
	CodeRedirectFailed:     {3002, http.StatusBadGateway},
	CodePrepareFailed:      {4001, http.StatusServiceUnavailable},
	CodePartialReplication: {4002, http.StatusInternalServerError},
	CodeStorageError:       {5001, http.StatusInternalServerError},
}

// ErrorBody is the error half of an envelope.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Errno   int       `json:"errno"`
	Message string    `json:"message"`
	Source  Source    `json:"source"`
}

// APIError is an ErrorBody together with the HTTP status it is served with.
type APIError struct {
	Status int
	ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Source, e.Message)
}

// NewError builds an APIError for a known code. Unknown codes are served as
// internal errors.
func NewError(source Source, code ErrorCode, format string, args ...any) *APIError {
	spec, found := codeSpecs[code]
	if !found {
		spec = codeSpec{errno: 9999, status: http.StatusInternalServerError}
	}

	return &APIError{
		Status: spec.status,
		ErrorBody: ErrorBody{
			Code:    code,
			Errno:   spec.errno,
			Message: fmt.Sprintf(format, args...),
			Source:  source,
		},
	}
}

// Body is the content of an envelope. A nil Error is encoded as 0.
type Body struct {
	Error *ErrorBody
	Data  json.RawMessage
}

type bodyJSON struct {
	Error json.RawMessage `json:"error"`
	Data  json.RawMessage `json:"data"`
}

// MarshalJSON encodes a nil Error as 0 and empty Data as null.
func (b Body) MarshalJSON() ([]byte, error) {
	v := bodyJSON{Error: json.RawMessage("0"), Data: b.Data}

	if b.Error != nil {
		data, err := json.Marshal(b.Error)
		if err != nil {
			return nil, err
		}
		v.Error = data
	}

	if len(v.Data) == 0 {
		v.Data = json.RawMessage("null")
	}

	return json.Marshal(v)
}

// UnmarshalJSON accepts 0, null or a missing field as "no error".
func (b *Body) UnmarshalJSON(data []byte) error {
	var v bodyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	b.Data = v.Data
	b.Error = nil

	raw := bytes.TrimSpace(v.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("0")) || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var eb ErrorBody
	if err := json.Unmarshal(raw, &eb); err != nil {
		return fmt.Errorf("invalid error field: %w", err)
	}
	b.Error = &eb

	return nil
}

// Envelope wraps every client-facing response.
type Envelope struct {
	Resp Body `json:"resp"`
}

// Err returns the envelope error as an *APIError, or nil on success. status
// is the HTTP status the envelope was received with.
func (e *Envelope) Err(status int) error {
	if e.Resp.Error == nil {
		return nil
	}
	return &APIError{Status: status, ErrorBody: *e.Resp.Error}
}

// DecodeData unmarshals the data half of the envelope into out.
func (e *Envelope) DecodeData(out any) error {
	data := bytes.TrimSpace(e.Resp.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return errors.New("empty envelope data")
	}
	return json.Unmarshal(e.Resp.Data, out)
}

// DecodeEnvelope reads an envelope from r.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("cannot decode envelope: %w", err)
	}
	return &env, nil
}

// WriteData replies with a successful envelope carrying data.
func WriteData(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		WriteError(w, &APIError{
			Status: http.StatusInternalServerError,
			ErrorBody: ErrorBody{
				Code:    "INTERNAL",
				Errno:   9999,
				Message: fmt.Sprintf("cannot encode response: %v", err),
			},
		})
		return
	}

	writeEnvelope(w, status, Envelope{Resp: Body{Data: raw}})
}

// WriteError replies with an error envelope.
func WriteError(w http.ResponseWriter, apiErr *APIError) {
	body := apiErr.ErrorBody
	writeEnvelope(w, apiErr.Status, Envelope{Resp: Body{Error: &body}})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
