package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the generic response envelope. Data holds either the
// kind-specific success payload or an ErrorBody.
type Response struct {
	Status string
	Data   json.RawMessage
}

// ErrorBody is the payload of an error response.
type ErrorBody struct {
	Code    int       `json:"code"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type responseEnvelope struct {
	Type   string          `json:"type"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Success builds a success response carrying payload.
func Success(payload any) (Response, error) {
	if payload == nil {
		return Response{Status: StatusSuccess}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("api: encode payload: %w", err)
	}
	return Response{Status: StatusSuccess, Data: raw}, nil
}

// Error builds an error response. An empty message falls back to the kind's default.
func Error(kind ErrorKind, message string) Response {
	if message == "" {
		message = kind.DefaultMessage()
	}
	raw, _ := json.Marshal(ErrorBody{Code: kind.Code(), Kind: kind, Message: message})
	return Response{Status: StatusError, Data: raw}
}

// ErrorFrom maps a handler error onto an error response. *KindError and
// *MissingFieldError keep their kinds and everything else is generic.
func ErrorFrom(err error) Response {
	var missing *MissingFieldError
	if errors.As(err, &missing) {
		return Error(KindMissingField, missing.Error())
	}
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return Error(kindErr.Kind, kindErr.Error())
	}
	return Error(KindGeneric, err.Error())
}

// ParseResponse decodes the generic response envelope.
func ParseResponse(raw []byte) (Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(raw), &env); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if env.Type != "" && env.Type != envelopeResponse {
		return Response{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidResponse, env.Type)
	}
	switch env.Status {
	case StatusSuccess, StatusError:
	default:
		return Response{}, fmt.Errorf("%w: unknown status %q", ErrInvalidResponse, env.Status)
	}
	return Response{Status: env.Status, Data: env.Data}, nil
}

// Encode serialises r into its wire form.
func (r Response) Encode() ([]byte, error) {
	return json.Marshal(responseEnvelope{
		Type:   envelopeResponse,
		Status: r.Status,
		Data:   r.Data,
	})
}

// MarshalJSON renders r as its wire envelope, so HTTP handlers can return it directly.
func (r Response) MarshalJSON() ([]byte, error) {
	return r.Encode()
}

func (r Response) String() string {
	raw, err := r.Encode()
	if err != nil {
		return fmt.Sprintf("response(%s)", r.Status)
	}
	return string(raw)
}

func (r Response) IsError() bool {
	return r.Status == StatusError
}

func (r Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Err returns the decoded error body when r is an error response.
func (r Response) Err() (ErrorBody, bool) {
	if !r.IsError() {
		return ErrorBody{}, false
	}
	var body ErrorBody
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &body); err != nil {
			return ErrorBody{Code: KindGeneric.Code(), Kind: KindGeneric, Message: string(r.Data)}, true
		}
	}
	if body.Kind == "" {
		body.Kind = KindGeneric
	}
	return body, true
}

// Decode unmarshals the success payload into out.
func (r Response) Decode(out any) error {
	if r.IsError() {
		return ErrErrorResponse
	}
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}
