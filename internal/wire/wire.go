// Package wire implements the control-channel frame grammar from spec
// §4.4: discrete JSON text frames, ingress variants discriminated by
// which fields are present, egress variants tagged explicitly or by
// shape. Per spec §9 ("Polymorphic frame dispatch"), decoding happens
// once into a tagged Go type; callers switch on that tag rather than
// poking at raw fields themselves.
package wire

import "encoding/json"

// IngressKind tags the decoded shape of an inbound frame.
type IngressKind int

const (
	// KindInvalid marks a frame that matched none of the known shapes.
	KindInvalid IngressKind = iota
	KindRegistration
	KindResponse
	KindDashboardAttach
)

// StructuredResponse is the handler's reply to a forwarded request
// (spec §3 "Structured response"). Zero values apply the documented
// defaults: status 200, no extra headers, empty body.
type StructuredResponse struct {
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// StatusOrDefault returns the effective status code, defaulting to 200.
func (r StructuredResponse) StatusOrDefault() int {
	if r.StatusCode == 0 {
		return 200
	}
	return r.StatusCode
}

// CapturedRequest is what the engine forwards to a bound handler.
type CapturedRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// rawIngress is the union of every field that can appear on an ingress
// frame; Decode inspects field presence to classify it before anyone
// touches the typed accessors.
type rawIngress struct {
	Type      string              `json:"type,omitempty"`
	Slug      *string             `json:"slug,omitempty"`
	RequestID *string             `json:"requestId,omitempty"`
	Response  *StructuredResponse `json:"response,omitempty"`
}

// Ingress is the decoded, tagged form of one inbound frame.
type Ingress struct {
	Kind      IngressKind
	Slug      string
	RequestID string
	Response  StructuredResponse
}

// DecodeIngress classifies a raw frame per spec §4.4:
//   - {slug} with no requestId                     -> Registration
//   - {slug, requestId, response}                   -> Response
//   - {type: "status-client"}                       -> DashboardAttach
//   - anything else                                 -> Invalid
//
// A JSON syntax error is returned as-is; shape mismatches are reported
// via Ingress.Kind == KindInvalid, not an error, since the session loop
// replies with an error hint and keeps the connection open either way.
func DecodeIngress(data []byte) (Ingress, error) {
	var raw rawIngress
	if err := json.Unmarshal(data, &raw); err != nil {
		return Ingress{}, err
	}

	switch {
	case raw.Type == "status-client":
		return Ingress{Kind: KindDashboardAttach}, nil

	case raw.Slug != nil && raw.RequestID != nil && raw.Response != nil:
		return Ingress{
			Kind:      KindResponse,
			Slug:      *raw.Slug,
			RequestID: *raw.RequestID,
			Response:  *raw.Response,
		}, nil

	case raw.Slug != nil && raw.RequestID == nil:
		return Ingress{Kind: KindRegistration, Slug: *raw.Slug}, nil

	default:
		return Ingress{Kind: KindInvalid}, nil
	}
}

// RegisteredAck is the egress ack for a successful registration.
type RegisteredAck struct {
	Type string `json:"type"`
	Slug string `json:"slug"`
}

// NewRegisteredAck builds the ack frame for slug.
func NewRegisteredAck(slug string) RegisteredAck {
	return RegisteredAck{Type: "registered", Slug: slug}
}

// ForwardedRequest is the egress frame carrying a brokered HTTP request.
type ForwardedRequest struct {
	Slug      string          `json:"slug"`
	RequestID string          `json:"requestId"`
	Request   CapturedRequest `json:"request"`
}

// ErrorHint is sent back on a malformed or unrecognised ingress frame;
// the session is never closed for this (spec §4.4, §7).
type ErrorHint struct {
	Error string `json:"error"`
}

// NewErrorHint builds an error-hint frame.
func NewErrorHint(msg string) ErrorHint {
	return ErrorHint{Error: msg}
}

// Encode marshals any egress frame to its wire bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
