package types

import "encoding/json"

// Operation names understood by the remote device service.
const (
	OpUploadLogEntities   = "uploadLogEntities"
	OpGetAgentConfig      = "getAgentConfig"
	OpUpdateAgentConfig   = "updateAgentConfig"
	OpUpdateMachineConfig = "updateMachineConfig"
	OpPing                = "ping"
)

// Per-entity status values returned by the delivery operation.
const (
	StatusSuccess = "Success"
	StatusFail    = "Fail"
)

// Entity is one log record in an upload request. TransactionID is the
// record's fingerprint and acts as the upstream idempotency token.
type Entity struct {
	TransactionID string          `json:"transactionId"`
	Data          json.RawMessage `json:"data"`
}

// EntityStatus is the per-entity breakdown in an upload response, keyed by
// the same idempotency token that was sent.
type EntityStatus struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// Response is the decoded body of any named-operation call. The service
// reports whole-call outcome in Status or Response (legacy field), entity
// breakdowns for deliveries in Entities, and document payloads in Data.
type Response struct {
	Status   string         `json:"status,omitempty"`
	Response string         `json:"response,omitempty"`
	Entities []EntityStatus `json:"entities,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// OK reports the application-level success indicator: an explicit Success in
// either outcome field, or a response that carries neither.
func (r *Response) OK() bool {
	if r.Status == StatusSuccess || r.Response == StatusSuccess {
		return true
	}
	return r.Status == "" && r.Response == ""
}
