// Package protocol implements the broker envelope and connection state
// machine of spec.md §3/§4.C4: the JSON BrokerProtocol envelope carried as
// a frame payload, and the Connecting→Authenticating→Ready→Draining→Closed
// lifecycle driving how frames are accepted on a transport.BlockConnection.
package protocol

import (
	"encoding/json"

	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/ids"
)

// MessageType is the BrokerProtocol envelope's required discriminator.
type MessageType string

const (
	AsyncRpcDispatch              MessageType = "AsyncRpcDispatch"
	AsyncRpcAcknowledgment        MessageType = "AsyncRpcAcknowledgment"
	AsyncNotification             MessageType = "AsyncNotification"
	BackendAssociateTargetPeerId  MessageType = "BackendAssociateTargetPeerId"
	BackendDissociateTargetPeerId MessageType = "BackendDissociateTargetPeerId"
)

// PrincipalIdentityInfo carries the application-level authentication token
// and, once resolved by the auth cache, the security principal it maps to.
type PrincipalIdentityInfo struct {
	AuthenticationToken string          `json:"authenticationToken"`
	SecurityPrincipal   json.RawMessage `json:"securityPrincipal,omitempty"`
}

// Payload is the envelope's body: exactly one of asyncRpcRequest,
// asyncRpcResponse or notificationData is populated, per spec.md §3.
type Payload struct {
	AsyncRpcRequest  json.RawMessage `json:"asyncRpcRequest,omitempty"`
	AsyncRpcResponse *RpcResponse    `json:"asyncRpcResponse,omitempty"`
	NotificationData json.RawMessage `json:"notificationData,omitempty"`
}

// RpcResponse carries either a successful payload or a ServerError,
// mirroring errs.ServerError's wire shape (serverErrorJson).
type RpcResponse struct {
	Body            json.RawMessage  `json:"body,omitempty"`
	ServerErrorJson *ServerErrorJSON `json:"serverErrorJson,omitempty"`
}

// ServerErrorJSON is the wire representation of an errs.ServerError.
type ServerErrorJSON struct {
	Errno            int    `json:"errno"`
	ErrorCode        string `json:"errorCode"`
	ErrorCodeMessage string `json:"errorCodeMessage"`
	CategoryName     string `json:"categoryName"`
}

// Envelope is the BrokerProtocol envelope of spec.md §3.
type Envelope struct {
	MessageType           MessageType            `json:"messageType"`
	MessageID             ids.ID                 `json:"messageId"`
	ConversationID        ids.ID                 `json:"conversationId"`
	SourcePeerID          *ids.ID                `json:"sourcePeerId,omitempty"`
	TargetPeerID          *ids.ID                `json:"targetPeerId,omitempty"`
	PrincipalIdentityInfo *PrincipalIdentityInfo `json:"principalIdentityInfo,omitempty"`
	PassThroughUserData   json.RawMessage        `json:"passThroughUserData,omitempty"`
	Payload               *Payload               `json:"payload,omitempty"`

	// Unmapped preserves any fields a newer broker version added that this
	// build does not know about, so re-serializing a parsed envelope does
	// not silently drop them (spec.md §8 round-trip property).
	Unmapped map[string]json.RawMessage `json:"-"`
}

var knownEnvelopeFields = map[string]bool{
	"messageType": true, "messageId": true, "conversationId": true,
	"sourcePeerId": true, "targetPeerId": true, "principalIdentityInfo": true,
	"passThroughUserData": true, "payload": true,
}

// UnmarshalJSON decodes an envelope, stashing any field not in the known
// schema into Unmapped instead of discarding it.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	aux := &struct{ *alias }{alias: (*alias)(e)}
	if err := json.Unmarshal(data, aux); err != nil {
		return errs.Wrap(err, errs.CodeProtocolValidationFailed, "protocol: malformed envelope")
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errs.Wrap(err, errs.CodeProtocolValidationFailed, "protocol: malformed envelope")
	}
	unmapped := map[string]json.RawMessage{}
	for k, v := range raw {
		if !knownEnvelopeFields[k] {
			unmapped[k] = v
		}
	}
	if len(unmapped) > 0 {
		e.Unmapped = unmapped
	}
	return e.Validate()
}

// MarshalJSON re-serializes the envelope, splicing Unmapped fields back in
// alongside the known ones.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	base, err := json.Marshal((alias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.Unmapped) == 0 {
		return base, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Unmapped {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Validate enforces the envelope's structural requirements (required
// fields per spec.md §3), returning a ProtocolValidationFailed error.
func (e *Envelope) Validate() error {
	switch e.MessageType {
	case AsyncRpcDispatch, AsyncRpcAcknowledgment, AsyncNotification,
		BackendAssociateTargetPeerId, BackendDissociateTargetPeerId:
	default:
		return errs.New(errs.CodeProtocolValidationFailed, "protocol: unknown messageType %q", e.MessageType)
	}
	if e.MessageID.IsNil() {
		return errs.New(errs.CodeProtocolValidationFailed, "protocol: missing messageId")
	}
	if e.ConversationID.IsNil() {
		return errs.New(errs.CodeProtocolValidationFailed, "protocol: missing conversationId")
	}
	return nil
}
