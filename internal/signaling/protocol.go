// Package signaling implements the connection broker: a WebSocket control
// channel server that issues short numeric identities, relays connection
// requests between endpoints and tracks which endpoints are linked.

package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/saintparish4/intercon/pkg/types"
)

// MessageType identifies the type of control message
type MessageType string

const (
	// Client -> Broker messages
	MessageTypeRegister          MessageType = "REGISTER"           // Bind the channel to a session token
	MessageTypeHeartbeat         MessageType = "HEARTBEAT"          // Liveness signal
	MessageTypeRequestConnection MessageType = "REQUEST_CONNECTION" // Ask peer_id for a link
	MessageTypeAcceptConnection  MessageType = "ACCEPT_CONNECTION"  // Accept the request from peer_id
	MessageTypeRejectConnection  MessageType = "REJECT_CONNECTION"  // Reject the request from peer_id
	MessageTypeCancelConnection  MessageType = "CANCEL_CONNECTION"  // Withdraw the request to peer_id
	MessageTypeDisconnectPeer    MessageType = "DISCONNECT_PEER"    // Tear down the link with peer_id
	MessageTypeDeregister        MessageType = "DEREGISTER"         // Leave the broker for good

	// Broker -> Client messages
	MessageTypeRegistrationSuccess   MessageType = "REGISTRATION_SUCCESS"
	MessageTypeConnectionRequest     MessageType = "CONNECTION_REQUEST"
	MessageTypeConnectionEstablished MessageType = "CONNECTION_ESTABLISHED"
	MessageTypeConnectionRejected    MessageType = "CONNECTION_REJECTED"
	MessageTypeConnectionFailed      MessageType = "CONNECTION_FAILED"
	MessageTypeConnectionTimeout     MessageType = "CONNECTION_TIMEOUT"
	MessageTypeConnectionCancelled   MessageType = "CONNECTION_CANCELLED"
	MessageTypePeerDisconnected      MessageType = "PEER_DISCONNECTED"
	MessageTypeHeartbeatAck          MessageType = "HEARTBEAT_ACK"
	MessageTypeError                 MessageType = "ERROR"
)

// HTTP headers used by the one-shot registration call and the control channel.
const (
	HeaderSession = "X-Client-Session"
	HeaderAddress = "X-Client-Address"
)

// Message represents a control channel message.
// All communication between clients and broker uses this envelope format.
type Message struct {
	Type      MessageType     `json:"type"`
	PeerID    types.Identity  `json:"peer_id,omitempty"`    // Counterpart of the operation
	Address   string          `json:"address,omitempty"`    // Counterpart's address when known
	Payload   json.RawMessage `json:"payload,omitempty"`    // Type-specific payload
	Timestamp int64           `json:"timestamp,omitempty"`  // Unix timestamp in milliseconds
	RequestID string          `json:"request_id,omitempty"` // For request/response correlation
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithPeerID sets the counterpart identity and returns the message for chaining
func (m *Message) WithPeerID(id types.Identity) *Message {
	m.PeerID = id
	return m
}

// WithAddress sets the counterpart address and returns the message for chaining
func (m *Message) WithAddress(addr string) *Message {
	m.Address = addr
	return m
}

// WithPayload sets the payload from any serializable value
func (m *Message) WithPayload(v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		m.Payload = json.RawMessage(fmt.Sprintf(`{"error":"marshal failed: %v"}`, err))
		return m
	}
	m.Payload = data
	return m
}

// WithRequestID sets the request ID for correlation.
func (m *Message) WithRequestID(id string) *Message {
	m.RequestID = id
	return m
}

// ParsePayload unmarshals the message payload into the provided type.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return fmt.Errorf("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// --- Payload Types ---

// RegisterPayload is sent with REGISTER messages.
type RegisterPayload struct {
	SessionToken string `json:"session_token"`
}

// RegistrationPayload is sent with REGISTRATION_SUCCESS.
type RegistrationPayload struct {
	Identity types.Identity `json:"identity"`
	Address  string         `json:"address"`
}

// RejectionPayload distinguishes an explicit rejection from an unanswered
// request that the broker expired.
type RejectionPayload struct {
	TimedOut bool `json:"timed_out"`
}

// FailurePayload is sent with CONNECTION_FAILED.
type FailurePayload struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

// FailureCode is the reason a connection request was refused by policy.
type FailureCode string

// Failure codes for FailurePayload.
const (
	FailureNone                FailureCode = ""
	FailureTargetNotFound      FailureCode = "TARGET_NOT_FOUND"
	FailureTargetOffline       FailureCode = "TARGET_OFFLINE"
	FailureTimeout             FailureCode = "TIMEOUT"
	FailureDuplicateRequest    FailureCode = "DUPLICATE_REQUEST"
	FailurePermanentlyRejected FailureCode = "PERMANENTLY_REJECTED"
	FailureCoolingDown         FailureCode = "COOLING_DOWN"
	FailureInvalidTarget       FailureCode = "INVALID_TARGET"
	FailureNotRegistered       FailureCode = "NOT_REGISTERED"
)

var failureText = map[FailureCode]string{
	FailureTargetNotFound:      "target is not registered",
	FailureTargetOffline:       "target is registered but not reachable right now",
	FailureTimeout:             "target did not answer in time",
	FailureDuplicateRequest:    "a request is already pending",
	FailurePermanentlyRejected: "target has rejected too many requests",
	FailureCoolingDown:         "target rejected a request recently",
	FailureInvalidTarget:       "target identity is invalid",
	FailureNotRegistered:       "requester is not registered",
}

// Text returns a short human readable description of the code.
func (c FailureCode) Text() string {
	if s, ok := failureText[c]; ok {
		return s
	}
	return string(c)
}

// ErrorPayload provides protocol error details.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes for ErrorPayload.
const (
	ErrorCodeInvalidMessage     = "INVALID_MESSAGE"
	ErrorCodeNotRegistered      = "NOT_REGISTERED"
	ErrorCodeRegistrationFailed = "REGISTRATION_FAILED"
	ErrorCodeRateLimited        = "RATE_LIMITED"
	ErrorCodeInternal           = "INTERNAL_ERROR"
)

// NewErrorMessage creates an error message.
func NewErrorMessage(code, message string) *Message {
	return NewMessage(MessageTypeError).WithPayload(ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// NewFailureMessage creates a CONNECTION_FAILED message about target.
func NewFailureMessage(target types.Identity, code FailureCode, message string) *Message {
	if message == "" {
		message = code.Text()
	}
	return NewMessage(MessageTypeConnectionFailed).
		WithPeerID(target).
		WithPayload(FailurePayload{Code: code, Message: message})
}
