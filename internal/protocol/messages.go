// ABOUTME: Wire messages exchanged between the gateway, the agent and clients.
// ABOUTME: Frames are JSON objects tagged by "type" and decoded once into concrete structs.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the discriminator carried in every frame's "type" field.
type Type string

const (
	TypeIdentify    Type = "identify"
	TypeReady       Type = "ready"
	TypeError       Type = "error"
	TypeCommand     Type = "command"
	TypeResponse    Type = "response"
	TypeEvent       Type = "event"
	TypeAgentStatus Type = "agent-status"
)

// Role is the role a connection declares in its identify frame.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleClient Role = "client"
)

// Agent status values carried by agent-status frames.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Decode errors.
var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is implemented by every frame type.
type Message interface {
	MessageType() Type
}

// ID is an opaque correlation id. Numeric ids are accepted on input and
// carried as their literal text.
type ID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, string(b) == "null":
		*id = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*id = ID(n.String())
		return nil
	default:
		return fmt.Errorf("id must be a string or number, got %s", b)
	}
}

// Identify is the mandatory first frame on every connection.
type Identify struct {
	Type    Type   `json:"type"`
	Role    Role   `json:"role"`
	APIKey  string `json:"apiKey,omitempty"`
	Secret  string `json:"secret,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Ready acknowledges a successful identification.
type Ready struct {
	Type    Type   `json:"type"`
	Role    Role   `json:"role"`
	AgentID string `json:"agentId,omitempty"`
}

// Error reports a protocol, authorization or routing failure to a connection.
type Error struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

// Command asks the agent to run a method. Clients may omit ID.
type Command struct {
	Type   Type            `json:"type"`
	ID     ID              `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the terminal answer to a Command, from the agent or the gateway.
type Response struct {
	Type    Type            `json:"type"`
	ID      ID              `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// UnmarshalJSON requires only a usable id. The agent's success and error
// payloads are opaque: success counts only when it is JSON true, and an error
// that is not a string is kept as its "message" field or its JSON text.
func (r *Response) UnmarshalJSON(b []byte) error {
	var aux struct {
		Type    Type            `json:"type"`
		ID      ID              `json:"id"`
		Success json.RawMessage `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Response{
		Type:    aux.Type,
		ID:      aux.ID,
		Success: string(bytes.TrimSpace(aux.Success)) == "true",
		Data:    aux.Data,
		Error:   errorText(aux.Error),
	}
	return nil
}

func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	var compact bytes.Buffer
	if json.Compact(&compact, raw) == nil {
		return compact.String()
	}
	return string(raw)
}

// Event is an unsolicited agent notification fanned out to clients.
type Event struct {
	Type  Type            `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AgentInfo describes the connected agent.
type AgentInfo struct {
	AgentID     string    `json:"agentId"`
	Name        string    `json:"name,omitempty"`
	Version     string    `json:"version,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// AgentStatus tells clients whether an agent is online.
type AgentStatus struct {
	Type   Type       `json:"type"`
	Status string     `json:"status"`
	Info   *AgentInfo `json:"info,omitempty"`
}

func (Identify) MessageType() Type    { return TypeIdentify }
func (Ready) MessageType() Type       { return TypeReady }
func (Error) MessageType() Type       { return TypeError }
func (Command) MessageType() Type     { return TypeCommand }
func (Response) MessageType() Type    { return TypeResponse }
func (Event) MessageType() Type       { return TypeEvent }
func (AgentStatus) MessageType() Type { return TypeAgentStatus }

// Decode parses a frame into its concrete message type.
// Returns ErrMalformed for invalid JSON and ErrUnknownType for unrecognized tags.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	var err error
	switch head.Type {
	case TypeIdentify:
		var m Identify
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeReady:
		var m Ready
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeError:
		var m Error
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeCommand:
		var m Command
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeResponse:
		var m Response
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeEvent:
		var m Event
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeAgentStatus:
		var m AgentStatus
		err = json.Unmarshal(data, &m)
		msg = m
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Encode serializes a message into a frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// NewReady builds a ready frame. agentID is only set for agents.
func NewReady(role Role, agentID string) Ready {
	return Ready{Type: TypeReady, Role: role, AgentID: agentID}
}

// NewError builds an error frame.
func NewError(reason string) Error {
	return Error{Type: TypeError, Error: reason}
}

// NewCommand builds the command envelope forwarded to the agent.
// Params are always present on the agent leg.
func NewCommand(id ID, method string, params json.RawMessage) Command {
	if len(bytes.TrimSpace(params)) == 0 || string(bytes.TrimSpace(params)) == "null" {
		params = json.RawMessage(`{}`)
	}
	return Command{Type: TypeCommand, ID: id, Method: method, Params: params}
}

// Failure builds an unsuccessful response for id.
func Failure(id ID, reason string) Response {
	return Response{Type: TypeResponse, ID: id, Success: false, Error: reason}
}

// NewAgentStatus builds an agent-status frame. info is dropped when offline.
func NewAgentStatus(online bool, info *AgentInfo) AgentStatus {
	if !online {
		return AgentStatus{Type: TypeAgentStatus, Status: StatusOffline}
	}
	return AgentStatus{Type: TypeAgentStatus, Status: StatusOnline, Info: info}
}
