// ABOUTME: Error strings the gateway sends to connections.
// ABOUTME: Clients match on these, so they are part of the wire contract.

package protocol

const (
	ReasonNoAgent             = "No agent connected"
	ReasonTimeout             = "Command timeout"
	ReasonAgentDisconnected   = "Agent disconnected"
	ReasonMissingMethod       = "Missing method"
	ReasonDuplicateID         = "Duplicate command id"
	ReasonInvalidAPIKey       = "Invalid API key"
	ReasonInvalidSecret       = "Invalid agent secret"
	ReasonInvalidRole         = "Invalid role"
	ReasonMustIdentify        = "Must identify first"
	ReasonInvalidMessage      = "Invalid message"
	ReasonIdentifyTimeout     = "Identification timeout"
	ReasonAlreadyIdentified   = "Already identified"
	ReasonAgentAlreadyOnline  = "Agent already connected"
	ReasonAgentReplaced       = "Replaced by a new agent connection"
	ReasonNotAllowedForClient = "Message type not allowed for client"
)

// UnknownMethod formats the rejection for a method outside the vocabulary.
func UnknownMethod(method string) string {
	return "Unknown method: " + method
}
