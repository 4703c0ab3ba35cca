// ABOUTME: Credential checks for the identify handshake
// ABOUTME: Compares API keys and agent secrets, plain or bcrypt-hashed, in constant time

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials indicates a presented key or secret did not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Method records how a connection was admitted.
type Method string

const (
	MethodOpen   Method = "open"
	MethodKey    Method = "key"
	MethodToken  Method = "token"
	MethodSecret Method = "secret"
)

// Grant is the outcome of a successful check.
type Grant struct {
	Method Method
	// Subject is the token subject for MethodToken, empty otherwise.
	Subject string
}

// Settings configures a Checker. Empty values leave that role open.
type Settings struct {
	APIKey      string
	AgentSecret string
	JWTSecret   string
}

// Checker authorizes identify frames.
type Checker struct {
	apiKey      secret
	agentSecret secret
	tokens      *JWTVerifier
}

// NewChecker builds a Checker. A JWT secret that is too short is an error.
func NewChecker(s Settings) (*Checker, error) {
	c := &Checker{
		apiKey:      newSecret(s.APIKey),
		agentSecret: newSecret(s.AgentSecret),
	}
	if s.JWTSecret != "" {
		v, err := NewJWTVerifier([]byte(s.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		c.tokens = v
	}
	return c, nil
}

// ClientAuthRequired reports whether clients must present credentials.
func (c *Checker) ClientAuthRequired() bool {
	return !c.apiKey.empty() || c.tokens != nil
}

// AgentAuthRequired reports whether the agent must present a secret.
func (c *Checker) AgentAuthRequired() bool {
	return !c.agentSecret.empty()
}

// AuthorizeClient checks a client's apiKey. It accepts the configured key or,
// when a JWT secret is set, a valid signed token.
func (c *Checker) AuthorizeClient(presented string) (Grant, error) {
	if !c.ClientAuthRequired() {
		return Grant{Method: MethodOpen}, nil
	}
	if !c.apiKey.empty() && c.apiKey.matches(presented) {
		return Grant{Method: MethodKey}, nil
	}
	if c.tokens != nil && presented != "" {
		sub, err := c.tokens.Verify(presented)
		if err == nil {
			return Grant{Method: MethodToken, Subject: sub}, nil
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return Grant{}, ErrInvalidCredentials
}

// AuthorizeAgent checks the agent's shared secret.
func (c *Checker) AuthorizeAgent(presented string) (Grant, error) {
	if !c.AgentAuthRequired() {
		return Grant{Method: MethodOpen}, nil
	}
	if c.agentSecret.matches(presented) {
		return Grant{Method: MethodSecret}, nil
	}
	return Grant{}, ErrInvalidCredentials
}

// secret is a configured credential, stored plain or as a bcrypt hash.
type secret struct {
	value  string
	hashed bool
}

func newSecret(v string) secret {
	return secret{value: v, hashed: isBcryptHash(v)}
}

func (s secret) empty() bool {
	return s.value == ""
}

func (s secret) matches(presented string) bool {
	if s.hashed {
		return bcrypt.CompareHashAndPassword([]byte(s.value), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(s.value), []byte(presented)) == 1
}

func isBcryptHash(v string) bool {
	return strings.HasPrefix(v, "$2a$") || strings.HasPrefix(v, "$2b$") || strings.HasPrefix(v, "$2y$")
}
