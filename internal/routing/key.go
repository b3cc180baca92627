// Package routing derives agent and session bindings for inbound envelopes.
package routing

import (
	"fmt"
	"strings"
)

// SessionKey identifies one conversation's state. Keys are hierarchical,
// ASCII and case-sensitive: "agent:{agent}:{scope}" where scope is one of
//
//	peer:{channel}:{account}:{peer}
//	group:{channel}:{account}:{group}[:{peer}]
//	main:thread:{thread}
//	main:topic:{topic}
//	subagent:{parent}:{subagent}
//
// String and ParseKey are inverses: any built key parses back to the
// same fields.
type SessionKey struct {
	Agent    string
	Scope    string // "peer", "group", "main", "subagent"
	Channel  string
	Account  string
	Peer     string
	Group    string
	Thread   string
	Topic    string
	Parent   string // subagent scope: parent session key component
	Subagent string
}

// sanitizeField keeps key fields inside the grammar: the separator and
// whitespace are folded to '-'. Empty fields stay empty.
func sanitizeField(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == ':' || r == ' ' || r == '\t' || r == '\n':
			b.WriteByte('-')
		case r < 0x21 || r > 0x7e:
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// String builds the canonical key text.
func (k SessionKey) String() string {
	agent := sanitizeField(k.Agent)
	switch k.Scope {
	case "peer":
		return fmt.Sprintf("agent:%s:peer:%s:%s:%s",
			agent, sanitizeField(k.Channel), sanitizeField(k.Account), sanitizeField(k.Peer))
	case "group":
		base := fmt.Sprintf("agent:%s:group:%s:%s:%s",
			agent, sanitizeField(k.Channel), sanitizeField(k.Account), sanitizeField(k.Group))
		if k.Peer != "" {
			return base + ":" + sanitizeField(k.Peer)
		}
		return base
	case "main":
		if k.Thread != "" {
			return fmt.Sprintf("agent:%s:main:thread:%s", agent, sanitizeField(k.Thread))
		}
		return fmt.Sprintf("agent:%s:main:topic:%s", agent, sanitizeField(k.Topic))
	case "subagent":
		return fmt.Sprintf("agent:%s:subagent:%s:%s",
			agent, sanitizeField(k.Parent), sanitizeField(k.Subagent))
	}
	return fmt.Sprintf("agent:%s:main:topic:default", agent)
}

// ParseKey splits a key string back into its fields.
func ParseKey(s string) (SessionKey, error) {
	var k SessionKey
	parts := strings.Split(s, ":")
	if len(parts) < 4 || parts[0] != "agent" {
		return k, fmt.Errorf("invalid session key: %q", s)
	}
	k.Agent = parts[1]
	k.Scope = parts[2]
	rest := parts[3:]

	switch k.Scope {
	case "peer":
		if len(rest) != 3 {
			return k, fmt.Errorf("invalid peer session key: %q", s)
		}
		k.Channel, k.Account, k.Peer = rest[0], rest[1], rest[2]
	case "group":
		if len(rest) != 3 && len(rest) != 4 {
			return k, fmt.Errorf("invalid group session key: %q", s)
		}
		k.Channel, k.Account, k.Group = rest[0], rest[1], rest[2]
		if len(rest) == 4 {
			k.Peer = rest[3]
		}
	case "main":
		if len(rest) != 2 {
			return k, fmt.Errorf("invalid main session key: %q", s)
		}
		switch rest[0] {
		case "thread":
			k.Thread = rest[1]
		case "topic":
			k.Topic = rest[1]
		default:
			return k, fmt.Errorf("invalid main scope kind %q in key %q", rest[0], s)
		}
	case "subagent":
		if len(rest) != 2 {
			return k, fmt.Errorf("invalid subagent session key: %q", s)
		}
		k.Parent, k.Subagent = rest[0], rest[1]
	default:
		return k, fmt.Errorf("unknown session scope %q in key %q", k.Scope, s)
	}
	return k, nil
}
