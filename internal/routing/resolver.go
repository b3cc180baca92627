package routing

import (
	"strings"

	"github.com/sjvermaak/clawgate/internal/config"
	"github.com/sjvermaak/clawgate/internal/types"
)

// Policy is the effective delivery policy returned with every resolution.
type Policy struct {
	DMPolicy      string // open|allowlist|pairing|disabled
	GroupMentions bool   // groups require a mention to engage
}

// Resolution is the result of routing one envelope against one snapshot.
// Resolve never fails: when policy denies the envelope, Blocked is set and
// the caller discards it (no user-visible error, to avoid oracle behavior).
type Resolution struct {
	AgentID     string
	SessionKey  string
	Policy      Policy
	Blocked     bool
	BlockReason string
}

// Normalizer canonicalizes channel-specific account and peer identifiers
// (e.g. E.164 for phone-based channels) before binding matches.
type Normalizer interface {
	NormalizeAccount(account string) string
	NormalizePeer(peer string) string
}

// Resolve maps an envelope to (agent, session key, policy) using only the
// given config snapshot. Pure function: no I/O, no clock, no rand.
func Resolve(cfg *config.Config, env *types.Envelope, norm Normalizer) Resolution {
	account := env.Account
	peer := env.Peer
	if norm != nil {
		account = norm.NormalizeAccount(account)
		peer = norm.NormalizePeer(peer)
	}

	agentID := matchBinding(cfg, env, account, peer)
	if agentID == "" {
		agentID = cfg.Gateway.DefaultAgent
	}

	cc := cfg.Channel(env.Channel)
	pol := Policy{
		DMPolicy:      cc.EffectiveDMPolicy(),
		GroupMentions: cc.GroupMentions,
	}

	res := Resolution{AgentID: agentID, Policy: pol}
	if agentID == "" {
		res.Blocked = true
		res.BlockReason = "no binding matched and no default agent configured"
		return res
	}

	res.SessionKey = deriveKey(agentID, cc.EffectiveSessionScope(), env, account, peer).String()

	if blocked, reason := policyDenies(cc, pol, env, peer); blocked {
		res.Blocked = true
		res.BlockReason = reason
	}
	return res
}

// matchBinding walks bindings in declaration order; first match wins.
// "*" and absent selector fields match any value.
func matchBinding(cfg *config.Config, env *types.Envelope, account, peer string) string {
	for _, b := range cfg.Bindings {
		if !selectorMatch(b.Channel, env.Channel) {
			continue
		}
		if !selectorMatch(b.Account, account) {
			continue
		}
		switch env.ChatKind {
		case types.ChatKindGroup, types.ChatKindChannel:
			if b.Peer != "" && b.Peer != "*" {
				continue // peer-only binding does not match group chats
			}
			if !selectorMatch(b.Group, env.Group) {
				continue
			}
		case types.ChatKindThread:
			if !selectorMatch(b.Thread, env.Thread) {
				continue
			}
		default:
			if b.Group != "" && b.Group != "*" {
				continue
			}
			if !selectorMatch(b.Peer, peer) {
				continue
			}
		}
		return b.Agent
	}
	return ""
}

func selectorMatch(selector, value string) bool {
	return selector == "" || selector == "*" || selector == value
}

func deriveKey(agentID, scope string, env *types.Envelope, account, peer string) SessionKey {
	switch env.ChatKind {
	case types.ChatKindGroup, types.ChatKindChannel:
		k := SessionKey{
			Agent:   agentID,
			Scope:   "group",
			Channel: env.Channel,
			Account: account,
			Group:   env.Group,
		}
		if scope == config.SessionScopePerPeer {
			k.Peer = peer
		}
		return k
	case types.ChatKindThread:
		return SessionKey{Agent: agentID, Scope: "main", Thread: env.Thread}
	}
	if scope == config.SessionScopePerAgent {
		return SessionKey{Agent: agentID, Scope: "main", Topic: "default"}
	}
	return SessionKey{
		Agent:   agentID,
		Scope:   "peer",
		Channel: env.Channel,
		Account: account,
		Peer:    peer,
	}
}

func policyDenies(cc config.ChannelConfig, pol Policy, env *types.Envelope, peer string) (bool, string) {
	if env.ChatKind == types.ChatKindDM {
		switch pol.DMPolicy {
		case config.DMPolicyDisabled:
			return true, "dm policy disabled"
		case config.DMPolicyAllowlist:
			if !inAllowlist(cc.Allowlist, peer) {
				return true, "peer not in allowlist"
			}
		case config.DMPolicyPairing:
			// Pairing-gated peers are admitted once paired; pairing state is
			// checked by the gateway against the pairing store, not here.
		}
		return false, ""
	}

	if pol.GroupMentions && !mentioned(env) {
		return true, "group message without mention"
	}
	return false, ""
}

func inAllowlist(list []string, peer string) bool {
	for _, entry := range list {
		if entry == peer || entry == "*" {
			return true
		}
	}
	return false
}

func mentioned(env *types.Envelope) bool {
	for _, m := range env.Mentions {
		if strings.EqualFold(m, env.Account) || m == "self" {
			return true
		}
	}
	return false
}
