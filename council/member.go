// Package council implements the three-stage deliberation pipeline: every
// member answers the query independently, each member reviews the anonymized
// answers of the whole council, and a chairman model synthesizes the final
// response. Progress and the terminal outcome stream out as Events.
package council

import (
	"github.com/c360studio/council/config"
	"github.com/c360studio/council/llm"
)

// defaultProvider is assumed when a member's config names none.
const defaultProvider = "ollama"

// Member is one voting model on the council.
type Member struct {
	Name        string
	Endpoint    llm.Endpoint
	Temperature *float64
}

// MemberFromConfig builds a Member from its configuration entry.
func MemberFromConfig(mc config.MemberConfig) Member {
	provider := mc.Provider
	if provider == "" {
		provider = defaultProvider
	}
	return Member{
		Name: mc.Name,
		Endpoint: llm.Endpoint{
			Provider: provider,
			URL:      mc.URL,
			Model:    mc.Name,
		},
		Temperature: mc.Temperature,
	}
}

// MembersFromConfig builds the council roster in configured order.
func MembersFromConfig(mcs []config.MemberConfig) []Member {
	members := make([]Member, len(mcs))
	for i, mc := range mcs {
		members[i] = MemberFromConfig(mc)
	}
	return members
}
