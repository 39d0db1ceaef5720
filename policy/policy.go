// Package policy decides who may review steps and resolve appeals.
//
// The lifecycle engine asks two questions: is this identity privileged
// (a global bypass for operators), and may this identity review steps
// of a task created by someone else. Both answers come from a small
// TOML file so deployments can grant reviewer delegation without code
// changes.
package policy

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Policy is the access policy handed to the lifecycle engine.
type Policy struct {
	// Privileged identities bypass all role checks.
	Privileged []string

	// CreatorReviews controls whether task creators review their own
	// tasks' steps. On by default; off only in deployments where a
	// dedicated review team holds delegation grants.
	CreatorReviews bool

	// Delegations grant review rights over a creator's tasks to other
	// identities.
	Delegations []Delegation
}

// Delegation grants identities review rights over one creator's tasks.
// An empty Creator grants rights over every creator.
type Delegation struct {
	Creator   string
	Reviewers []string
}

// tomlPolicy is the TOML representation.
type tomlPolicy struct {
	Access struct {
		Privileged     []string `toml:"privileged"`
		CreatorReviews *bool    `toml:"creator_reviews"`
	} `toml:"access"`
	Delegate []struct {
		Creator   string   `toml:"creator"`
		Reviewers []string `toml:"reviewers"`
	} `toml:"delegate"`
}

// New creates a policy with defaults: creators review their own tasks,
// nobody is privileged.
func New() *Policy {
	return &Policy{CreatorReviews: true}
}

// LoadFile loads a policy from a TOML file.
func LoadFile(path string) (*Policy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(string(content))
}

// Parse parses a policy from TOML content.
func Parse(content string) (*Policy, error) {
	var raw tomlPolicy
	if _, err := toml.Decode(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pol := New()
	pol.Privileged = raw.Access.Privileged
	if raw.Access.CreatorReviews != nil {
		pol.CreatorReviews = *raw.Access.CreatorReviews
	}
	for _, d := range raw.Delegate {
		pol.Delegations = append(pol.Delegations, Delegation{
			Creator:   d.Creator,
			Reviewers: d.Reviewers,
		})
	}
	return pol, nil
}

// IsPrivileged reports whether the identity bypasses role checks.
func (p *Policy) IsPrivileged(identity string) bool {
	if identity == "" {
		return false
	}
	for _, id := range p.Privileged {
		if id == identity {
			return true
		}
	}
	return false
}

// CanReview reports whether the identity may review steps of a task
// created by creatorID.
func (p *Policy) CanReview(identity, creatorID string) bool {
	if identity == "" {
		return false
	}
	if p.CreatorReviews && identity == creatorID {
		return true
	}
	for _, d := range p.Delegations {
		if d.Creator != "" && d.Creator != creatorID {
			continue
		}
		for _, r := range d.Reviewers {
			if r == identity {
				return true
			}
		}
	}
	return false
}
