// ABOUTME: Contact trust-tier policy mapping tiers to model and turn caps.
// ABOUTME: Unknown tiers are denied outright; this is a security boundary, not a default.

package tier

// Policy is the resolved permission set for one trust tier.
type Policy struct {
	Name     string
	Model    string
	MaxTurns int // hard per-session turn cap; 0 means unlimited
	Pinned   bool
}

// builtinPolicies are the tiers known out of the box. Config may override
// fields or add tiers; it can never make an unlisted tier pass Lookup.
var builtinPolicies = map[string]Policy{
	"owner": {
		Name:     "owner",
		Model:    "claude-opus-4-5",
		MaxTurns: 0,
		Pinned:   true,
	},
	"family": {
		Name:     "family",
		Model:    "claude-sonnet-4-5",
		MaxTurns: 200,
	},
	"friend": {
		Name:     "friend",
		Model:    "claude-sonnet-4-5",
		MaxTurns: 50,
	},
}

// Resolver answers tier lookups for the session manager.
type Resolver struct {
	policies map[string]Policy
}

// Override adjusts or adds a tier at construction time.
type Override struct {
	Model    string
	MaxTurns int
	Pinned   bool
}

// NewResolver builds a resolver from the builtin tiers plus overrides.
// An override for a new tier name defines that tier; an override for a
// builtin tier replaces the non-zero fields.
func NewResolver(overrides map[string]Override) *Resolver {
	policies := make(map[string]Policy, len(builtinPolicies)+len(overrides))
	for name, p := range builtinPolicies {
		policies[name] = p
	}
	for name, o := range overrides {
		p, ok := policies[name]
		if !ok {
			p = Policy{Name: name}
		}
		if o.Model != "" {
			p.Model = o.Model
		}
		if o.MaxTurns != 0 {
			p.MaxTurns = o.MaxTurns
		}
		if o.Pinned {
			p.Pinned = true
		}
		policies[name] = p
	}
	return &Resolver{policies: policies}
}

// Lookup returns the policy for a tier name. ok is false for unknown or
// empty tiers; the caller must drop the message without creating a session
// or invoking any send primitive.
func (r *Resolver) Lookup(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}
