// people.go derives trust tiers from relationship state. The tier gates how
// often the agent reaches out proactively; it never gates replies.
package memory

// Trust tiers, loosest cadence first.
const (
	TierNewContact    = "new_contact"
	TierGettingToKnow = "getting_to_know"
	TierEstablished   = "established"
	TierCloseFriend   = "close_friend"
)

// tier thresholds on (relationshipScore, sampleCount). An override on the
// person wins over the derived tier.
var tierLadder = []struct {
	tier       string
	minScore   float64
	minSamples int
}{
	{TierCloseFriend, 0.8, 50},
	{TierEstablished, 0.5, 20},
	{TierGettingToKnow, 0.2, 5},
}

// TrustTier returns the tier for a person given their observation counters.
func TrustTier(p Person, c Counters) string {
	if p.TrustTierOverride != "" {
		return p.TrustTierOverride
	}
	for _, step := range tierLadder {
		if p.RelationshipScore >= step.minScore && c.SampleCount >= step.minSamples {
			return step.tier
		}
	}
	return TierNewContact
}

// TrustTierFor resolves a person's tier from the store. Unknown people are
// new contacts.
func (s *Store) TrustTierFor(personID string) (string, error) {
	p, err := s.GetPerson(personID)
	if err != nil {
		return TierNewContact, nil
	}
	c, err := s.GetCounters(personID)
	if err != nil {
		return TierNewContact, err
	}
	return TrustTier(p, c), nil
}
