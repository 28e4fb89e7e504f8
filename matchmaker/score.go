package matchmaker

const (
	interestWeight = 10
	moodBonus      = 5
)

// Compatibility scores a pair: ten points per shared interest plus five when
// both moods are equal and non-empty. Either side lacking preferences scores
// zero. The score is symmetric in its arguments.
func Compatibility(a, b *Session) int {
	if a == nil || b == nil || a.Preferences == nil || b.Preferences == nil {
		return 0
	}

	theirs := make(map[string]struct{}, len(b.Preferences.Interests))
	for _, i := range b.Preferences.Interests {
		theirs[i] = struct{}{}
	}
	seen := make(map[string]struct{}, len(a.Preferences.Interests))
	common := 0
	for _, i := range a.Preferences.Interests {
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		if _, ok := theirs[i]; ok {
			common++
		}
	}

	score := common * interestWeight
	if a.Preferences.Mood != "" && a.Preferences.Mood == b.Preferences.Mood {
		score += moodBonus
	}
	return score
}
