package remediate

import (
	"strings"
)

// LanguageOriginal is the sentinel rule language that resolves to the language
// of the track the session is currently playing.
const LanguageOriginal = "original"

// SelectionRule describes one acceptable alternative track. Rules are
// evaluated in the user-configured order and never mutated by the engine.
type SelectionRule struct {
	Codec           string   `toml:"codec"`
	MinChannels     int      `toml:"channels"` // minimum, not exact
	Language        string   `toml:"language"` // ISO code or "original"
	IncludeKeywords []string `toml:"keywords_include"`
	ExcludeKeywords []string `toml:"keywords_exclude"`
}

// MatchTrack returns the first alternative track satisfying the first rule
// that has any match, or nil when no rule matches. The current track is never
// returned; ties within a rule fall to the server-provided track order.
func MatchTrack(tracks []AudioTrack, currentTrackID int, rules []SelectionRule) *AudioTrack {
	if len(tracks) == 0 || len(rules) == 0 {
		return nil
	}

	// The "original" language is taken from the current track itself. When
	// the current track carries no language tag, rules requiring "original"
	// cannot match anything.
	originalLanguage := ""
	for i := range tracks {
		if tracks[i].ID == currentTrackID {
			originalLanguage = tracks[i].Language
			break
		}
	}

	for _, rule := range rules {
		for i := range tracks {
			candidate := &tracks[i]
			if candidate.ID == currentTrackID {
				continue
			}
			if ruleMatches(&rule, candidate, originalLanguage) {
				return candidate
			}
		}
	}

	return nil
}

func ruleMatches(rule *SelectionRule, track *AudioTrack, originalLanguage string) bool {
	// Exclusions disqualify before anything else is considered.
	title := strings.ToLower(track.DisplayTitle)
	for _, kw := range rule.ExcludeKeywords {
		if kw != "" && strings.Contains(title, strings.ToLower(kw)) {
			return false
		}
	}

	if rule.Codec != "" && !strings.EqualFold(track.Codec, rule.Codec) {
		return false
	}

	if rule.MinChannels > 0 && track.Channels < rule.MinChannels {
		return false
	}

	if rule.Language != "" {
		want := rule.Language
		if want == LanguageOriginal {
			if originalLanguage == "" {
				return false
			}
			want = originalLanguage
		}
		if !strings.EqualFold(track.Language, want) {
			return false
		}
	}

	if len(rule.IncludeKeywords) > 0 {
		matched := false
		for _, kw := range rule.IncludeKeywords {
			if kw != "" && strings.Contains(title, strings.ToLower(kw)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}
