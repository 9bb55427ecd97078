package tutor

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/opentutor/opentutor/internal/store"
)

// stopwords are filler tokens never worth recording as vocabulary.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "you": {}, "are": {}, "with": {},
	"that": {}, "this": {}, "have": {}, "your": {}, "but": {}, "not": {},
	"was": {}, "what": {}, "when": {}, "where": {}, "which": {}, "will": {},
	"would": {}, "can": {}, "could": {}, "please": {}, "from": {},
	"they": {}, "them": {}, "then": {}, "than": {}, "about": {},
}

// vocabToken matches letter runs of 3-20 characters, including the
// Latin-1 accented range and apostrophes, lowercased by the caller.
var vocabToken = regexp.MustCompile(`[a-zà-ÿ']{3,20}`)

// correctionMarker detects a correction line in a tutor reply. The
// format depends on the generation backend's output style, so this is
// a best-effort signal only: its absence never indicates correctness.
var correctionMarker = regexp.MustCompile(`(?i)(?:Correction|Correct|Better):\s*(.+)`)

// ShouldRefreshSummary reports whether the accumulated message count
// has reached the refresh threshold.
func ShouldRefreshSummary(messagesSinceSummary, threshold int) bool {
	return messagesSinceSummary >= threshold
}

// ExtractCandidateVocab tokenizes learner text into lowercase terms,
// drops stopwords, de-duplicates preserving first-seen order, and caps
// the result at maxTerms. A heuristic, not precise extraction.
func ExtractCandidateVocab(text string, maxTerms int) []string {
	if maxTerms <= 0 {
		return nil
	}
	matches := vocabToken.FindAllString(strings.ToLower(text), -1)

	var unique []string
	seen := make(map[string]struct{}, len(matches))
	for _, token := range matches {
		if _, stop := stopwords[token]; stop {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		unique = append(unique, token)
		if len(unique) >= maxTerms {
			break
		}
	}
	return unique
}

// maxVocabTerms caps how many candidate terms one exchange records.
const maxVocabTerms = 8

// RecordLearnerSignals extracts vocabulary sightings from the learner
// text and an inferred mistake from the tutor reply, persisting both.
// Pure enrichment: every failure is logged and swallowed so a signal
// problem can never abort a turn.
func RecordLearnerSignals(s *store.Store, logger *slog.Logger, learnerID, learnerText, tutorReply string) {
	example := clampRunes(learnerText, 200)
	for _, term := range ExtractCandidateVocab(learnerText, maxVocabTerms) {
		if err := s.AddVocabSighting(learnerID, term, example); err != nil {
			logger.Debug("vocab sighting failed", "learner", learnerID, "term", term, "error", err)
		}
	}

	if m := correctionMarker.FindStringSubmatch(tutorReply); m != nil {
		err := s.AddMistake(learnerID, "reply-inferred", clampRunes(learnerText, 300), clampRunes(m[1], 300))
		if err != nil {
			logger.Debug("mistake record failed", "learner", learnerID, "error", err)
		}
	}
}

// clampRunes hard-cuts text to n runes with no ellipsis, for stored
// example snippets.
func clampRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
