// ABOUTME: Rule-based consent analyzer over recent conversation messages
// ABOUTME: Scores by the balance of affirmative and refusal phrases

package analyzer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/2389/consent-gateway/internal/score"
	"github.com/2389/consent-gateway/internal/store"
)

// Phrases are matched as whole lowercase word sequences. Neutral phrases
// are masked first so that "no problem" never counts as a refusal.
var (
	affirmativePhrases = []string{
		"yes", "yeah", "yep", "sure", "absolutely", "definitely", "of course",
		"i consent", "i agree", "i want to", "i'd like that", "i would like that",
		"i'm comfortable", "i am comfortable", "i'm okay with", "i'm ok with",
		"happy to", "sounds good", "let's do it", "go ahead", "i'm into it",
	}
	refusalPhrases = []string{
		"no", "nope", "stop", "i refuse", "i said no", "back off", "leave me alone",
		"i don't want", "i do not want", "not comfortable", "uncomfortable",
		"please don't", "don't do that", "don't touch", "not interested",
		"i'm not okay", "i'm not ok", "not ok", "not okay", "i changed my mind",
	}
	neutralPhrases = []string{
		"no problem", "no worries", "not a problem", "why not", "no doubt",
		"don't worry", "don't mind",
	}
)

// nonConsentCeiling caps the score reported with a non_consent verdict.
const nonConsentCeiling = 25

// LexiconOption configures a Lexicon analyzer.
type LexiconOption func(*Lexicon)

// WithMinMessages sets the message count below which results are
// insufficient_data.
func WithMinMessages(n int) LexiconOption {
	return func(l *Lexicon) {
		if n > 0 {
			l.minMessages = n
		}
	}
}

// WithWindow sets how many of the most recent messages are evaluated.
func WithWindow(n int) LexiconOption {
	return func(l *Lexicon) {
		if n > 0 {
			l.window = n
		}
	}
}

// Lexicon is a rule-based Analyzer reading messages from a MessageStore.
type Lexicon struct {
	messages    store.MessageStore
	minMessages int
	window      int
	now         func() time.Time

	affirmative [][]string
	refusal     [][]string
	neutral     [][]string
}

// NewLexicon creates a Lexicon analyzer.
func NewLexicon(messages store.MessageStore, opts ...LexiconOption) *Lexicon {
	l := &Lexicon{
		messages:    messages,
		minMessages: DefaultMinMessages,
		window:      DefaultWindow,
		now:         func() time.Time { return time.Now().UTC() },
		affirmative: tokenizeAll(affirmativePhrases),
		refusal:     tokenizeAll(refusalPhrases),
		neutral:     tokenizeAll(neutralPhrases),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Evaluate implements Analyzer.
func (l *Lexicon) Evaluate(ctx context.Context, conversationID string) (score.Snapshot, error) {
	total, err := l.messages.CountMessages(ctx, conversationID)
	if err != nil {
		return score.Snapshot{}, fmt.Errorf("counting messages: %w", err)
	}

	snap := score.Snapshot{
		MessageCountAtEvaluation: total,
		EvaluatedAt:              l.now(),
	}
	if total < l.minMessages {
		snap.Score = 50
		snap.Status = score.StatusInsufficientData
		snap.Reasoning = fmt.Sprintf("%d of %d messages needed for evaluation", total, l.minMessages)
		return snap, nil
	}

	msgs, err := l.messages.ListMessages(ctx, conversationID, l.window)
	if err != nil {
		return score.Snapshot{}, fmt.Errorf("listing messages: %w", err)
	}

	var aff, ref int
	latest := make(map[string]int) // sender -> refusals in their latest message
	for _, m := range msgs {
		a, r := l.countSignals(tokenize(plainText(m.Content)))
		aff += a
		ref += r
		latest[m.SenderID] = r
	}

	var refusingNow []string
	for sender, r := range latest {
		if r > 0 {
			refusingNow = append(refusingNow, sender)
		}
	}
	slices.Sort(refusingNow)

	signals := aff + ref
	snap.Confidence = float64(signals) / float64(signals+2)
	snap.Score = 50
	if signals > 0 {
		snap.Score = clamp(50 + 50*(aff-ref)/signals)
	}

	switch {
	case len(refusingNow) > 0:
		snap.Status = score.StatusNonConsent
		snap.Score = min(snap.Score, nonConsentCeiling)
		snap.Confidence = max(snap.Confidence, 0.5)
		snap.Reasoning = fmt.Sprintf("refusal in the latest message from %s", strings.Join(refusingNow, ", "))
	case signals == 0:
		snap.Status = score.StatusUncertain
		snap.Reasoning = fmt.Sprintf("no consent signals in the last %d messages", len(msgs))
	case snap.Score >= 80 && ref == 0:
		snap.Status = score.StatusConsent
		snap.Reasoning = fmt.Sprintf("%d affirmative signals and no refusals in the last %d messages", aff, len(msgs))
	case snap.Score <= 30:
		snap.Status = score.StatusNonConsent
		snap.Reasoning = fmt.Sprintf("refusals outweigh affirmations (%d vs %d) in the last %d messages", ref, aff, len(msgs))
	default:
		snap.Status = score.StatusUncertain
		snap.Reasoning = fmt.Sprintf("mixed signals: %d affirmative, %d refusal in the last %d messages", aff, ref, len(msgs))
	}
	return snap, nil
}

// countSignals counts affirmative and refusal phrase occurrences in words.
func (l *Lexicon) countSignals(words []string) (aff, ref int) {
	masked := make([]bool, len(words))
	for _, p := range l.neutral {
		for _, i := range matches(words, p, nil) {
			for j := i; j < i+len(p); j++ {
				masked[j] = true
			}
		}
	}
	return countAll(words, l.affirmative, masked), countAll(words, l.refusal, masked)
}

func countAll(words []string, phrases [][]string, masked []bool) int {
	n := 0
	for _, p := range phrases {
		n += len(matches(words, p, masked))
	}
	return n
}

// matches returns the start index of every occurrence of phrase in words
// that touches no masked word.
func matches(words, phrase []string, masked []bool) []int {
	var out []int
outer:
	for i := 0; i+len(phrase) <= len(words); i++ {
		for j, w := range phrase {
			if words[i+j] != w || (masked != nil && masked[i+j]) {
				continue outer
			}
		}
		out = append(out, i)
	}
	return out
}

// tokenize lowercases s and splits it into words. Apostrophes stay inside
// words and typographic apostrophes are normalized.
func tokenize(s string) []string {
	s = strings.ToLower(strings.ReplaceAll(s, "’", "'"))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func tokenizeAll(phrases []string) [][]string {
	out := make([][]string, len(phrases))
	for i, p := range phrases {
		out[i] = tokenize(p)
	}
	return out
}

func clamp(v int) int {
	return max(score.MinScore, min(score.MaxScore, v))
}
