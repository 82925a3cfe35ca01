// Package filter implements the per-pair message filter: word blocking,
// media-type gating, header/footer stripping, mention removal, and
// length bounds. The transform is pure with respect to engine state
// except for the compiled-regex cache.
package filter

import (
	"regexp"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// DropReason names why a message was rejected. Reasons feed the per-pair
// counters; they are not errors.
type DropReason string

const (
	DropGlobalWord  DropReason = "global_word"
	DropBlockedWord DropReason = "blocked_word"
	DropMediaType   DropReason = "media_type"
	DropTooShort    DropReason = "too_short"
	DropTooLong     DropReason = "too_long"
)

// Result is the outcome of applying a pair's filters to one message.
type Result struct {
	Drop   bool
	Reason DropReason
	Word   string // matched term for word drops

	Text     string
	Entities []domain.Entity

	HeaderStripped  bool
	FooterStripped  bool
	MentionsRemoved int
}

// Mention grammar: @handle of 3-32 word characters. RE2 has no
// lookbehind, so the email-preservation rule (a mention preceded by a
// letter, digit, or period is part of an address) is expressed as a
// leading capture that the rewrite keeps.
var mentionRe = regexp.MustCompile(`(?m)(^|[^\pL\pN.])@[A-Za-z0-9_]{3,32}\b`)

// Cleanup passes after mention removal. All are newline-safe: they match
// spaces and tabs only, so the residue keeps its line structure.
var (
	emptyParensRe = regexp.MustCompile(`\([ \t]*\)`)
	spaceCommaRe  = regexp.MustCompile(`[ \t]+,`)
	doubleCommaRe = regexp.MustCompile(`,[ \t]*,`)
	multiSpaceRe  = regexp.MustCompile(`[ \t]{2,}`)
	trailSpaceRe  = regexp.MustCompile(`(?m)[ \t]+$`)
)

// Engine applies filter policy to messages. Safe for concurrent use.
type Engine struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]*regexp.Regexp // key → compiled; nil marks a disabled pattern
}

// New creates a filter engine.
func New(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "filter").Logger(),
		cache:  map[string]*regexp.Regexp{},
	}
}

// Apply runs the fixed filter sequence for one message under one pair's
// policy. globalWords and pairWords are the blocked-word sets; both are
// matched against the original text before any rewriting.
//
// Order is load-bearing: word blocks, media gate, header strip, footer
// strip, mention removal, length gate.
func (e *Engine) Apply(msg *domain.Message, pair *domain.Pair, globalWords, pairWords []string) Result {
	pol := &pair.Filters

	if w, hit := e.wordHit(msg.Text, globalWords); hit {
		return Result{Drop: true, Reason: DropGlobalWord, Word: w}
	}
	if w, hit := e.wordHit(msg.Text, pairWords); hit {
		return Result{Drop: true, Reason: DropBlockedWord, Word: w}
	}
	if w, hit := e.wordHit(msg.Text, pol.BlockedWords); hit {
		return Result{Drop: true, Reason: DropBlockedWord, Word: w}
	}

	if !pol.MediaAllowed(msg.MediaTag()) {
		return Result{Drop: true, Reason: DropMediaType}
	}

	text := []rune(msg.Text)
	ents := make([]domain.Entity, len(msg.Entities))
	copy(ents, msg.Entities)

	res := Result{}
	if pol.HeaderPattern != "" {
		if re := e.pattern(pol.HeaderPattern); re != nil {
			text, ents, res.HeaderStripped = stripHeader(text, ents, re)
		}
	}
	if pol.FooterPattern != "" {
		if re := e.pattern(pol.FooterPattern); re != nil {
			text, ents, res.FooterStripped = stripFooter(text, ents, re)
		}
	}
	if pol.RemoveMentions {
		text, ents, res.MentionsRemoved = stripMentions(text, ents, pol.MentionPlaceholder)
	}

	n := utf8.RuneCountInString(string(text))
	if n < pol.MinLength {
		return Result{Drop: true, Reason: DropTooShort}
	}
	// MaxLength zero means no upper bound.
	if pol.MaxLength > 0 && n > pol.MaxLength {
		return Result{Drop: true, Reason: DropTooLong}
	}

	res.Text = string(text)
	res.Entities = ents
	return res
}

// wordHit reports the first blocked term matching text. Terms match on
// word boundaries, case-insensitively; substrings do not trigger.
func (e *Engine) wordHit(text string, words []string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, w := range words {
		re := e.wordPattern(w)
		if re != nil && re.MatchString(text) {
			return w, true
		}
	}
	return "", false
}

func (e *Engine) wordPattern(word string) *regexp.Regexp {
	return e.compile("w:"+word, `(?i)\b`+regexp.QuoteMeta(word)+`\b`)
}

// pattern compiles a user-supplied header/footer regex with the
// case-insensitive flag. A compile error disables that pattern only; the
// pair keeps running without it.
func (e *Engine) pattern(p string) *regexp.Regexp {
	return e.compile("p:"+p, "(?i)"+p)
}

func (e *Engine) compile(key, expr string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.cache[key]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		e.logger.Warn().Err(err).Str("pattern", expr).Msg("Invalid filter pattern disabled")
		re = nil
	}
	e.cache[key] = re
	return re
}

// ValidatePattern checks that a user-supplied header/footer pattern
// compiles with the case-insensitive flag the engine adds.
func ValidatePattern(p string) error {
	_, err := regexp.Compile("(?i)" + p)
	return err
}

// ClearCache drops compiled patterns, forcing recompilation. Admin
// operations call this after pattern edits.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.cache = map[string]*regexp.Regexp{}
	e.mu.Unlock()
}

// stripHeader removes the leading block of lines matching re. Blank
// lines inside the block are skipped, so a header separated from the
// body by an empty line still strips; scanning stops at the first
// non-blank line that does not match. Empty lines left behind solely by
// the removal are consumed too.
func stripHeader(text []rune, ents []domain.Entity, re *regexp.Regexp) ([]rune, []domain.Entity, bool) {
	spans := lineSpans(text)
	last := -1 // index of the lowest matching line
	for i, sp := range spans {
		if sp[0] == sp[1] {
			continue
		}
		if !matchesAtLineStart(re, string(text[sp[0]:sp[1]])) {
			break
		}
		last = i
	}
	if last == -1 {
		return text, ents, false
	}

	cut := spans[last][1]
	if cut < len(text) {
		cut++ // the removed line's newline
	}
	// Consume empty lines exposed by the removal.
	for k := last + 1; k < len(spans) && spans[k][0] == spans[k][1]; k++ {
		cut = spans[k][1]
		if cut < len(text) {
			cut++
		}
	}

	text, ents = applyEdit(text, ents, 0, cut, nil)
	return text, ents, true
}

// stripFooter is the mirror of stripHeader for the trailing block.
// Blank lines below or between footer lines (including a trailing
// newline on the message) do not end the scan.
func stripFooter(text []rune, ents []domain.Entity, re *regexp.Regexp) ([]rune, []domain.Entity, bool) {
	spans := lineSpans(text)
	first := -1 // index of the topmost matching line
	for i := len(spans) - 1; i >= 0; i-- {
		sp := spans[i]
		if sp[0] == sp[1] {
			continue
		}
		if !matchesAtLineStart(re, string(text[sp[0]:sp[1]])) {
			break
		}
		first = i
	}
	if first == -1 {
		return text, ents, false
	}

	start := spans[first][0]
	if start > 0 {
		start-- // the preceding newline
	}
	for k := first - 1; k >= 0 && spans[k][0] == spans[k][1]; k-- {
		start = spans[k][0]
		if start > 0 {
			start--
		}
	}

	text, ents = applyEdit(text, ents, start, len(text), nil)
	return text, ents, true
}

func matchesAtLineStart(re *regexp.Regexp, line string) bool {
	loc := re.FindStringIndex(line)
	return loc != nil && loc[0] == 0
}

// stripMentions removes or replaces @handle tokens and runs the
// connective-punctuation cleanup. Space collapse never crosses a line
// break, so the newline count of the residue is preserved.
func stripMentions(text []rune, ents []domain.Entity, placeholder string) ([]rune, []domain.Entity, int) {
	s := string(text)
	matches := mentionRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return text, ents, 0
	}

	repl := []rune(placeholder)
	// Back to front: earlier byte offsets stay valid against s.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		start := byteToRune(s, m[3]) // end of the kept prefix capture
		end := byteToRune(s, m[1])
		text, ents = applyEdit(text, ents, start, end, repl)
	}

	if placeholder == "" {
		text, ents = subAll(text, ents, emptyParensRe, "")
		text, ents = subAll(text, ents, spaceCommaRe, ",")
		text, ents = subAll(text, ents, doubleCommaRe, ",")
	}
	text, ents = subAll(text, ents, multiSpaceRe, " ")
	text, ents = subAll(text, ents, trailSpaceRe, "")
	return text, ents, len(matches)
}

func subAll(text []rune, ents []domain.Entity, re *regexp.Regexp, repl string) ([]rune, []domain.Entity) {
	s := string(text)
	ms := re.FindAllStringIndex(s, -1)
	r := []rune(repl)
	for i := len(ms) - 1; i >= 0; i-- {
		text, ents = applyEdit(text, ents, byteToRune(s, ms[i][0]), byteToRune(s, ms[i][1]), r)
	}
	return text, ents
}
