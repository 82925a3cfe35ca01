package filter

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatmirror/internal/domain"
)

func testPair(mut func(*domain.FilterPolicy)) *domain.Pair {
	p := &domain.Pair{
		ID:      1,
		Status:  domain.PairActive,
		Filters: domain.DefaultFilterPolicy(),
	}
	if mut != nil {
		mut(&p.Filters)
	}
	return p
}

func apply(t *testing.T, text string, mut func(*domain.FilterPolicy)) Result {
	t.Helper()
	eng := New(zerolog.Nop())
	return eng.Apply(&domain.Message{ID: 1, ChatID: 100, Text: text}, testPair(mut), nil, nil)
}

func TestWordBlockMatchesOnBoundaries(t *testing.T) {
	eng := New(zerolog.Nop())
	pair := testPair(nil)

	res := eng.Apply(&domain.Message{Text: "free CRYPTO signals"}, pair, []string{"crypto"}, nil)
	assert.True(t, res.Drop)
	assert.Equal(t, DropGlobalWord, res.Reason)
	assert.Equal(t, "crypto", res.Word)

	// Substrings do not trigger.
	res = eng.Apply(&domain.Message{Text: "cryptography lecture"}, pair, []string{"crypto"}, nil)
	assert.False(t, res.Drop)
}

func TestWordBlockPairBeforePolicy(t *testing.T) {
	eng := New(zerolog.Nop())
	pair := testPair(func(p *domain.FilterPolicy) { p.BlockedWords = []string{"casino"} })

	res := eng.Apply(&domain.Message{Text: "casino night"}, pair, nil, []string{"casino"})
	assert.True(t, res.Drop)
	assert.Equal(t, DropBlockedWord, res.Reason)

	res = eng.Apply(&domain.Message{Text: "visit the casino"}, pair, nil, nil)
	assert.True(t, res.Drop, "policy-embedded words still block")
}

func TestMediaTypeGate(t *testing.T) {
	eng := New(zerolog.Nop())
	pair := testPair(func(p *domain.FilterPolicy) {
		p.AllowedMediaTypes = []string{string(domain.MediaText), string(domain.MediaPhoto)}
	})

	msg := &domain.Message{Text: "clip", Media: &domain.Media{Tag: domain.MediaVideo}}
	res := eng.Apply(msg, pair, nil, nil)
	assert.True(t, res.Drop)
	assert.Equal(t, DropMediaType, res.Reason)

	msg.Media.Tag = domain.MediaPhoto
	assert.False(t, eng.Apply(msg, pair, nil, nil).Drop)
}

func TestHeaderStripLeadingLinesOnly(t *testing.T) {
	res := apply(t, "AD: buy now\nAD: really\nactual content\nAD: trailing mention", func(p *domain.FilterPolicy) {
		p.HeaderPattern = `^AD:`
	})
	require.False(t, res.Drop)
	assert.True(t, res.HeaderStripped)
	assert.Equal(t, "actual content\nAD: trailing mention", res.Text)
}

func TestHeaderStripConsumesExposedBlankLine(t *testing.T) {
	res := apply(t, "PROMO channel\n\nreal text", func(p *domain.FilterPolicy) {
		p.HeaderPattern = `^PROMO`
	})
	assert.Equal(t, "real text", res.Text)
}

func TestFooterStripTrailingBlock(t *testing.T) {
	res := apply(t, "signal: long ETH\n\njoin @vip\nt.me/somewhere", func(p *domain.FilterPolicy) {
		p.FooterPattern = `^(join|t\.me)`
	})
	require.False(t, res.Drop)
	assert.True(t, res.FooterStripped)
	assert.Equal(t, "signal: long ETH", res.Text)
}

func TestFooterStripWithTrailingNewline(t *testing.T) {
	res := apply(t, "BUY EURUSD\n🔚 END\n", func(p *domain.FilterPolicy) {
		p.FooterPattern = `^🔚`
	})
	require.False(t, res.Drop)
	assert.True(t, res.FooterStripped)
	assert.Equal(t, "BUY EURUSD", res.Text)
}

func TestFooterStripSkipsInteriorBlankLines(t *testing.T) {
	res := apply(t, "signal\n\njoin @vip\n\nt.me/x\n", func(p *domain.FilterPolicy) {
		p.FooterPattern = `^(join|t\.me)`
	})
	require.True(t, res.FooterStripped)
	assert.Equal(t, "signal", res.Text)
}

func TestFooterTrailingNewlineAloneDoesNotStrip(t *testing.T) {
	res := apply(t, "plain text\n", func(p *domain.FilterPolicy) {
		p.FooterPattern = `^join`
	})
	assert.False(t, res.FooterStripped)
	assert.Equal(t, "plain text\n", res.Text)
}

func TestHeaderStripSkipsInteriorBlankLine(t *testing.T) {
	res := apply(t, "AD: one\n\nAD: two\nbody", func(p *domain.FilterPolicy) {
		p.HeaderPattern = `^AD:`
	})
	require.True(t, res.HeaderStripped)
	assert.Equal(t, "body", res.Text)
}

func TestHeaderNoMatchLeavesTextUntouched(t *testing.T) {
	res := apply(t, "plain message", func(p *domain.FilterPolicy) {
		p.HeaderPattern = `^AD:`
	})
	assert.False(t, res.HeaderStripped)
	assert.Equal(t, "plain message", res.Text)
}

func TestMentionRemoval(t *testing.T) {
	res := apply(t, "Hi @trader_one, welcome", func(p *domain.FilterPolicy) {
		p.RemoveMentions = true
	})
	require.False(t, res.Drop)
	assert.Equal(t, 1, res.MentionsRemoved)
	assert.Equal(t, "Hi, welcome", res.Text)
}

func TestMentionPlaceholder(t *testing.T) {
	res := apply(t, "ping @someone now", func(p *domain.FilterPolicy) {
		p.RemoveMentions = true
		p.MentionPlaceholder = "[user]"
	})
	assert.Equal(t, "ping [user] now", res.Text)
	assert.Equal(t, 1, res.MentionsRemoved)
}

func TestMentionKeepsEmailAddresses(t *testing.T) {
	res := apply(t, "mail me at help@example.com", func(p *domain.FilterPolicy) {
		p.RemoveMentions = true
	})
	assert.Equal(t, 0, res.MentionsRemoved)
	assert.Equal(t, "mail me at help@example.com", res.Text)
}

func TestMentionCleanupPreservesNewlines(t *testing.T) {
	res := apply(t, "line one @handle\nline two", func(p *domain.FilterPolicy) {
		p.RemoveMentions = true
	})
	assert.Equal(t, "line one\nline two", res.Text)
}

func TestMentionEmptyParensCleanup(t *testing.T) {
	res := apply(t, "contact (@someone) today", func(p *domain.FilterPolicy) {
		p.RemoveMentions = true
	})
	assert.Equal(t, "contact today", res.Text)
}

func TestLengthBoundsAfterRewriting(t *testing.T) {
	// Mention removal shrinks the text below the minimum.
	res := apply(t, "@longhandle hi", func(p *domain.FilterPolicy) {
		p.RemoveMentions = true
		p.MinLength = 10
	})
	assert.True(t, res.Drop)
	assert.Equal(t, DropTooShort, res.Reason)
}

func TestMaxLengthZeroIsUnbounded(t *testing.T) {
	long := make([]byte, 0, 12000)
	for i := 0; i < 12000; i++ {
		long = append(long, 'a')
	}
	res := apply(t, string(long), nil)
	assert.False(t, res.Drop)
}

func TestMaxLengthEnforced(t *testing.T) {
	res := apply(t, "0123456789x", func(p *domain.FilterPolicy) { p.MaxLength = 10 })
	assert.True(t, res.Drop)
	assert.Equal(t, DropTooLong, res.Reason)
}

func TestEntityShiftAcrossHeaderStrip(t *testing.T) {
	eng := New(zerolog.Nop())
	pair := testPair(func(p *domain.FilterPolicy) { p.HeaderPattern = `^AD:` })

	// "AD: x\nbold rest" — bold covers "bold" at runes 6..10.
	msg := &domain.Message{
		Text:     "AD: x\nbold rest",
		Entities: []domain.Entity{{Start: 6, End: 10, Kind: domain.EntityBold}},
	}
	res := eng.Apply(msg, pair, nil, nil)
	require.False(t, res.Drop)
	assert.Equal(t, "bold rest", res.Text)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 0, res.Entities[0].Start)
	assert.Equal(t, 4, res.Entities[0].End)
}

func TestEntityInsideRemovedRangeDropped(t *testing.T) {
	text := []rune("abcdef")
	ents := []domain.Entity{
		{Start: 1, End: 3, Kind: domain.EntityBold},   // inside cut
		{Start: 4, End: 6, Kind: domain.EntityItalic}, // after cut
	}
	out, kept := applyEdit(text, ents, 1, 3, nil)
	assert.Equal(t, "adef", string(out))
	require.Len(t, kept, 1)
	assert.Equal(t, domain.EntityItalic, kept[0].Kind)
	assert.Equal(t, 2, kept[0].Start)
	assert.Equal(t, 4, kept[0].End)
}

func TestEntityStraddlingEditClipped(t *testing.T) {
	text := []rune("abcdef")
	ents := []domain.Entity{{Start: 0, End: 4, Kind: domain.EntityBold}}
	out, kept := applyEdit(text, ents, 2, 6, nil)
	assert.Equal(t, "ab", string(out))
	require.Len(t, kept, 1)
	assert.Equal(t, 0, kept[0].Start)
	assert.Equal(t, 2, kept[0].End)
}

func TestInvalidPatternDisablesItself(t *testing.T) {
	res := apply(t, "still flows", func(p *domain.FilterPolicy) {
		p.HeaderPattern = `(unclosed`
	})
	assert.False(t, res.Drop)
	assert.Equal(t, "still flows", res.Text)

	assert.Error(t, ValidatePattern("(unclosed"))
	assert.NoError(t, ValidatePattern(`^AD:`))
}

func TestFilterOrderWordsBeforeMedia(t *testing.T) {
	eng := New(zerolog.Nop())
	pair := testPair(func(p *domain.FilterPolicy) {
		p.AllowedMediaTypes = []string{string(domain.MediaText)}
	})
	msg := &domain.Message{
		Text:  "banned caption",
		Media: &domain.Media{Tag: domain.MediaPhoto},
	}
	res := eng.Apply(msg, pair, []string{"banned"}, nil)
	assert.Equal(t, DropGlobalWord, res.Reason, "word check precedes the media gate")
}
