// Package domain holds the value types shared across the replication
// engine: messages as observed on the platform, pair policy, mappings,
// and the error taxonomy for send outcomes.
package domain

import (
	"context"
	"time"
)

// MediaTag classifies the media attached to a message.
type MediaTag string

const (
	MediaText    MediaTag = "text"
	MediaPhoto   MediaTag = "photo"
	MediaVideo   MediaTag = "video"
	MediaDoc     MediaTag = "document"
	MediaAudio   MediaTag = "audio"
	MediaVoice   MediaTag = "voice"
	MediaSticker MediaTag = "sticker"
	MediaWebpage MediaTag = "webpage"
	MediaUnknown MediaTag = "unknown"
)

// IsImage reports whether media with this tag may carry a decodable
// still image (photo or image-typed document).
func (t MediaTag) IsImage(mime string) bool {
	if t == MediaPhoto {
		return true
	}
	return t == MediaDoc && len(mime) >= 6 && mime[:6] == "image/"
}

// EntityKind identifies a formatting range within message text.
type EntityKind string

const (
	EntityBold    EntityKind = "bold"
	EntityItalic  EntityKind = "italic"
	EntityCode    EntityKind = "code"
	EntityLink    EntityKind = "link"
	EntityMention EntityKind = "mention"
	EntityUnderl  EntityKind = "underline"
	EntityStrike  EntityKind = "strikethrough"
	EntitySpoiler EntityKind = "spoiler"
	EntityPre     EntityKind = "pre"
	EntityCustom  EntityKind = "custom"
)

// Entity is a flat formatting range over message text, measured in runes.
// Start is inclusive, End exclusive.
type Entity struct {
	Start int               `json:"start"`
	End   int               `json:"end"`
	Kind  EntityKind        `json:"kind"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Media describes the attachment of a source message. Bytes are fetched
// lazily so that filtered-out messages never cost a download.
type Media struct {
	Tag   MediaTag
	Mime  string
	Fetch func(ctx context.Context) ([]byte, error)
}

// Message is a transient snapshot of a source-chat message as delivered
// by the listener. The pipeline never retains it past dispatch.
type Message struct {
	ID        int64
	ChatID    int64
	AuthorID  int64
	Text      string
	Entities  []Entity
	Media     *Media
	ReplyToID int64
	Timestamp time.Time
}

// HasMedia reports whether the message carries an attachment.
func (m *Message) HasMedia() bool { return m.Media != nil && m.Media.Tag != MediaText }

// MediaTag returns the media classification, MediaText for plain text.
func (m *Message) MediaTag() MediaTag {
	if m.Media == nil {
		return MediaText
	}
	return m.Media.Tag
}

// PairStatus is the lifecycle state of a replication pair.
type PairStatus string

const (
	PairActive   PairStatus = "active"
	PairInactive PairStatus = "inactive"
)

// FilterPolicy is the typed per-pair filter record. Unknown keys in
// legacy JSON records are dropped with a warning at load time.
type FilterPolicy struct {
	BlockedWords       []string `json:"blocked_words"`
	RemoveMentions     bool     `json:"remove_mentions"`
	MentionPlaceholder string   `json:"mention_placeholder"`
	HeaderPattern      string   `json:"header_pattern"`
	FooterPattern      string   `json:"footer_pattern"`
	MinLength          int      `json:"min_length"`
	MaxLength          int      `json:"max_length"`
	AllowedMediaTypes  []string `json:"allowed_media_types"`
	SyncEdits          bool     `json:"sync_edits"`
	SyncDeletes        bool     `json:"sync_deletes"`
	PreserveReplies    bool     `json:"preserve_replies"`
	WatermarkEnabled   bool     `json:"watermark_enabled"`
	WatermarkText      string   `json:"watermark_text"`
}

// DefaultFilterPolicy returns the policy applied to a freshly created pair.
func DefaultFilterPolicy() FilterPolicy {
	return FilterPolicy{
		MentionPlaceholder: "",
		AllowedMediaTypes: []string{
			string(MediaText), string(MediaPhoto), string(MediaVideo),
			string(MediaDoc), string(MediaAudio), string(MediaVoice),
		},
		SyncEdits:       true,
		SyncDeletes:     false,
		PreserveReplies: true,
	}
}

// MediaAllowed reports whether tag passes the policy's media-type gate.
// An empty allow list admits everything.
func (p *FilterPolicy) MediaAllowed(tag MediaTag) bool {
	if len(p.AllowedMediaTypes) == 0 {
		return true
	}
	for _, t := range p.AllowedMediaTypes {
		if t == string(tag) {
			return true
		}
	}
	return false
}

// PairStats are the mutation counters carried by a pair. The pipeline is
// the only writer besides explicit admin resets.
type PairStats struct {
	MessagesCopied  int64      `json:"messages_copied"`
	WordsBlocked    int64      `json:"words_blocked"`
	MediaBlocked    int64      `json:"media_blocked"`
	LengthBlocked   int64      `json:"length_blocked"`
	ImagesBlocked   int64      `json:"images_blocked"`
	MentionsRemoved int64      `json:"mentions_removed"`
	HeadersRemoved  int64      `json:"headers_removed"`
	FootersRemoved  int64      `json:"footers_removed"`
	RepliesLinked   int64      `json:"replies_linked"`
	EditsSynced     int64      `json:"edits_synced"`
	DeletesSynced   int64      `json:"deletes_synced"`
	Errors          int64      `json:"errors"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
}

// Pair is a source↔destination replication binding with policy.
// (source_chat, destination_chat) is unique across the registry.
type Pair struct {
	ID         int64
	SourceChat int64
	DestChat   int64
	Name       string
	Status     PairStatus
	// SenderID pins the pair to one sending identity; zero means the
	// pool load-balances.
	SenderID  int64
	Filters   FilterPolicy
	Stats     PairStats
	CreatedAt time.Time
}

// Active reports whether the pipeline should replicate for this pair.
func (p *Pair) Active() bool { return p.Status == PairActive }

// MappingKind classifies the destination copy.
type MappingKind string

const (
	MappingText  MappingKind = "text"
	MappingMedia MappingKind = "media"
	MappingMixed MappingKind = "mixed"
)

// Mapping records one successful copy: the link from a source message to
// its destination twin within a pair. (SourceMsgID, PairID) is unique.
type Mapping struct {
	ID              int64
	SourceMsgID     int64
	DestMsgID       int64
	PairID          int64
	SenderID        int64
	SourceChat      int64
	DestChat        int64
	Kind            MappingKind
	HasMedia        bool
	ReplyToSourceID int64
	ReplyToDestID   int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SenderInfo is the persisted part of a sending identity. Runtime health
// lives in the sender pool, not here.
type SenderInfo struct {
	ID         int64
	Handle     string
	Credential string
	Enabled    bool
	UsageCount int64
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// BlockScope says whether a blocked image applies everywhere or to one pair.
type BlockScope string

const (
	ScopeGlobal BlockScope = "global"
	ScopePair   BlockScope = "pair"
)

// BlockedImage is a perceptual-hash block entry. An image is blocked when
// its pHash is within Threshold Hamming bits of PHash.
type BlockedImage struct {
	ID         int64
	PHash      uint64
	Scope      BlockScope
	PairID     int64 // zero for global scope
	Threshold  int
	Note       string
	UsageCount int64
	CreatedAt  time.Time
}

// Subscription is a timed-access record for a user in destination chats.
type Subscription struct {
	UserID    int64
	ExpiresAt time.Time
	AddedBy   string
	Notes     string
	CreatedAt time.Time
}

// Event types delivered by a SourceListener.

// NewEvent is a freshly posted source message.
type NewEvent struct{ Msg *Message }

// EditEvent is a source message whose content changed.
type EditEvent struct{ Msg *Message }

// DeleteEvent is a batch of source message deletions in one chat.
type DeleteEvent struct {
	ChatID int64
	MsgIDs []int64
}
