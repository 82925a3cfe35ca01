// Package telegram adapts the Telegram Bot API to the sender contract.
// One Sender wraps one bot token.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/mymmrac/telego/telegoutil"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// Sender is one bot identity. Safe for concurrent use; the underlying
// client serializes nothing, Telegram's per-chat limits are handled by
// the pool's rate-limit state.
type Sender struct {
	bot *telego.Bot
}

// New validates the token shape and builds a sender. No network call is
// made; the first Ping proves the credential.
func New(token string) (*Sender, error) {
	bot, err := telego.NewBot(token, telego.WithDefaultLogger(false, false))
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Sender{bot: bot}, nil
}

func (s *Sender) SendText(ctx context.Context, chat int64, text string, entities []domain.Entity, replyTo int64, disablePreview bool) (int64, error) {
	params := &telego.SendMessageParams{
		ChatID:   telego.ChatID{ID: chat},
		Text:     text,
		Entities: toMessageEntities(text, entities),
	}
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: int(replyTo)}
	}
	if disablePreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	msg, err := s.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, classify(err)
	}
	return int64(msg.MessageID), nil
}

func (s *Sender) SendMedia(ctx context.Context, chat int64, kind domain.MediaTag, data []byte, caption string, entities []domain.Entity, replyTo int64) (int64, error) {
	chatID := telego.ChatID{ID: chat}
	capEnts := toMessageEntities(caption, entities)
	var reply *telego.ReplyParameters
	if replyTo != 0 {
		reply = &telego.ReplyParameters{MessageID: int(replyTo)}
	}

	var msg *telego.Message
	var err error
	switch kind {
	case domain.MediaPhoto:
		msg, err = s.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID:          chatID,
			Photo:           telego.InputFile{File: telegoutil.NameReader(bytes.NewReader(data), "photo.jpg")},
			Caption:         caption,
			CaptionEntities: capEnts,
			ReplyParameters: reply,
		})
	case domain.MediaVideo:
		msg, err = s.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID:          chatID,
			Video:           telego.InputFile{File: telegoutil.NameReader(bytes.NewReader(data), "video.mp4")},
			Caption:         caption,
			CaptionEntities: capEnts,
			ReplyParameters: reply,
		})
	case domain.MediaAudio:
		msg, err = s.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID:          chatID,
			Audio:           telego.InputFile{File: telegoutil.NameReader(bytes.NewReader(data), "audio.mp3")},
			Caption:         caption,
			CaptionEntities: capEnts,
			ReplyParameters: reply,
		})
	case domain.MediaVoice:
		msg, err = s.bot.SendVoice(ctx, &telego.SendVoiceParams{
			ChatID:          chatID,
			Voice:           telego.InputFile{File: telegoutil.NameReader(bytes.NewReader(data), "voice.ogg")},
			Caption:         caption,
			CaptionEntities: capEnts,
			ReplyParameters: reply,
		})
	default:
		msg, err = s.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID:          chatID,
			Document:        telego.InputFile{File: telegoutil.NameReader(bytes.NewReader(data), "file.bin")},
			Caption:         caption,
			CaptionEntities: capEnts,
			ReplyParameters: reply,
		})
	}
	if err != nil {
		return 0, classify(err)
	}
	return int64(msg.MessageID), nil
}

func (s *Sender) EditText(ctx context.Context, chat, msgID int64, text string, entities []domain.Entity) error {
	_, err := s.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: chat},
		MessageID: int(msgID),
		Text:      text,
		Entities:  toMessageEntities(text, entities),
	})
	return classify(err)
}

func (s *Sender) DeleteMessage(ctx context.Context, chat, msgID int64) error {
	return classify(s.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    telego.ChatID{ID: chat},
		MessageID: int(msgID),
	}))
}

func (s *Sender) KickUser(ctx context.Context, chat, userID int64) error {
	return classify(s.bot.BanChatMember(ctx, &telego.BanChatMemberParams{
		ChatID: telego.ChatID{ID: chat},
		UserID: userID,
	}))
}

func (s *Sender) UnbanUser(ctx context.Context, chat, userID int64) error {
	return classify(s.bot.UnbanChatMember(ctx, &telego.UnbanChatMemberParams{
		ChatID:       telego.ChatID{ID: chat},
		UserID:       userID,
		OnlyIfBanned: true,
	}))
}

func (s *Sender) Ping(ctx context.Context) error {
	_, err := s.bot.GetMe(ctx)
	return classify(err)
}

// classify maps Bot API failures onto the send taxonomy: 429 carries
// retry_after, 4xx auth/permission/not-found are permanent, everything
// else (network, 5xx) retries.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return domain.Transient(err)
	}
	switch apiErr.ErrorCode {
	case 429:
		retryAfter := time.Second
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return domain.RateLimited(retryAfter, err)
	case 400, 401, 403, 404:
		return domain.Permanent(apiErr.ErrorCode, err)
	default:
		return domain.Transient(err)
	}
}

// entityTypes maps domain formatting kinds to Bot API entity types.
var entityTypes = map[domain.EntityKind]string{
	domain.EntityBold:    "bold",
	domain.EntityItalic:  "italic",
	domain.EntityCode:    "code",
	domain.EntityPre:     "pre",
	domain.EntityLink:    "text_link",
	domain.EntityMention: "mention",
	domain.EntityUnderl:  "underline",
	domain.EntityStrike:  "strikethrough",
	domain.EntitySpoiler: "spoiler",
}

// toMessageEntities converts rune-offset entities to the UTF-16 code
// unit offsets the Bot API requires. Unknown kinds are dropped.
func toMessageEntities(text string, ents []domain.Entity) []telego.MessageEntity {
	if len(ents) == 0 {
		return nil
	}

	// u16[i] = UTF-16 length of the first i runes.
	runes := []rune(text)
	u16 := make([]int, len(runes)+1)
	for i, r := range runes {
		u16[i+1] = u16[i] + utf16.RuneLen(r)
	}

	out := make([]telego.MessageEntity, 0, len(ents))
	for _, e := range ents {
		typ, ok := entityTypes[e.Kind]
		if !ok || e.Start < 0 || e.End > len(runes) || e.Start >= e.End {
			continue
		}
		me := telego.MessageEntity{
			Type:   typ,
			Offset: u16[e.Start],
			Length: u16[e.End] - u16[e.Start],
		}
		if typ == "text_link" {
			me.URL = e.Attrs["url"]
		}
		if typ == "pre" {
			me.Language = e.Attrs["language"]
		}
		out = append(out, me)
	}
	return out
}
