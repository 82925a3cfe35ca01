// Package listener receives source-chat events and hands them to the
// pipeline. The transport is NATS; event payloads are JSON with media
// bytes fetched lazily over HTTP.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// Handler consumes decoded source events. The pipeline implements it.
type Handler interface {
	OnNew(ctx context.Context, ev *domain.NewEvent)
	OnEdit(ctx context.Context, ev *domain.EditEvent)
	OnDelete(ctx context.Context, ev *domain.DeleteEvent)
}

// maxMediaBytes bounds a single media download.
const maxMediaBytes = 50 << 20

type wireEntity struct {
	Start int               `json:"start"`
	End   int               `json:"end"`
	Kind  string            `json:"kind"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

type wireMedia struct {
	Tag  string `json:"tag"`
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

type wireMessage struct {
	ID        int64        `json:"id"`
	ChatID    int64        `json:"chat_id"`
	AuthorID  int64        `json:"author_id,omitempty"`
	Text      string       `json:"text"`
	Entities  []wireEntity `json:"entities,omitempty"`
	Media     *wireMedia   `json:"media,omitempty"`
	ReplyToID int64        `json:"reply_to_id,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

type wireDelete struct {
	ChatID int64   `json:"chat_id"`
	MsgIDs []int64 `json:"msg_ids"`
}

// decodeMessage turns a wire payload into a domain message. Media bytes
// stay behind a lazy fetcher so filtered messages cost no download.
func decodeMessage(data []byte, httpc *http.Client) (*domain.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if w.ID == 0 || w.ChatID == 0 {
		return nil, fmt.Errorf("decode event: missing id or chat_id")
	}

	msg := &domain.Message{
		ID:        w.ID,
		ChatID:    w.ChatID,
		AuthorID:  w.AuthorID,
		Text:      w.Text,
		ReplyToID: w.ReplyToID,
		Timestamp: time.Unix(w.Timestamp, 0).UTC(),
	}
	for _, e := range w.Entities {
		msg.Entities = append(msg.Entities, domain.Entity{
			Start: e.Start,
			End:   e.End,
			Kind:  domain.EntityKind(e.Kind),
			Attrs: e.Attrs,
		})
	}
	if w.Media != nil {
		url := w.Media.URL
		msg.Media = &domain.Media{
			Tag:  domain.MediaTag(w.Media.Tag),
			Mime: w.Media.Mime,
		}
		if url != "" {
			msg.Media.Fetch = func(ctx context.Context) ([]byte, error) {
				return fetchMedia(ctx, httpc, url)
			}
		}
	}
	return msg, nil
}

func fetchMedia(ctx context.Context, httpc *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("media request: %w", err)
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("media read: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media read: exceeds %d bytes", maxMediaBytes)
	}
	return data, nil
}
