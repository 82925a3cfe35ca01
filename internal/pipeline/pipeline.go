// Package pipeline turns source-chat events into dispatch tasks: pair
// lookup, filtering, image guarding, reply resolution, and the mapping
// writes that make edits and deletes replayable.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmirror/internal/dispatch"
	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/filter"
	"github.com/adred-codev/chatmirror/internal/imageguard"
	"github.com/adred-codev/chatmirror/internal/monitoring"
	"github.com/adred-codev/chatmirror/internal/senders"
	"github.com/adred-codev/chatmirror/internal/store"
)

const defaultMaxDownloads = 25

// Replication priorities. Deletes outrank edits outrank copies: a stale
// copy is annoying, an undeleted one can leak.
const (
	copyPriority   = dispatch.Normal
	editPriority   = dispatch.High
	deletePriority = dispatch.Urgent
)

// Sink is the slice of the dispatcher the pipeline submits to.
type Sink interface {
	Enqueue(t *dispatch.Task) error
}

// Options tune the pipeline. Zero values take the defaults.
type Options struct {
	MaxDownloads int
}

// Pipeline is the per-event orchestrator. One instance serves all
// listener callbacks; it never blocks the listener beyond a queue push.
type Pipeline struct {
	store   *store.Store
	filters *filter.Engine
	guard   *imageguard.Guard
	sink    Sink
	logger  zerolog.Logger

	paused atomic.Bool
	dlSem  chan struct{}

	// statsMu serializes read-modify-write of pair stat counters.
	statsMu sync.Mutex
}

// New creates a pipeline over its collaborators.
func New(st *store.Store, filters *filter.Engine, guard *imageguard.Guard, sink Sink, logger zerolog.Logger, opts Options) *Pipeline {
	if opts.MaxDownloads <= 0 {
		opts.MaxDownloads = defaultMaxDownloads
	}
	return &Pipeline{
		store:   st,
		filters: filters,
		guard:   guard,
		sink:    sink,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		dlSem:   make(chan struct{}, opts.MaxDownloads),
	}
}

// SetPaused flips the replication switch. Paused drops events; it does
// not stop the dispatcher finishing queued work.
func (p *Pipeline) SetPaused(v bool) { p.paused.Store(v) }

// Paused reports the replication switch.
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// OnNew handles a freshly posted source message.
func (p *Pipeline) OnNew(ctx context.Context, ev *domain.NewEvent) {
	monitoring.EventsReceived.WithLabelValues("new").Inc()
	if p.paused.Load() {
		monitoring.EventsDropped.WithLabelValues("paused").Inc()
		return
	}
	msg := ev.Msg

	type delivery struct {
		pair *domain.Pair
		res  filter.Result
	}
	var deliveries []delivery
	needMedia := false

	for _, pair := range p.store.PairsBySourceChat(msg.ChatID) {
		if !pair.Active() {
			continue
		}
		// A mapping means this message was already copied for the pair;
		// duplicate deliveries must not send twice.
		if _, err := p.store.GetMapping(ctx, msg.ID, pair.ID); err == nil {
			monitoring.EventsDropped.WithLabelValues("duplicate").Inc()
			continue
		}

		global, pairWords := p.store.BlockedWordsFor(pair.ID)
		res := p.filters.Apply(msg, pair, global, pairWords)
		if res.Drop {
			monitoring.FilterDrops.WithLabelValues(string(res.Reason)).Inc()
			p.bumpStats(ctx, pair, func(st *domain.PairStats) {
				switch res.Reason {
				case filter.DropGlobalWord, filter.DropBlockedWord:
					st.WordsBlocked++
				case filter.DropMediaType:
					st.MediaBlocked++
				case filter.DropTooShort, filter.DropTooLong:
					st.LengthBlocked++
				}
			})
			continue
		}
		deliveries = append(deliveries, delivery{pair: pair, res: res})
		if msg.HasMedia() {
			needMedia = true
		}
	}
	if len(deliveries) == 0 {
		return
	}

	// Download once for the whole fan-out, and only after at least one
	// pair survived the filters.
	var media []byte
	if needMedia && msg.Media.Fetch != nil {
		var err error
		media, err = p.download(ctx, msg.Media.Fetch)
		if err != nil {
			monitoring.EventsDropped.WithLabelValues("media_fetch").Inc()
			p.logger.Warn().Err(err).Int64("msg_id", msg.ID).Msg("Media download failed; dropping event")
			return
		}
	}

	isImage := msg.HasMedia() && msg.Media.Tag.IsImage(msg.Media.Mime)
	for _, d := range deliveries {
		pair, res := d.pair, d.res

		data := media
		if isImage && data != nil {
			if p.guard.CheckBlocked(ctx, msg.ID, data, pair.ID) {
				monitoring.FilterDrops.WithLabelValues("image_blocked").Inc()
				p.bumpStats(ctx, pair, func(st *domain.PairStats) { st.ImagesBlocked++ })
				continue
			}
			if pair.Filters.WatermarkEnabled && pair.Filters.WatermarkText != "" {
				data = p.guard.Stamp(data, pair.Filters.WatermarkText)
			}
		}

		// Reply resolution: only mapped replies can be linked; an
		// unmapped parent degrades to a plain send.
		var replyDest, replySource int64
		if msg.ReplyToID != 0 && pair.Filters.PreserveReplies {
			if m, err := p.store.GetMapping(ctx, msg.ReplyToID, pair.ID); err == nil {
				replySource, replyDest = msg.ReplyToID, m.DestMsgID
			}
		}

		p.submit(p.copyTask(msg, pair, res, data, replySource, replyDest))
	}
}

// OnEdit handles a source message whose content changed.
func (p *Pipeline) OnEdit(ctx context.Context, ev *domain.EditEvent) {
	monitoring.EventsReceived.WithLabelValues("edit").Inc()
	if p.paused.Load() {
		monitoring.EventsDropped.WithLabelValues("paused").Inc()
		return
	}
	msg := ev.Msg

	for _, pair := range p.store.PairsBySourceChat(msg.ChatID) {
		if !pair.Active() || !pair.Filters.SyncEdits {
			continue
		}
		m, err := p.store.GetMapping(ctx, msg.ID, pair.ID)
		if err != nil {
			continue // never copied for this pair
		}

		global, pairWords := p.store.BlockedWordsFor(pair.ID)
		res := p.filters.Apply(msg, pair, global, pairWords)
		if res.Drop {
			// The edited content would now be filtered; the existing
			// copy stays as it was.
			monitoring.FilterDrops.WithLabelValues(string(res.Reason)).Inc()
			continue
		}

		p.submit(p.editTask(msg, pair, res, m.SenderID))
	}
}

// OnDelete handles a batch of source deletions in one chat.
func (p *Pipeline) OnDelete(ctx context.Context, ev *domain.DeleteEvent) {
	monitoring.EventsReceived.WithLabelValues("delete").Inc()
	if p.paused.Load() {
		monitoring.EventsDropped.WithLabelValues("paused").Inc()
		return
	}

	for _, pair := range p.store.PairsBySourceChat(ev.ChatID) {
		if !pair.Active() || !pair.Filters.SyncDeletes {
			continue
		}
		for _, msgID := range ev.MsgIDs {
			m, err := p.store.GetMapping(ctx, msgID, pair.ID)
			if err != nil {
				continue
			}
			p.submit(p.deleteTask(msgID, pair, m.SenderID))
		}
	}
}

func (p *Pipeline) submit(t *dispatch.Task) {
	err := p.sink.Enqueue(t)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrBackpressure):
		monitoring.EventsDropped.WithLabelValues("backpressure").Inc()
	case errors.Is(err, domain.ErrQueueFull):
		monitoring.EventsDropped.WithLabelValues("queue_overflow").Inc()
		p.logger.Warn().Str("kind", t.Kind).Int64("pair_id", t.PairID).Msg("Queue overflow; event dropped")
	default:
		monitoring.EventsDropped.WithLabelValues("rejected").Inc()
	}
}

func (p *Pipeline) download(ctx context.Context, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	select {
	case p.dlSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.dlSem }()
	return fetch(ctx)
}

// copyTask builds the send-and-map task for one pair.
func (p *Pipeline) copyTask(msg *domain.Message, pair *domain.Pair, res filter.Result, media []byte, replySource, replyDest int64) *dispatch.Task {
	msgID, chatID := msg.ID, msg.ChatID
	tag := msg.MediaTag()
	pairID, destChat := pair.ID, pair.DestChat
	text, ents := res.Text, res.Entities

	t := dispatch.NewTask("copy", copyPriority, pairID, func(ctx context.Context, s senders.Sender, senderID int64) error {
		unlock := p.store.LockMapping(pairID, msgID)
		defer unlock()

		// A mapping appearing between enqueue and execution means a
		// duplicate already delivered; never send twice.
		if _, err := p.store.GetMapping(ctx, msgID, pairID); err == nil {
			return nil
		}

		var destID int64
		var err error
		if media != nil {
			destID, err = s.SendMedia(ctx, destChat, tag, media, text, ents, replyDest)
		} else {
			destID, err = s.SendText(ctx, destChat, text, ents, replyDest, false)
		}
		if err != nil {
			p.recordError(ctx, pair, "send", err)
			return err
		}

		kind := domain.MappingText
		if media != nil {
			if text != "" {
				kind = domain.MappingMixed
			} else {
				kind = domain.MappingMedia
			}
		}
		p.store.SaveMapping(ctx, &domain.Mapping{
			SourceMsgID:     msgID,
			DestMsgID:       destID,
			PairID:          pairID,
			SenderID:        senderID,
			SourceChat:      chatID,
			DestChat:        destChat,
			Kind:            kind,
			HasMedia:        media != nil,
			ReplyToSourceID: replySource,
			ReplyToDestID:   replyDest,
		})

		monitoring.MessagesCopied.Inc()
		p.bumpStats(ctx, pair, func(st *domain.PairStats) {
			st.MessagesCopied++
			st.MentionsRemoved += int64(res.MentionsRemoved)
			if res.HeaderStripped {
				st.HeadersRemoved++
			}
			if res.FooterStripped {
				st.FootersRemoved++
			}
			if replyDest != 0 {
				st.RepliesLinked++
			}
			now := time.Now().UTC()
			st.LastActivity = &now
		})
		return nil
	})
	t.SenderID = pair.SenderID
	return t
}

// editTask rewrites the destination copy with the refiltered content.
// The mapping lock serializes it against deletes of the same message.
func (p *Pipeline) editTask(msg *domain.Message, pair *domain.Pair, res filter.Result, madeBy int64) *dispatch.Task {
	msgID := msg.ID
	pairID, destChat := pair.ID, pair.DestChat
	text, ents := res.Text, res.Entities

	t := dispatch.NewTask("edit", editPriority, pairID, func(ctx context.Context, s senders.Sender, senderID int64) error {
		unlock := p.store.LockMapping(pairID, msgID)
		defer unlock()

		m, err := p.store.GetMapping(ctx, msgID, pairID)
		if err != nil {
			return nil // copy vanished; nothing to edit
		}
		if err := s.EditText(ctx, destChat, m.DestMsgID, text, ents); err != nil {
			se := domain.ClassifySend(err)
			// "message not modified"-class rejections mean the copy is
			// already in the desired state.
			if se.Kind == domain.SendPermanent && se.Code == 400 {
				return nil
			}
			p.recordError(ctx, pair, "edit", err)
			return err
		}
		p.store.TouchMappingUpdated(ctx, msgID, pairID)
		monitoring.EditsSynced.Inc()
		p.bumpStats(ctx, pair, func(st *domain.PairStats) { st.EditsSynced++ })
		return nil
	})
	t.SenderID = madeBy
	t.PinSoft = true
	if pair.SenderID != 0 {
		t.SenderID = pair.SenderID
		t.PinSoft = false
	}
	return t
}

// deleteTask erases the destination copy and retires the mapping.
func (p *Pipeline) deleteTask(msgID int64, pair *domain.Pair, madeBy int64) *dispatch.Task {
	pairID, destChat := pair.ID, pair.DestChat

	t := dispatch.NewTask("delete", deletePriority, pairID, func(ctx context.Context, s senders.Sender, senderID int64) error {
		unlock := p.store.LockMapping(pairID, msgID)
		defer unlock()

		m, err := p.store.GetMapping(ctx, msgID, pairID)
		if err != nil {
			return nil // already deleted
		}
		if err := s.DeleteMessage(ctx, destChat, m.DestMsgID); err != nil {
			se := domain.ClassifySend(err)
			// A copy the platform no longer knows still needs its
			// mapping retired.
			if se.Kind != domain.SendPermanent {
				p.recordError(ctx, pair, "delete", err)
				return err
			}
		}
		p.store.DeleteMapping(ctx, msgID, pairID)
		monitoring.DeletesSynced.Inc()
		p.bumpStats(ctx, pair, func(st *domain.PairStats) { st.DeletesSynced++ })
		return nil
	})
	t.SenderID = madeBy
	t.PinSoft = true
	if pair.SenderID != 0 {
		t.SenderID = pair.SenderID
		t.PinSoft = false
	}
	return t
}

// bumpStats applies a mutation to the pair's counters and persists the
// blob. Failures only log; counters are best-effort.
func (p *Pipeline) bumpStats(ctx context.Context, pair *domain.Pair, mut func(*domain.PairStats)) {
	p.statsMu.Lock()
	mut(&pair.Stats)
	st := pair.Stats
	p.statsMu.Unlock()
	if err := p.store.UpdatePairStats(ctx, pair.ID, st); err != nil {
		p.logger.Warn().Err(err).Int64("pair_id", pair.ID).Msg("Pair stats write failed")
	}
}

func (p *Pipeline) recordError(ctx context.Context, pair *domain.Pair, op string, err error) {
	p.bumpStats(ctx, pair, func(st *domain.PairStats) { st.Errors++ })
	p.store.LogError(ctx, op, err.Error(), pair.ID, 0)
}
