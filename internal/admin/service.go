// Package admin exposes the operator surface: pair and sender
// management, filter editing, ops commands, and timed access control.
// Every operation authenticates the invoking principal against the
// configured allowlist.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmirror/internal/dispatch"
	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/filter"
	"github.com/adred-codev/chatmirror/internal/health"
	"github.com/adred-codev/chatmirror/internal/imageguard"
	"github.com/adred-codev/chatmirror/internal/pipeline"
	"github.com/adred-codev/chatmirror/internal/senders"
	"github.com/adred-codev/chatmirror/internal/store"
)

const pausedSettingKey = "system_paused"

// SenderFactory builds a live platform client from a stored credential.
type SenderFactory func(credential string) (senders.Sender, error)

// Service implements the admin operations. All methods take the
// invoking principal first and reject unknown ones.
type Service struct {
	store      *store.Store
	filters    *filter.Engine
	pipe       *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	pool       *senders.Pool
	monitor    *health.Monitor
	factory    SenderFactory
	logger     zerolog.Logger

	allowed map[string]bool
}

// New creates the admin service. allowedUsers is the ADMIN_USERS list.
func New(st *store.Store, filters *filter.Engine, pipe *pipeline.Pipeline,
	d *dispatch.Dispatcher, pool *senders.Pool, monitor *health.Monitor,
	factory SenderFactory, allowedUsers []string, logger zerolog.Logger) *Service {
	allowed := make(map[string]bool, len(allowedUsers))
	for _, u := range allowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowed[u] = true
		}
	}
	return &Service{
		store:      st,
		filters:    filters,
		pipe:       pipe,
		dispatcher: d,
		pool:       pool,
		monitor:    monitor,
		factory:    factory,
		logger:     logger.With().Str("component", "admin").Logger(),
		allowed:    allowed,
	}
}

func (s *Service) authorize(principal string) error {
	if !s.allowed[principal] {
		s.logger.Warn().Str("principal", principal).Msg("Admin operation rejected")
		return domain.ErrUnauthorized
	}
	return nil
}

// ---- Pairs ----

func (s *Service) AddPair(ctx context.Context, principal string, source, dest int64, name string, senderID int64) (int64, error) {
	if err := s.authorize(principal); err != nil {
		return 0, err
	}
	return s.store.CreatePair(ctx, source, dest, name, senderID)
}

func (s *Service) DeletePair(ctx context.Context, principal string, id int64) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	return s.store.DeletePair(ctx, id)
}

func (s *Service) ListPairs(ctx context.Context, principal string) ([]*domain.Pair, error) {
	if err := s.authorize(principal); err != nil {
		return nil, err
	}
	return s.store.ListPairs(ctx)
}

func (s *Service) PairInfo(ctx context.Context, principal string, id int64) (*domain.Pair, error) {
	if err := s.authorize(principal); err != nil {
		return nil, err
	}
	return s.store.GetPair(ctx, id)
}

// EditPair sets one field of a pair from its textual value. Supported
// fields: name, status, sender, min_length, max_length, sync_edits,
// sync_deletes, preserve_replies.
func (s *Service) EditPair(ctx context.Context, principal string, id int64, field, value string) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	p, err := s.store.GetPair(ctx, id)
	if err != nil {
		return err
	}

	switch field {
	case "name":
		p.Name = value
	case "status":
		switch domain.PairStatus(value) {
		case domain.PairActive, domain.PairInactive:
			p.Status = domain.PairStatus(value)
		default:
			return fmt.Errorf("invalid status %q", value)
		}
	case "sender":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sender id %q", value)
		}
		p.SenderID = n
	case "min_length":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid min_length %q", value)
		}
		p.Filters.MinLength = n
	case "max_length":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid max_length %q", value)
		}
		p.Filters.MaxLength = n
	case "sync_edits", "sync_deletes", "preserve_replies":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", value)
		}
		switch field {
		case "sync_edits":
			p.Filters.SyncEdits = b
		case "sync_deletes":
			p.Filters.SyncDeletes = b
		case "preserve_replies":
			p.Filters.PreserveReplies = b
		}
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return s.store.UpdatePair(ctx, p)
}

// ---- Senders ----

// AddSender persists the credential and registers a live client.
func (s *Service) AddSender(ctx context.Context, principal, handle, credential string) (int64, error) {
	if err := s.authorize(principal); err != nil {
		return 0, err
	}
	client, err := s.factory(credential)
	if err != nil {
		return 0, fmt.Errorf("credential rejected: %w", err)
	}
	id, err := s.store.AddSender(ctx, handle, credential)
	if err != nil {
		return 0, err
	}
	s.pool.Register(id, handle, client, true)
	return id, nil
}

func (s *Service) ListSenders(ctx context.Context, principal string, includeDisabled bool) ([]domain.SenderInfo, error) {
	if err := s.authorize(principal); err != nil {
		return nil, err
	}
	return s.store.ListSenders(ctx, !includeDisabled)
}

func (s *Service) ToggleSender(ctx context.Context, principal string, id int64) (bool, error) {
	if err := s.authorize(principal); err != nil {
		return false, err
	}
	enabled, err := s.store.ToggleSender(ctx, id)
	if err != nil {
		return false, err
	}
	s.pool.SetEnabled(id, enabled)
	return enabled, nil
}

func (s *Service) DeleteSender(ctx context.Context, principal string, id int64) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	if err := s.store.DeleteSender(ctx, id); err != nil {
		return err
	}
	s.pool.Remove(id)
	return nil
}

// ---- Filters ----

func (s *Service) BlockWord(ctx context.Context, principal, word string, pairID int64) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	return s.store.AddBlockedWord(ctx, word, pairID)
}

func (s *Service) UnblockWord(ctx context.Context, principal, word string, pairID int64) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	return s.store.RemoveBlockedWord(ctx, word, pairID)
}

// ListBlocked returns the global and per-pair blocked words.
func (s *Service) ListBlocked(ctx context.Context, principal string, pairID int64) (global, pair []string, err error) {
	if err := s.authorize(principal); err != nil {
		return nil, nil, err
	}
	global, pair = s.store.BlockedWordsFor(pairID)
	return global, pair, nil
}

// BlockImage hashes the given image bytes and blocks everything within
// the Hamming threshold. pairID zero blocks globally.
func (s *Service) BlockImage(ctx context.Context, principal string, image []byte, pairID int64, threshold int, note string) (uint64, error) {
	if err := s.authorize(principal); err != nil {
		return 0, err
	}
	phash, err := imageguard.HashBytes(image)
	if err != nil {
		return 0, fmt.Errorf("image not decodable: %w", err)
	}
	scope := domain.ScopePair
	if pairID == 0 {
		scope = domain.ScopeGlobal
	}
	if err := s.store.BlockImage(ctx, phash, scope, pairID, threshold, note); err != nil {
		return 0, err
	}
	return phash, nil
}

func (s *Service) UnblockImage(ctx context.Context, principal string, phash uint64, pairID int64) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	return s.store.UnblockImage(ctx, phash, pairID)
}

func (s *Service) ListBlockedImages(ctx context.Context, principal string, pairID int64) ([]domain.BlockedImage, error) {
	if err := s.authorize(principal); err != nil {
		return nil, err
	}
	return s.store.ListBlockedImages(ctx, pairID)
}

func (s *Service) SetMentions(ctx context.Context, principal string, pairID int64, enabled bool, placeholder string) error {
	return s.editPolicy(ctx, principal, pairID, func(p *domain.FilterPolicy) {
		p.RemoveMentions = enabled
		p.MentionPlaceholder = placeholder
	})
}

// SetHeaderPattern sets or clears ("" clears) the header-strip regex.
func (s *Service) SetHeaderPattern(ctx context.Context, principal string, pairID int64, pattern string) error {
	if err := s.validatePattern(pattern); err != nil {
		return err
	}
	return s.editPolicy(ctx, principal, pairID, func(p *domain.FilterPolicy) {
		p.HeaderPattern = pattern
	})
}

// SetFooterPattern sets or clears the footer-strip regex.
func (s *Service) SetFooterPattern(ctx context.Context, principal string, pairID int64, pattern string) error {
	if err := s.validatePattern(pattern); err != nil {
		return err
	}
	return s.editPolicy(ctx, principal, pairID, func(p *domain.FilterPolicy) {
		p.FooterPattern = pattern
	})
}

func (s *Service) SetWatermark(ctx context.Context, principal string, pairID int64, enabled bool, text string) error {
	return s.editPolicy(ctx, principal, pairID, func(p *domain.FilterPolicy) {
		p.WatermarkEnabled = enabled
		p.WatermarkText = text
	})
}

func (s *Service) validatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if err := filter.ValidatePattern(pattern); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	return nil
}

func (s *Service) editPolicy(ctx context.Context, principal string, pairID int64, mut func(*domain.FilterPolicy)) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	p, err := s.store.GetPair(ctx, pairID)
	if err != nil {
		return err
	}
	mut(&p.Filters)
	if err := s.store.UpdatePair(ctx, p); err != nil {
		return err
	}
	s.filters.ClearCache()
	return nil
}

// FilterTestResult is the outcome of a dry-run filter application.
type FilterTestResult struct {
	Kept      bool   `json:"kept"`
	Reason    string `json:"reason,omitempty"`
	Word      string `json:"word,omitempty"`
	Rewritten string `json:"rewritten,omitempty"`
}

// TestFilter dry-runs the pair's filter chain over text.
func (s *Service) TestFilter(ctx context.Context, principal string, pairID int64, text string) (*FilterTestResult, error) {
	if err := s.authorize(principal); err != nil {
		return nil, err
	}
	p, err := s.store.GetPair(ctx, pairID)
	if err != nil {
		return nil, err
	}
	global, pairWords := s.store.BlockedWordsFor(pairID)
	res := s.filters.Apply(&domain.Message{Text: text}, p, global, pairWords)
	if res.Drop {
		return &FilterTestResult{Kept: false, Reason: string(res.Reason), Word: res.Word}, nil
	}
	return &FilterTestResult{Kept: true, Rewritten: res.Text}, nil
}

// ---- Ops ----

// Pause stops replication and persists the switch across restarts.
func (s *Service) Pause(ctx context.Context, principal string) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	s.pipe.SetPaused(true)
	s.logger.Info().Str("principal", principal).Msg("Replication paused")
	return s.store.SetSetting(ctx, pausedSettingKey, "1")
}

// Resume restarts replication.
func (s *Service) Resume(ctx context.Context, principal string) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	s.pipe.SetPaused(false)
	s.logger.Info().Str("principal", principal).Msg("Replication resumed")
	return s.store.SetSetting(ctx, pausedSettingKey, "0")
}

// Status aggregates the coarse engine state.
type Status struct {
	Paused       bool            `json:"paused"`
	CircuitOpen  bool            `json:"circuit_open"`
	QueueReady   int             `json:"queue_ready"`
	QueueDelayed int             `json:"queue_delayed"`
	Eligible     int             `json:"senders_eligible"`
	Store        store.Stats     `json:"store"`
	Health       health.Snapshot `json:"health"`
}

func (s *Service) Status(ctx context.Context, principal string) (*Status, error) {
	if err := s.authorize(principal); err != nil {
		return nil, err
	}
	st, err := s.store.SystemStats(ctx)
	if err != nil {
		return nil, err
	}
	ready, delayed := s.dispatcher.QueueDepth()
	return &Status{
		Paused:       s.pipe.Paused(),
		CircuitOpen:  s.dispatcher.CircuitOpen(),
		QueueReady:   ready,
		QueueDelayed: delayed,
		Eligible:     s.pool.EligibleCount(),
		Store:        st,
		Health:       s.monitor.Snapshot(),
	}, nil
}

func (s *Service) Health(ctx context.Context, principal string) (health.Snapshot, error) {
	if err := s.authorize(principal); err != nil {
		return health.Snapshot{}, err
	}
	return s.monitor.Snapshot(), nil
}

// Queue reports queue depths.
func (s *Service) Queue(ctx context.Context, principal string) (ready, delayed int, err error) {
	if err := s.authorize(principal); err != nil {
		return 0, 0, err
	}
	ready, delayed = s.dispatcher.QueueDepth()
	return ready, delayed, nil
}

// ClearQueue drops all queued tasks and returns how many.
func (s *Service) ClearQueue(ctx context.Context, principal string) (int, error) {
	if err := s.authorize(principal); err != nil {
		return 0, err
	}
	return s.dispatcher.ClearQueue(), nil
}

// Backup snapshots the database next to the live file, stamped with the
// current time.
func (s *Service) Backup(ctx context.Context, principal, dst string) error {
	if err := s.authorize(principal); err != nil {
		return err
	}
	return s.store.Backup(ctx, dst)
}

// Cleanup removes mappings and error logs older than the given age.
func (s *Service) Cleanup(ctx context.Context, principal string, olderThanDays int) (mappings, errs int64, err error) {
	if err := s.authorize(principal); err != nil {
		return 0, 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return s.store.Cleanup(ctx, cutoff)
}

// ---- Access ----

// AddSub grants (or extends) timed access for a user.
func (s *Service) AddSub(ctx context.Context, principal string, userID int64, days int) (time.Time, error) {
	if err := s.authorize(principal); err != nil {
		return time.Time{}, err
	}
	return s.store.UpsertSubscription(ctx, userID, days, principal, "")
}

// RenewSub extends an existing subscription; same semantics as AddSub.
func (s *Service) RenewSub(ctx context.Context, principal string, userID int64, days int) (time.Time, error) {
	return s.AddSub(ctx, principal, userID, days)
}

func (s *Service) ListSubs(ctx context.Context, principal string) ([]domain.Subscription, error) {
	if err := s.authorize(principal); err != nil {
		return nil, err
	}
	return s.store.ListSubscriptions(ctx)
}

// KickAll removes the user from every distinct destination chat of the
// active pairs. With durationSec > 0 an unban is scheduled so the user
// can rejoin after the penalty window.
func (s *Service) KickAll(ctx context.Context, principal string, userID int64, durationSec int) (int, error) {
	if err := s.authorize(principal); err != nil {
		return 0, err
	}
	chats, err := s.destinationChats(ctx)
	if err != nil {
		return 0, err
	}
	kicked := 0
	for _, chat := range chats {
		chat := chat
		task := dispatch.NewTask("admin", dispatch.Urgent, 0, func(ctx context.Context, snd senders.Sender, senderID int64) error {
			return snd.KickUser(ctx, chat, userID)
		})
		if err := s.dispatcher.Enqueue(task); err != nil {
			s.logger.Warn().Err(err).Int64("chat", chat).Msg("Kick enqueue failed")
			continue
		}
		kicked++
		if durationSec > 0 {
			unban := dispatch.NewTask("admin", dispatch.Urgent, 0, func(ctx context.Context, snd senders.Sender, senderID int64) error {
				return snd.UnbanUser(ctx, chat, userID)
			})
			s.dispatcher.EnqueueAfter(unban, time.Duration(durationSec)*time.Second)
		}
	}
	return kicked, nil
}

// UnbanAll lifts the user's ban in every destination chat.
func (s *Service) UnbanAll(ctx context.Context, principal string, userID int64) (int, error) {
	if err := s.authorize(principal); err != nil {
		return 0, err
	}
	chats, err := s.destinationChats(ctx)
	if err != nil {
		return 0, err
	}
	for _, chat := range chats {
		chat := chat
		task := dispatch.NewTask("admin", dispatch.Urgent, 0, func(ctx context.Context, snd senders.Sender, senderID int64) error {
			return snd.UnbanUser(ctx, chat, userID)
		})
		if err := s.dispatcher.Enqueue(task); err != nil {
			s.logger.Warn().Err(err).Int64("chat", chat).Msg("Unban enqueue failed")
		}
	}
	return len(chats), nil
}

func (s *Service) destinationChats(ctx context.Context) ([]int64, error) {
	pairs, err := s.store.ListPairs(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	var chats []int64
	for _, p := range pairs {
		if p.Active() && !seen[p.DestChat] {
			seen[p.DestChat] = true
			chats = append(chats, p.DestChat)
		}
	}
	return chats, nil
}

// RestorePausedState reloads the persisted pause switch at startup.
func (s *Service) RestorePausedState(ctx context.Context) {
	v, err := s.store.GetSetting(ctx, pausedSettingKey, "0")
	if err != nil {
		s.logger.Warn().Err(err).Msg("Pause state load failed")
		return
	}
	if v == "1" {
		s.pipe.SetPaused(true)
		s.logger.Info().Msg("Replication paused (restored from settings)")
	}
}
