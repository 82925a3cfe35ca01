// Package senders defines the outbound platform contract and the pool
// of sending identities with health, load, and rate-limit state.
package senders

import (
	"context"

	"github.com/adred-codev/chatmirror/internal/domain"
)

// Sender is one sending identity's view of the platform. Implementations
// tag errors with the domain send taxonomy: Transient, RateLimited with
// a retry_after, or Permanent.
type Sender interface {
	// SendText posts a text message and returns the new message id.
	SendText(ctx context.Context, chat int64, text string, entities []domain.Entity, replyTo int64, disablePreview bool) (int64, error)

	// SendMedia posts a media message with caption and returns the new
	// message id.
	SendMedia(ctx context.Context, chat int64, kind domain.MediaTag, data []byte, caption string, entities []domain.Entity, replyTo int64) (int64, error)

	// EditText rewrites a previously sent message.
	EditText(ctx context.Context, chat, msgID int64, text string, entities []domain.Entity) error

	// DeleteMessage erases a previously sent message.
	DeleteMessage(ctx context.Context, chat, msgID int64) error

	// KickUser removes a user from a chat.
	KickUser(ctx context.Context, chat, userID int64) error

	// UnbanUser lifts a ban so the user may rejoin.
	UnbanUser(ctx context.Context, chat, userID int64) error

	// Ping verifies the identity's credential is live. Used by the
	// health probe to readmit senders that crossed the failure ceiling.
	Ping(ctx context.Context) error
}
