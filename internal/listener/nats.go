package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmirror/internal/domain"
	"github.com/adred-codev/chatmirror/internal/monitoring"
)

// eventChanSize buffers bursts between the NATS reader and the consumer
// goroutine. Overflow is handled by NATS slow-consumer accounting, not
// by blocking the connection.
const eventChanSize = 1024

// NATS consumes source events from three subjects under one prefix:
// {prefix}.new, {prefix}.edit, {prefix}.delete. All events funnel into
// a single consumer goroutine, so handler callbacks are serialized in
// arrival order.
type NATS struct {
	conn    *nats.Conn
	handler Handler
	logger  zerolog.Logger
	httpc   *http.Client
	prefix  string

	msgs chan *nats.Msg
	subs []*nats.Subscription
	done chan struct{}
}

// NewNATS connects to the NATS server. Reconnects forever; events
// published while disconnected are lost (source history replay is the
// publisher's concern).
func NewNATS(url, prefix string, handler Handler, logger zerolog.Logger) (*NATS, error) {
	log := logger.With().Str("component", "listener").Logger()

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}

	return &NATS{
		conn:    conn,
		handler: handler,
		logger:  log,
		httpc:   &http.Client{Timeout: 60 * time.Second},
		prefix:  prefix,
		msgs:    make(chan *nats.Msg, eventChanSize),
		done:    make(chan struct{}),
	}, nil
}

// Conn exposes the underlying connection so other surfaces (admin RPC)
// can share it instead of dialing twice.
func (l *NATS) Conn() *nats.Conn { return l.conn }

// Start subscribes and launches the consumer goroutine.
func (l *NATS) Start(ctx context.Context) error {
	for _, suffix := range []string{"new", "edit", "delete"} {
		sub, err := l.conn.ChanSubscribe(l.prefix+"."+suffix, l.msgs)
		if err != nil {
			return err
		}
		l.subs = append(l.subs, sub)
	}
	l.logger.Info().Str("prefix", l.prefix).Msg("Listener subscribed")

	go func() {
		defer close(l.done)
		defer monitoring.RecoverPanic(l.logger, "listener-consumer", nil)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-l.msgs:
				l.dispatch(ctx, m)
			}
		}
	}()
	return nil
}

// Close unsubscribes, waits for the consumer to stop, and drops the
// connection.
func (l *NATS) Close() {
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	<-l.done
	l.conn.Close()
}

func (l *NATS) dispatch(ctx context.Context, m *nats.Msg) {
	suffix := m.Subject
	if i := strings.LastIndexByte(suffix, '.'); i >= 0 {
		suffix = suffix[i+1:]
	}

	switch suffix {
	case "new", "edit":
		msg, err := decodeMessage(m.Data, l.httpc)
		if err != nil {
			monitoring.EventsDropped.WithLabelValues("decode").Inc()
			l.logger.Warn().Err(err).Str("subject", m.Subject).Msg("Undecodable event dropped")
			return
		}
		if suffix == "new" {
			l.handler.OnNew(ctx, &domain.NewEvent{Msg: msg})
		} else {
			l.handler.OnEdit(ctx, &domain.EditEvent{Msg: msg})
		}
	case "delete":
		var w wireDelete
		if err := json.Unmarshal(m.Data, &w); err != nil || w.ChatID == 0 {
			monitoring.EventsDropped.WithLabelValues("decode").Inc()
			l.logger.Warn().Err(err).Str("subject", m.Subject).Msg("Undecodable delete dropped")
			return
		}
		l.handler.OnDelete(ctx, &domain.DeleteEvent{ChatID: w.ChatID, MsgIDs: w.MsgIDs})
	default:
		l.logger.Warn().Str("subject", m.Subject).Msg("Unexpected subject")
	}
}
