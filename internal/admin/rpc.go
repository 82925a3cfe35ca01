package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// commandTimeout bounds a single admin command. Backup and cleanup on a
// large database are the slow cases.
const commandTimeout = 30 * time.Second

type rpcRequest struct {
	Principal string `json:"principal"`
	Command   string `json:"command"`
}

// ServeNATS exposes the shell over request-reply on the given subject.
// Requests are JSON {principal, command}; replies are the shell's text.
func (sh *Shell) ServeNATS(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		var req rpcRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			m.Respond([]byte("error: malformed request"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		m.Respond([]byte(sh.Execute(ctx, req.Principal, req.Command)))
	})
	if err != nil {
		return nil, err
	}
	sh.logger.Info().Str("subject", subject).Msg("Admin RPC listening")
	return sub, nil
}
