package pwaedge

import (
	"context"
	"fmt"

	"github.com/k3a/html2text"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pwaedge/internal/worker"
)

type sender interface {
	Send(message string, params *types.Params) []error
}

// notifier shows notifications on every open page and fans them out to the
// configured shoutrrr services.
type notifier struct {
	clients *ClientSet
	sender  sender
	log     *zap.Logger
}

func newNotifier(clients *ClientSet, urls []string, log *zap.Logger) (*notifier, error) {
	n := &notifier{clients: clients, log: log}
	if len(urls) > 0 {
		s, err := shoutrrr.CreateSender(urls...)
		if err != nil {
			return nil, fmt.Errorf("push.notify: %w", err)
		}
		n.sender = s
	}
	return n, nil
}

func (n *notifier) Show(ctx context.Context, note worker.Notification) error {
	err := n.clients.Broadcast(ctx, worker.NotificationEnvelope{Type: worker.TypeNotification, Notification: note})
	if n.sender != nil {
		// Fan-out services get plain text; pages get the body as sent.
		params := types.Params{"title": html2text.HTML2Text(note.Title)}
		var sendErr error
		for _, e := range n.sender.Send(html2text.HTML2Text(note.Body), &params) {
			sendErr = multierr.Append(sendErr, e)
		}
		if sendErr != nil {
			n.log.Warn("notification fan-out failed", zap.String("tag", note.Tag), zap.Error(sendErr))
		}
	}
	return err
}

func (n *notifier) Close(ctx context.Context, tag string) error {
	return n.clients.Broadcast(ctx, worker.NotificationClose{Type: worker.TypeNotificationClose, Tag: tag})
}
