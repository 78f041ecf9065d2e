package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	NotificationIcon  = "/icons/icon-192x192.png"
	NotificationBadge = "/icons/badge-72x72.png"
	NotificationTag   = "default-tag"

	ActionView  = "view"
	ActionClose = "close"
)

// PushPayload is the JSON body a push message carries.
type PushPayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type Notification struct {
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Data     json.RawMessage      `json:"data,omitempty"`
	Icon     string               `json:"icon"`
	Badge    string               `json:"badge"`
	Renotify bool                 `json:"renotify"`
	Tag      string               `json:"tag"`
	Actions  []NotificationAction `json:"actions"`
}

// NewNotification derives display options from a push payload. Platforms
// show at most two actions.
func NewNotification(p PushPayload) Notification {
	return Notification{
		Title:    p.Title,
		Body:     p.Body,
		Data:     p.Data,
		Icon:     NotificationIcon,
		Badge:    NotificationBadge,
		Renotify: true,
		Tag:      NotificationTag,
		Actions: []NotificationAction{
			{Action: ActionView, Title: "View"},
			{Action: ActionClose, Title: "Close"},
		},
	}
}

// URL returns the target carried in Data: either a JSON string or an object
// with a "url" field.
func (n Notification) URL() string {
	if len(n.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(n.Data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(n.Data, &obj); err == nil {
		return strings.TrimSpace(obj.URL)
	}
	return ""
}

// Notifier displays notifications. Showing one with the tag of a displayed
// notification replaces it.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// Unregisterer is the registration teardown the push flow ends with.
type Unregisterer interface {
	Unregister(ctx context.Context) error
}

// Push handles push, notification click, subscription change and unregister.
// None of its handlers return errors for step failures: each failure is
// logged, later steps are skipped, and the handler still completes.
type Push struct {
	manager  PushManager
	mirror   Mirror
	notifier Notifier
	clients  Clients
	reg      Unregisterer
	vapidKey string
	log      *zap.Logger
}

func NewPush(manager PushManager, mirror Mirror, notifier Notifier, clients Clients, reg Unregisterer, vapidKey string, log *zap.Logger) *Push {
	return &Push{
		manager:  manager,
		mirror:   mirror,
		notifier: notifier,
		clients:  clients,
		reg:      reg,
		vapidKey: vapidKey,
		log:      log,
	}
}

// HandlePush shows the notification carried by payload. An empty payload is
// not an error: nothing is shown.
func (p *Push) HandlePush(ctx context.Context, payload []byte) error {
	if len(strings.TrimSpace(string(payload))) == 0 {
		p.log.Info("push event without payload")
		pushEventsTotal.WithLabelValues("push", "empty").Inc()
		return nil
	}
	var msg PushPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		pushEventsTotal.WithLabelValues("push", "malformed").Inc()
		return fmt.Errorf("decode push payload: %w", err)
	}
	n := NewNotification(msg)
	if err := p.notifier.Show(ctx, n); err != nil {
		pushEventsTotal.WithLabelValues("push", "error").Inc()
		return fmt.Errorf("show notification: %w", err)
	}
	pushEventsTotal.WithLabelValues("push", "shown").Inc()
	return nil
}

// HandleNotificationClick closes the notification, then opens its URL unless
// the close action was chosen.
func (p *Push) HandleNotificationClick(ctx context.Context, n Notification, action string) error {
	if err := p.notifier.Close(ctx, n.Tag); err != nil {
		p.log.Warn("close notification failed", zap.String("tag", n.Tag), zap.Error(err))
	}
	if action == ActionClose {
		return nil
	}
	url := n.URL()
	if url == "" {
		return nil
	}
	if err := p.clients.OpenWindow(ctx, url); err != nil {
		return fmt.Errorf("open window %s: %w", url, err)
	}
	pushEventsTotal.WithLabelValues("notificationclick", "opened").Inc()
	return nil
}

// HandleSubscriptionChange replaces the browser subscription and mirrors the
// change to the server. Retiring the old endpoint on the server is best
// effort; every other step aborts the flow on failure.
func (p *Push) HandleSubscriptionChange(ctx context.Context) {
	log := p.log.With(zap.String("flow", "pushsubscriptionchange"))

	old, err := p.manager.GetSubscription(ctx)
	if err != nil {
		p.fail(log, "pushsubscriptionchange", "read subscription", err)
		return
	}
	if old != nil {
		if err := p.mirror.Unsubscribe(ctx, old); err != nil {
			log.Warn("server unsubscribe failed", zap.String("endpoint", old.Endpoint), zap.Error(err))
		}
		if err := p.manager.Unsubscribe(ctx, old); err != nil {
			p.fail(log, "pushsubscriptionchange", "unsubscribe", err)
			return
		}
	}

	sub, err := p.manager.Subscribe(ctx, SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: p.vapidKey,
	})
	if err != nil {
		p.fail(log, "pushsubscriptionchange", "subscribe", err)
		return
	}
	if err := p.mirror.Subscribe(ctx, sub); err != nil {
		p.fail(log, "pushsubscriptionchange", "server subscribe", err)
		return
	}
	log.Info("push subscription renewed", zap.String("endpoint", sub.Endpoint))
	pushEventsTotal.WithLabelValues("pushsubscriptionchange", "ok").Inc()
}

// Unregister tears down the push subscription and then the registration.
func (p *Push) Unregister(ctx context.Context) {
	log := p.log.With(zap.String("flow", "unregister"))

	sub, err := p.manager.GetSubscription(ctx)
	if err != nil {
		p.fail(log, "unregister", "read subscription", err)
		return
	}
	if sub != nil {
		if err := p.mirror.Unsubscribe(ctx, sub); err != nil {
			log.Warn("server unsubscribe failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
		if err := p.manager.Unsubscribe(ctx, sub); err != nil {
			p.fail(log, "unregister", "unsubscribe", err)
			return
		}
	}
	if err := p.reg.Unregister(ctx); err != nil {
		p.fail(log, "unregister", "unregister", err)
		return
	}
	pushEventsTotal.WithLabelValues("unregister", "ok").Inc()
}

// Subscribe is the explicit user opt-in: subscribe locally, then tell the
// server. A failed server call does not roll back the local subscription.
func (p *Push) Subscribe(ctx context.Context) (*Subscription, error) {
	sub, err := p.manager.Subscribe(ctx, SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: p.vapidKey,
	})
	if err != nil {
		return nil, err
	}
	if err := p.mirror.Subscribe(ctx, sub); err != nil {
		p.log.Warn("server subscribe failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
	}
	return sub, nil
}

func (p *Push) fail(log *zap.Logger, event, step string, err error) {
	log.Error("push flow aborted", zap.String("step", step), zap.Error(err))
	pushEventsTotal.WithLabelValues(event, "aborted").Inc()
}
