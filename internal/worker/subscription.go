package worker

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pwaedge/internal/cachestore"
)

var (
	ErrPushUnavailable = errors.New("push service not configured")
	ErrInvalidVAPIDKey = errors.New("invalid VAPID application key")
)

// Subscription mirrors the browser PushSubscription JSON.
type Subscription struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime *int64           `json:"expirationTime"`
	Keys           SubscriptionKeys `json:"keys"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey string
}

// PushManager holds the subscription bound to the registration.
type PushManager interface {
	// GetSubscription returns nil when there is no subscription.
	GetSubscription(ctx context.Context) (*Subscription, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error)
	Unsubscribe(ctx context.Context, sub *Subscription) error
}

// Mirror keeps the server's view of subscriptions in line with ours.
type Mirror interface {
	Subscribe(ctx context.Context, sub *Subscription) error
	Unsubscribe(ctx context.Context, sub *Subscription) error
}

const (
	subscriptionBucket = "push-subscription"
	subscriptionKey    = "current"
)

// StoredPushManager persists the subscription in a bucket and generates the
// client keys locally. Endpoints live under serviceURL.
type StoredPushManager struct {
	storage    cachestore.Storage
	serviceURL string

	mu sync.Mutex
}

func NewStoredPushManager(storage cachestore.Storage, serviceURL string) *StoredPushManager {
	return &StoredPushManager{storage: storage, serviceURL: strings.TrimRight(serviceURL, "/")}
}

func (m *StoredPushManager) GetSubscription(ctx context.Context) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

func (m *StoredPushManager) load(ctx context.Context) (*Subscription, error) {
	b, err := m.storage.Open(ctx, subscriptionBucket)
	if err != nil {
		return nil, err
	}
	ent, ok, err := b.Get(ctx, subscriptionKey)
	if err != nil || !ok {
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal(ent.Body, &sub); err != nil {
		return nil, fmt.Errorf("decode stored subscription: %w", err)
	}
	return &sub, nil
}

// Subscribe returns the existing subscription when one is present, like the
// browser does.
func (m *StoredPushManager) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if !opts.UserVisibleOnly {
		return nil, errors.New("push subscriptions must be user visible")
	}
	if err := ValidateVAPIDKey(opts.ApplicationServerKey); err != nil {
		return nil, err
	}
	if m.serviceURL == "" {
		return nil, ErrPushUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, err := m.load(ctx); err != nil {
		return nil, err
	} else if cur != nil {
		return cur, nil
	}

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, err
	}
	sub := &Subscription{
		Endpoint: m.serviceURL + "/" + uuid.NewString(),
		Keys: SubscriptionKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	b, err := m.storage.Open(ctx, subscriptionBucket)
	if err != nil {
		return nil, err
	}
	ent := cachestore.Entry{URL: subscriptionKey, Status: http.StatusOK, Body: raw, StoredAt: time.Now().UnixNano()}
	if err := b.Put(ctx, subscriptionKey, ent); err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *StoredPushManager) Unsubscribe(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.load(ctx)
	if err != nil {
		return err
	}
	if cur == nil || sub == nil || cur.Endpoint != sub.Endpoint {
		return nil
	}
	b, err := m.storage.Open(ctx, subscriptionBucket)
	if err != nil {
		return err
	}
	return b.Delete(ctx, subscriptionKey)
}

// ValidateVAPIDKey checks that key is a base64url uncompressed P-256 point.
func ValidateVAPIDKey(key string) error {
	key = strings.TrimRight(strings.TrimSpace(key), "=")
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidVAPIDKey)
	}
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVAPIDKey, err)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVAPIDKey, err)
	}
	return nil
}

// HTTPMirror posts subscriptions to <baseURL>/subscribe and /unsubscribe.
type HTTPMirror struct {
	baseURL string
	fetch   Fetcher
}

func NewHTTPMirror(baseURL string, fetch Fetcher) *HTTPMirror {
	return &HTTPMirror{baseURL: strings.TrimRight(baseURL, "/"), fetch: fetch}
}

func (m *HTTPMirror) Subscribe(ctx context.Context, sub *Subscription) error {
	return m.post(ctx, "/subscribe", sub)
}

func (m *HTTPMirror) Unsubscribe(ctx context.Context, sub *Subscription) error {
	return m.post(ctx, "/unsubscribe", sub)
}

func (m *HTTPMirror) post(ctx context.Context, path string, sub *Subscription) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.fetch.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if !isOK(resp.StatusCode) {
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	return nil
}
