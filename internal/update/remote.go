package update

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pwaedge/internal/worker"
)

// Control endpoint paths served by the host.
const (
	PathRegister     = "/_worker/register"
	PathUpdate       = "/_worker/update"
	PathRegistration = "/_worker/registration"
	PathMessage      = "/_worker/message"
	PathUnregister   = "/_worker/unregister"
	PathClients      = "/_worker/clients"
	PathSubscribe    = "/_worker/subscribe"
)

// RemoteRegistration drives a registration hosted by a pwaedge server.
type RemoteRegistration struct {
	baseURL string
	client  *http.Client
}

func NewRemoteRegistration(baseURL string, client *http.Client) *RemoteRegistration {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteRegistration{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *RemoteRegistration) Register(ctx context.Context) error {
	return r.post(ctx, PathRegister, nil)
}

func (r *RemoteRegistration) Update(ctx context.Context) error {
	return r.post(ctx, PathUpdate, nil)
}

func (r *RemoteRegistration) Unregister(ctx context.Context) error {
	return r.post(ctx, PathUnregister, nil)
}

func (r *RemoteRegistration) PostMessage(ctx context.Context, m worker.Message) error {
	body, err := worker.EncodeMessage(m)
	if err != nil {
		return err
	}
	return r.post(ctx, PathMessage, body)
}

// Subscribe opts the host into push and returns the new subscription.
func (r *RemoteRegistration) Subscribe(ctx context.Context) (*worker.Subscription, error) {
	var sub worker.Subscription
	if err := r.do(ctx, http.MethodPost, PathSubscribe, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *RemoteRegistration) State(ctx context.Context) (worker.Snapshot, error) {
	var snap worker.Snapshot
	if err := r.do(ctx, http.MethodGet, PathRegistration, &snap); err != nil {
		return worker.Snapshot{}, err
	}
	return snap, nil
}

// do sends a bodiless request and decodes the JSON answer into out.
func (r *RemoteRegistration) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s %s: %w", strings.ToLower(method), path, err)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (r *RemoteRegistration) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
