package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"estate-auth/internal/store"
	"estate-auth/internal/token"
)

const (
	statePrefix = "oauth2_state:"
	StateTTL    = 10 * time.Minute
)

var (
	ErrInvalidState       = errors.New("oauth2 state is invalid or expired")
	ErrProviderNotEnabled = errors.New("oauth2 provider is not configured")
)

type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Flow runs the authorization-code exchange. State values are single use and
// live in the TTL store, so any instance can complete a flow another started.
type Flow struct {
	store    store.TTLStore
	registry *Registry
	bridge   *Bridge
	configs  map[string]*oauth2.Config
	client   *http.Client
}

// NewFlow enables every provider that has both an adapter and credentials.
func NewFlow(st store.TTLStore, registry *Registry, bridge *Bridge, creds map[string]Credentials) *Flow {
	f := &Flow{
		store:    st,
		registry: registry,
		bridge:   bridge,
		configs:  make(map[string]*oauth2.Config),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for id, c := range creds {
		adapter, ok := registry.Lookup(id)
		if !ok || c.ClientID == "" || c.ClientSecret == "" {
			continue
		}
		f.configs[adapter.ID()] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Endpoint:     adapter.Endpoint(),
			Scopes:       adapter.Scopes(),
		}
	}
	return f
}

func (f *Flow) Enabled() []string {
	ids := make([]string, 0, len(f.configs))
	for _, id := range f.registry.IDs() {
		if _, ok := f.configs[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *Flow) config(providerID string) (*oauth2.Config, Adapter, error) {
	adapter, ok := f.registry.Lookup(providerID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, providerID)
	}
	cfg, ok := f.configs[adapter.ID()]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrProviderNotEnabled, providerID)
	}
	return cfg, adapter, nil
}

// Begin returns the provider authorization URL and the fresh state it
// carries. Callers bind the state to the browser that started the flow.
func (f *Flow) Begin(ctx context.Context, providerID string) (string, string, error) {
	cfg, adapter, err := f.config(providerID)
	if err != nil {
		return "", "", err
	}

	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()
	if err := f.store.Set(ctx, statePrefix+state, adapter.ID()+"|"+verifier, StateTTL); err != nil {
		return "", "", fmt.Errorf("store oauth2 state: %w", err)
	}

	return cfg.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier)), state, nil
}

// Complete consumes the state, exchanges the code, fetches the profile and
// reconciles it with the local account.
func (f *Flow) Complete(ctx context.Context, providerID, state, code string) (token.Principal, error) {
	cfg, adapter, err := f.config(providerID)
	if err != nil {
		return token.Principal{}, err
	}

	verifier, err := f.consumeState(ctx, adapter.ID(), state)
	if err != nil {
		return token.Principal{}, err
	}
	if strings.TrimSpace(code) == "" {
		return token.Principal{}, ErrInvalidState
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return token.Principal{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	client := cfg.Client(ctx, tok)
	attrs := map[string]any{}
	if err := getJSON(ctx, client, adapter.UserInfoURL(), &attrs); err != nil {
		return token.Principal{}, fmt.Errorf("fetch user info: %w", err)
	}

	if adapter.Extract(attrs).Email == "" {
		if resolver, ok := adapter.(emailResolver); ok {
			email, err := resolver.ResolveEmail(ctx, client)
			if err != nil {
				return token.Principal{}, fmt.Errorf("resolve email: %w", err)
			}
			if email != "" {
				attrs["email"] = email
			}
		}
	}

	return f.bridge.Reconcile(ctx, adapter.ID(), attrs)
}

func (f *Flow) consumeState(ctx context.Context, providerID, state string) (string, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return "", ErrInvalidState
	}

	stored, err := f.store.Get(ctx, statePrefix+state)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("load oauth2 state: %w", err)
	}
	if err := f.store.Delete(ctx, statePrefix+state); err != nil {
		return "", fmt.Errorf("delete oauth2 state: %w", err)
	}

	owner, verifier, ok := strings.Cut(stored, "|")
	if !ok || owner != providerID {
		return "", ErrInvalidState
	}
	return verifier, nil
}
