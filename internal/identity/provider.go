// Package identity maps external OAuth2 provider profiles onto local accounts
// and drives the authorization-code flow against those providers.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	ProviderGoogle   = "google"
	ProviderGitHub   = "github"
	ProviderFacebook = "facebook"
)

// UserInfo is the provider-neutral view of an external profile.
type UserInfo struct {
	SubjectID string
	Email     string
	Name      string
	AvatarURL string
}

// Adapter knows how to talk to one provider and how to read its profile
// payload.
type Adapter interface {
	ID() string
	Endpoint() oauth2.Endpoint
	Scopes() []string
	UserInfoURL() string
	Extract(attrs map[string]any) UserInfo
}

// emailResolver is implemented by adapters whose profile endpoint may omit
// the email address.
type emailResolver interface {
	ResolveEmail(ctx context.Context, client *http.Client) (string, error)
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func DefaultRegistry() *Registry {
	return NewRegistry(googleAdapter{}, githubAdapter{}, facebookAdapter{})
}

func (r *Registry) Register(a Adapter) {
	r.adapters[strings.ToLower(a.ID())] = a
}

func (r *Registry) Lookup(id string) (Adapter, bool) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(id))]
	return a, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type googleAdapter struct{}

func (googleAdapter) ID() string                { return ProviderGoogle }
func (googleAdapter) Endpoint() oauth2.Endpoint { return endpoints.Google }
func (googleAdapter) Scopes() []string          { return []string{"openid", "email", "profile"} }
func (googleAdapter) UserInfoURL() string       { return "https://openidconnect.googleapis.com/v1/userinfo" }

func (googleAdapter) Extract(attrs map[string]any) UserInfo {
	return UserInfo{
		SubjectID: stringAttr(attrs, "sub"),
		Email:     stringAttr(attrs, "email"),
		Name:      stringAttr(attrs, "name"),
		AvatarURL: stringAttr(attrs, "picture"),
	}
}

type githubAdapter struct{}

func (githubAdapter) ID() string                { return ProviderGitHub }
func (githubAdapter) Endpoint() oauth2.Endpoint { return endpoints.GitHub }
func (githubAdapter) Scopes() []string          { return []string{"read:user", "user:email"} }
func (githubAdapter) UserInfoURL() string       { return "https://api.github.com/user" }

func (githubAdapter) Extract(attrs map[string]any) UserInfo {
	name := stringAttr(attrs, "name")
	if name == "" {
		name = stringAttr(attrs, "login")
	}
	return UserInfo{
		SubjectID: stringAttr(attrs, "id"),
		Email:     stringAttr(attrs, "email"),
		Name:      name,
		AvatarURL: stringAttr(attrs, "avatar_url"),
	}
}

// ResolveEmail picks the primary verified address when the public profile
// hides it.
func (githubAdapter) ResolveEmail(ctx context.Context, client *http.Client) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, client, "https://api.github.com/user/emails", &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

type facebookAdapter struct{}

func (facebookAdapter) ID() string                { return ProviderFacebook }
func (facebookAdapter) Endpoint() oauth2.Endpoint { return endpoints.Facebook }
func (facebookAdapter) Scopes() []string          { return []string{"email", "public_profile"} }
func (facebookAdapter) UserInfoURL() string {
	return "https://graph.facebook.com/me?fields=id,name,email,picture"
}

func (facebookAdapter) Extract(attrs map[string]any) UserInfo {
	avatar := ""
	if picture, ok := attrs["picture"].(map[string]any); ok {
		if data, ok := picture["data"].(map[string]any); ok {
			avatar = stringAttr(data, "url")
		}
	}
	return UserInfo{
		SubjectID: stringAttr(attrs, "id"),
		Email:     stringAttr(attrs, "email"),
		Name:      stringAttr(attrs, "name"),
		AvatarURL: avatar,
	}
}

func stringAttr(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", url, resp.StatusCode)
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
