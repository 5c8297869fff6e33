// Package room talks to the external video room provider.
package room

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Provider deletes rooms at the video provider. Deleting a room that is already gone must succeed.
type Provider interface {
	DeleteRoom(ctx context.Context, roomName string) error
}

// NopProvider is used when no provider is configured.
type NopProvider struct{}

func (NopProvider) DeleteRoom(context.Context, string) error { return nil }

const defaultTimeout = 5 * time.Second

// HTTPProvider issues DELETE {baseURL}/rooms/{roomName} with a bearer api key.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

func NewHTTPProvider(baseURL, apiKey string, logger zerolog.Logger) (*HTTPProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, eris.Errorf("invalid room provider url %q", baseURL)
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
		log:     logger.With().Str("component", "room").Logger(),
	}, nil
}

func (p *HTTPProvider) DeleteRoom(ctx context.Context, roomName string) error {
	endpoint, err := url.JoinPath(p.baseURL, "rooms", roomName)
	if err != nil {
		return eris.Wrap(err, "failed to build room url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return eris.Wrap(err, "failed to build room request")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "failed to delete room %s", roomName)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		p.log.Debug().Str("room", roomName).Msg("room already deleted at provider")
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	}
	return eris.New(fmt.Sprintf("room provider returned %d deleting %s", resp.StatusCode, roomName))
}
