package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthorized is returned when the identity provider rejects a token.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated principal as reported by the external
// provider. The backend trusts it as given.
type Identity struct {
	AccountID string
	Email     string
}

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// HTTPVerifier calls the identity provider's userinfo endpoint.
type HTTPVerifier struct {
	userinfoURL string
	httpClient  *http.Client
}

func NewHTTPVerifier(userinfoURL string) *HTTPVerifier {
	return &HTTPVerifier{
		userinfoURL: userinfoURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userinfoURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Identity{}, ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Identity{}, fmt.Errorf("userinfo status %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Sub   string `json:"sub"`
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Identity{}, fmt.Errorf("decode userinfo: %w", err)
	}

	accountID := parsed.Sub
	if accountID == "" {
		accountID = parsed.ID
	}
	if accountID == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{AccountID: accountID, Email: parsed.Email}, nil
}
