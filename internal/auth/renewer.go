package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cleverdata/cmsync/internal/config"
)

// HTTPRenewer logs in against token_renewal_url with the configured service
// account.
type HTTPRenewer struct {
	client     *resty.Client
	url        string
	username   string
	password   string
	serverName string
}

// NewHTTPRenewer builds a renewer from the authentication section.
func NewHTTPRenewer(cfg config.AuthConfig) *HTTPRenewer {
	client := resty.New().SetTimeout(renewTimeout)
	if host := strings.TrimSpace(cfg.LoginHost); host != "" {
		// The login gateway routes on the Host header, not the URL.
		client.SetPreRequestHook(func(_ *resty.Client, req *http.Request) error {
			req.Host = host
			return nil
		})
	}
	return &HTTPRenewer{
		client:     client,
		url:        cfg.TokenRenewalURL,
		username:   cfg.Username,
		password:   cfg.Password,
		serverName: cfg.ServerName,
	}
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ServerName string `json:"servername,omitempty"`
}

type loginResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Renew performs one login call.
func (r *HTTPRenewer) Renew(ctx context.Context) (Renewal, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json, text/plain").
		SetBody(loginRequest{Username: r.username, Password: r.password, ServerName: r.serverName}).
		Post(r.url)
	if err != nil {
		return Renewal{}, fmt.Errorf("login request: %w", err)
	}
	if resp.IsError() {
		return Renewal{}, fmt.Errorf("login rejected: status %d", resp.StatusCode())
	}
	return parseLoginBody(resp.Body())
}

// parseLoginBody accepts either a plain "Bearer <token>" body or a JSON
// object carrying the token.
func parseLoginBody(body []byte) (Renewal, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return Renewal{}, fmt.Errorf("login response is empty")
	}

	if strings.HasPrefix(text, "{") {
		var lr loginResponse
		if err := json.Unmarshal([]byte(text), &lr); err != nil {
			return Renewal{}, fmt.Errorf("decode login response: %w", err)
		}
		tok := lr.Token
		if tok == "" {
			tok = lr.AccessToken
		}
		tok = stripBearer(tok)
		if tok == "" {
			return Renewal{}, fmt.Errorf("login response has no token")
		}
		return Renewal{Value: tok, ExpiresIn: time.Duration(lr.ExpiresIn) * time.Second}, nil
	}

	tok := stripBearer(text)
	if tok == text || tok == "" {
		return Renewal{}, fmt.Errorf("unrecognized login response")
	}
	return Renewal{Value: tok}, nil
}

func stripBearer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 7 && strings.EqualFold(s[:7], "bearer ") {
		return strings.TrimSpace(s[7:])
	}
	return s
}
