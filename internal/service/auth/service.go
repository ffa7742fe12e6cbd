package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/hostedeth/deployer/pkg/config"
	jwtpkg "github.com/hostedeth/deployer/pkg/jwt"
)

var (
	// ErrBadCode marks an OAuth code GitHub refused to exchange.
	ErrBadCode = errors.New("github rejected oauth code")
	// ErrUnauthorized marks a missing or invalid session token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Service handles authentication: GitHub OAuth code exchange and JWT
// session issue/verification. There are no local accounts; the GitHub login
// is the user identity.
type Service struct {
	client     *http.Client
	tokenURL   string
	userAPIURL string
	cfg        config.DeployerConfig
	logger     *slog.Logger
}

// New constructs an auth service against the public GitHub endpoints.
func New(cfg config.DeployerConfig, logger *slog.Logger) *Service {
	return &Service{
		client:     &http.Client{Timeout: 15 * time.Second},
		tokenURL:   "https://github.com/login/oauth/access_token",
		userAPIURL: "https://api.github.com/user",
		cfg:        cfg,
		logger:     logger,
	}
}

// Session is the result of a successful login. GithubToken is handed back to
// the client, which presents it again when creating a deployment so the
// build pipeline can check out private repositories.
type Session struct {
	Token       string `json:"token"`
	Username    string `json:"username"`
	GithubToken string `json:"github_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Login exchanges a GitHub OAuth code for an access token, resolves the
// GitHub login behind it, and issues a session JWT.
func (s *Service) Login(ctx context.Context, code string) (Session, error) {
	if strings.TrimSpace(code) == "" {
		return Session{}, fmt.Errorf("%w: empty code", ErrBadCode)
	}
	accessToken, err := s.exchangeCode(ctx, code)
	if err != nil {
		return Session{}, err
	}
	username, err := s.fetchUsername(ctx, accessToken)
	if err != nil {
		return Session{}, err
	}
	token, err := jwtpkg.GenerateToken(username, s.cfg.JWTSecret, s.cfg.SessionTTL)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user logged in", "user", username)
	return Session{
		Token:       token,
		Username:    username,
		GithubToken: accessToken,
		ExpiresIn:   int64(s.cfg.SessionTTL.Seconds()),
	}, nil
}

// Authorize validates a bearer session token and returns its claims.
func (s *Service) Authorize(token string) (*jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

func (s *Service) exchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {s.cfg.GithubClientID},
		"client_secret": {s.cfg.GithubClientSecret},
		"code":          {code},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github token exchange: %w", err)
	}
	defer resp.Body.Close()
	var body struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode github token response: %w", err)
	}
	if body.Error != "" || body.AccessToken == "" {
		return "", fmt.Errorf("%w: %s", ErrBadCode, body.ErrorDescription)
	}
	return body.AccessToken, nil
}

func (s *Service) fetchUsername(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userAPIURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github user lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: github user lookup returned %s", ErrUnauthorized, resp.Status)
	}
	var body struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode github user response: %w", err)
	}
	if body.Login == "" {
		return "", fmt.Errorf("%w: github user has no login", ErrUnauthorized)
	}
	return body.Login, nil
}
