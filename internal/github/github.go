package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"
)

// ErrNoToken is returned by token-gated operations when the farm holds no
// GitHub credential.
var ErrNoToken = errors.New("github token not configured")

// ErrTokenExpired is returned when GitHub rejects the stored token.
var ErrTokenExpired = errors.New("github token expired or invalid")

// Manager handles the farm's GitHub identity: a stored personal token plus
// the OAuth device flow for browserless sign-in. Token resolution order is
// farm config file, then GITHUB_TOKEN in the process environment, then the
// standalone token file.
type Manager struct {
	mu sync.Mutex

	clientID       string
	farmConfigFile string
	tokenFile      string
	deviceCodeFile string

	deviceCodeURL  string
	accessTokenURL string
	apiBaseURL     string

	httpClient *http.Client
	logger     *slog.Logger
}

// Config carries the file locations and OAuth app id for the manager.
type Config struct {
	ClientID       string
	FarmConfigFile string
	TokenFile      string
	DeviceCodeFile string
}

// NewManager constructs a manager with the public GitHub endpoints.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		clientID:       cfg.ClientID,
		farmConfigFile: cfg.FarmConfigFile,
		tokenFile:      cfg.TokenFile,
		deviceCodeFile: cfg.DeviceCodeFile,
		deviceCodeURL:  "https://github.com/login/device/code",
		accessTokenURL: "https://github.com/login/oauth/access_token",
		apiBaseURL:     "https://api.github.com",
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		logger:         logger.With("component", "github"),
	}
}

// SetEndpoints overrides the GitHub endpoints, for tests.
func (m *Manager) SetEndpoints(deviceCode, accessToken, apiBase string) {
	m.deviceCodeURL = deviceCode
	m.accessTokenURL = accessToken
	m.apiBaseURL = apiBase
}

type farmConfig struct {
	GithubToken string `json:"github_token,omitempty"`
	GithubUser  string `json:"github_user,omitempty"`
}

func (m *Manager) loadFarmConfig() farmConfig {
	var cfg farmConfig
	data, err := os.ReadFile(m.farmConfigFile)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		m.logger.Warn("farm config unreadable", "path", m.farmConfigFile, "error", err)
	}
	return cfg
}

func (m *Manager) saveFarmConfig(cfg farmConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode farm config: %w", err)
	}
	if err := os.WriteFile(m.farmConfigFile, data, 0o600); err != nil {
		return fmt.Errorf("write farm config: %w", err)
	}
	return nil
}

// Token returns the active GitHub token, or empty when not connected.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenLocked()
}

func (m *Manager) tokenLocked() string {
	if cfg := m.loadFarmConfig(); cfg.GithubToken != "" {
		return cfg.GithubToken
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(m.tokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveToken persists a token and the login it belongs to.
func (m *Manager) SaveToken(token, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveTokenLocked(token, user)
}

func (m *Manager) saveTokenLocked(token, user string) error {
	if err := os.WriteFile(m.tokenFile, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	cfg := m.loadFarmConfig()
	cfg.GithubToken = token
	cfg.GithubUser = user
	if err := m.saveFarmConfig(cfg); err != nil {
		return err
	}
	m.logger.Info("github token saved", "user", user)
	return nil
}

// Disconnect removes every stored credential and any pending device flow.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, path := range []string{m.tokenFile, m.deviceCodeFile} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	cfg := m.loadFarmConfig()
	cfg.GithubToken = ""
	cfg.GithubUser = ""
	if err := m.saveFarmConfig(cfg); err != nil {
		return err
	}
	m.logger.Info("github disconnected")
	return nil
}

// DeviceFlow is the user-facing half of a started device authorization.
type DeviceFlow struct {
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type deviceState struct {
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
	Interval   int    `json:"interval"`
	ExpiresAt  string `json:"expires_at"`
}

// StartDeviceFlow requests a device code from GitHub and persists it so a
// later poll, possibly after a dashboard restart, can finish the flow.
func (m *Manager) StartDeviceFlow(ctx context.Context) (DeviceFlow, error) {
	if m.clientID == "" {
		return DeviceFlow{}, fmt.Errorf("github client id not configured")
	}
	form := url.Values{"client_id": {m.clientID}, "scope": {"repo read:org"}}
	var resp struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
		Error           string `json:"error"`
	}
	if err := m.postForm(ctx, m.deviceCodeURL, form, &resp); err != nil {
		return DeviceFlow{}, err
	}
	if resp.Error != "" {
		return DeviceFlow{}, fmt.Errorf("github device code: %s", resp.Error)
	}

	state := deviceState{
		DeviceCode: resp.DeviceCode,
		UserCode:   resp.UserCode,
		Interval:   resp.Interval,
		ExpiresAt:  time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return DeviceFlow{}, fmt.Errorf("encode device state: %w", err)
	}
	if err := os.WriteFile(m.deviceCodeFile, data, 0o600); err != nil {
		return DeviceFlow{}, fmt.Errorf("persist device state: %w", err)
	}

	m.logger.Info("github device flow started")
	return DeviceFlow{
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		ExpiresIn:       resp.ExpiresIn,
		Interval:        resp.Interval,
	}, nil
}

// PollResult reports one poll of a pending device flow.
type PollResult struct {
	Status string `json:"status"` // pending, connected, error
	User   string `json:"user,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PollDeviceFlow asks GitHub whether the user has approved the pending device
// code. On approval the token is stored and the device state deleted.
func (m *Manager) PollDeviceFlow(ctx context.Context) (PollResult, error) {
	data, err := os.ReadFile(m.deviceCodeFile)
	if err != nil {
		if os.IsNotExist(err) {
			return PollResult{Status: "error", Error: "no device flow in progress"}, nil
		}
		return PollResult{}, fmt.Errorf("read device state: %w", err)
	}
	var state deviceState
	if err := json.Unmarshal(data, &state); err != nil {
		return PollResult{}, fmt.Errorf("parse device state: %w", err)
	}

	form := url.Values{
		"client_id":   {m.clientID},
		"device_code": {state.DeviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := m.postForm(ctx, m.accessTokenURL, form, &resp); err != nil {
		return PollResult{}, err
	}

	switch resp.Error {
	case "":
	case "authorization_pending", "slow_down":
		return PollResult{Status: "pending"}, nil
	case "expired_token", "access_denied":
		if err := os.Remove(m.deviceCodeFile); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove device state", "error", err)
		}
		return PollResult{Status: "error", Error: resp.Error}, nil
	default:
		return PollResult{Status: "error", Error: resp.Error}, nil
	}

	user, err := m.fetchLogin(ctx, resp.AccessToken)
	if err != nil {
		m.logger.Warn("token accepted but user lookup failed", "error", err)
	}
	m.mu.Lock()
	saveErr := m.saveTokenLocked(resp.AccessToken, user)
	m.mu.Unlock()
	if saveErr != nil {
		return PollResult{}, saveErr
	}
	if err := os.Remove(m.deviceCodeFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove device state", "error", err)
	}
	return PollResult{Status: "connected", User: user}, nil
}

// AuthStatus reports whether the farm holds a working token.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	User          string `json:"user,omitempty"`
	Scopes        string `json:"scopes,omitempty"`
}

// Status validates the stored token against the GitHub API.
func (m *Manager) Status(ctx context.Context) AuthStatus {
	token := m.Token()
	if token == "" {
		return AuthStatus{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiBaseURL+"/user", nil)
	if err != nil {
		return AuthStatus{}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn("github status check failed", "error", err)
		return AuthStatus{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AuthStatus{}
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return AuthStatus{Authenticated: true}
	}
	return AuthStatus{
		Authenticated: true,
		User:          user.Login,
		Scopes:        resp.Header.Get("X-OAuth-Scopes"),
	}
}

// Repo is one repository from the connected account, trimmed to the fields
// the create-environment form needs.
type Repo struct {
	Name        string `json:"name"`
	SSHURL      string `json:"ssh_url"`
	CloneURL    string `json:"clone_url"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	UpdatedAt   string `json:"updated_at"`
}

// ListRepos relays the connected user's repositories, most recently updated
// first. Returns ErrNoToken when the farm is not connected and
// ErrTokenExpired when GitHub rejects the stored credential.
func (m *Manager) ListRepos(ctx context.Context) ([]Repo, error) {
	token := m.Token()
	if token == "" {
		return nil, ErrNoToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiBaseURL+"/user/repos?sort=updated&per_page=100", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github repos: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github repos: status %d", resp.StatusCode)
	}
	var entries []struct {
		FullName    string `json:"full_name"`
		SSHURL      string `json:"ssh_url"`
		CloneURL    string `json:"clone_url"`
		Description string `json:"description"`
		Private     bool   `json:"private"`
		UpdatedAt   string `json:"updated_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode github repos: %w", err)
	}
	repos := make([]Repo, 0, len(entries))
	for _, e := range entries {
		repos = append(repos, Repo{
			Name:        e.FullName,
			SSHURL:      e.SSHURL,
			CloneURL:    e.CloneURL,
			Description: e.Description,
			Private:     e.Private,
			UpdatedAt:   e.UpdatedAt,
		})
	}
	return repos, nil
}

// ConfigSummary reports what the farm config holds without exposing the
// token itself.
type ConfigSummary struct {
	HasPAT   bool   `json:"has_pat"`
	Username string `json:"username"`
}

// Summary reads the farm config for display.
func (m *Manager) Summary() ConfigSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.loadFarmConfig()
	return ConfigSummary{HasPAT: cfg.GithubToken != "", Username: cfg.GithubUser}
}

func (m *Manager) fetchLogin(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiBaseURL+"/user", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github user lookup: status %d", resp.StatusCode)
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", err
	}
	return user.Login, nil
}

func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}
