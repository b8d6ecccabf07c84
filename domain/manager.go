// Package domain owns the current origin host. Scraping origins rotate
// domains constantly (seizures, CDN migrations, mirror shuffles), so the
// manager reconciles the persisted host against a remote config at first use
// and pushes observed redirects back to the config service.
package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"torii/session"
	"torii/storage"
)

const (
	remoteFetchTimeout = 5 * time.Second
	domainKey          = "domain"
)

// remoteConfig is the JSON shape served by the remote config endpoint.
// Only Domain is required.
type remoteConfig struct {
	Domain      string `json:"domain"`
	Version     int    `json:"version,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

// syncPayload is POSTed to the syncback URL when a redirect moves the
// domain. The response is ignored.
type syncPayload struct {
	Provider       string `json:"provider"`
	ConfigFile     string `json:"configFile"`
	NewDomain      string `json:"newDomain"`
	CurrentVersion int    `json:"currentVersion"`
}

// Manager tracks the current origin host for one provider.
type Manager struct {
	provider        string
	configFile      string
	fallbackDomain  string
	remoteConfigURL string
	syncbackURL     string

	kv     *storage.KV
	client *http.Client

	mu          sync.Mutex
	current     string
	initialized bool
	version     int
}

// Config carries the immutable settings for a Manager.
type Config struct {
	Provider        string
	ConfigFile      string
	FallbackDomain  string
	RemoteConfigURL string
	SyncbackURL     string
}

// NewManager builds a manager over an opened KV namespace
// (conventionally "domain_{provider}").
func NewManager(cfg Config, kv *storage.KV) *Manager {
	return &Manager{
		provider:        cfg.Provider,
		configFile:      cfg.ConfigFile,
		fallbackDomain:  session.NormalizeHost(cfg.FallbackDomain),
		remoteConfigURL: cfg.RemoteConfigURL,
		syncbackURL:     cfg.SyncbackURL,
		kv:              kv,
		client:          &http.Client{Timeout: remoteFetchTimeout},
	}
}

// EnsureInitialized loads the persisted domain (else the fallback) and
// probes the remote config once. Safe to call repeatedly and from multiple
// goroutines; only the first call does work. Remote failures never block the
// caller beyond the 5s fetch timeout and never fail initialization.
func (m *Manager) EnsureInitialized(ctx context.Context) {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return
	}

	if persisted, ok := m.kv.Get(domainKey); ok && persisted != "" {
		m.current = session.NormalizeHost(persisted)
	} else {
		m.current = m.fallbackDomain
	}
	m.initialized = true
	remoteURL := m.remoteConfigURL
	m.mu.Unlock()

	if remoteURL == "" {
		return
	}

	cfg, err := m.fetchRemoteConfig(ctx, remoteURL)
	if err != nil {
		log.Printf("[DomainManager:%s] remote config fetch failed, keeping %s: %v",
			m.provider, m.Current(), err)
		return
	}
	if cfg.Version > 0 {
		m.mu.Lock()
		m.version = cfg.Version
		m.mu.Unlock()
	}
	if changed := m.UpdateDomain(cfg.Domain); changed {
		log.Printf("[DomainManager:%s] remote config moved domain to %s", m.provider, m.Current())
	}
}

func (m *Manager) fetchRemoteConfig(ctx context.Context, remoteURL string) (*remoteConfig, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, remoteFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var cfg remoteConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode remote config: %w", err)
	}
	if session.NormalizeHost(cfg.Domain) == "" {
		return nil, fmt.Errorf("remote config has no usable domain")
	}
	return &cfg, nil
}

// Current returns the active origin host.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// UpdateDomain normalizes and adopts a new host, persisting when it
// actually changed.
func (m *Manager) UpdateDomain(raw string) bool {
	host := session.NormalizeHost(raw)
	if host == "" {
		return false
	}

	m.mu.Lock()
	if m.current == host {
		m.mu.Unlock()
		return false
	}
	m.current = host
	m.mu.Unlock()

	if err := m.kv.Set(domainKey, host); err != nil {
		log.Printf("[DomainManager:%s] failed to persist domain %s: %v", m.provider, host, err)
	}
	return true
}

// CheckRedirect compares the requested and final URLs of a fetch. A host
// change adopts the new domain and fires the syncback POST without waiting
// for it.
func (m *Manager) CheckRedirect(requested, final string) bool {
	reqHost := hostOf(requested)
	finalHost := hostOf(final)
	if reqHost == "" || finalHost == "" || reqHost == finalHost {
		return false
	}
	return m.AdoptRedirect(reqHost, finalHost)
}

// AdoptRedirect adopts a host move observed anywhere in the fetch pipeline
// (redirect chain, challenge landing page) and pushes it to the config
// service. Every adopted move syncs, including ones reported before the
// solve runs.
func (m *Manager) AdoptRedirect(oldHost, newHost string) bool {
	host := session.NormalizeHost(newHost)
	if host == "" || !m.UpdateDomain(host) {
		return false
	}
	log.Printf("[DomainManager:%s] domain moved %s -> %s",
		m.provider, session.NormalizeHost(oldHost), host)
	go m.syncToRemote(host)
	return true
}

// syncToRemote POSTs the domain change to the config service.
// Fire-and-forget: failures are logged only.
func (m *Manager) syncToRemote(newHost string) {
	if m.syncbackURL == "" {
		return
	}

	m.mu.Lock()
	version := m.version
	m.mu.Unlock()

	payload := syncPayload{
		Provider:       m.provider,
		ConfigFile:     m.configFile,
		NewDomain:      "https://" + newHost,
		CurrentVersion: version,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[DomainManager:%s] failed to marshal sync payload: %v", m.provider, err)
		return
	}

	resp, err := m.client.Post(m.syncbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[DomainManager:%s] domain syncback failed: %v", m.provider, err)
		return
	}
	resp.Body.Close()
	log.Printf("[DomainManager:%s] synced domain %s to remote config", m.provider, newHost)
}

// BuildURL joins a path onto the current origin.
func (m *Manager) BuildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("https://%s%s", m.Current(), path)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return session.NormalizeHost(u.Hostname())
}
