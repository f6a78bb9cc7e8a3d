// Package catalogsync keeps the resolver's in-memory catalogs current: a
// NATS subscription reacts to control-plane pushes immediately, and a
// polling fallback re-fetches periodically in case a push was missed.
package catalogsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/confidence-resolver/resolver/cmd/resolver/internal/cache"
	"github.com/confidence-resolver/resolver/pkg/catalog"
	"github.com/confidence-resolver/resolver/pkg/config"
	"github.com/confidence-resolver/resolver/pkg/rbac"
)

// UpdateMessage is what the control plane publishes on the catalog subject.
type UpdateMessage struct {
	Type      string `json:"type"` // "full_refresh", "invalidate"
	AccountID string `json:"account_id"`
	Timestamp int64  `json:"timestamp"`
}

// serviceSubject is this process's own RBAC identity when it acts as the
// internal service fetching and installing catalogs, as opposed to a client
// credential resolving flags.
const serviceSubject = "catalogsync"

// Syncer subscribes to catalog push notifications and polls as a fallback.
type Syncer struct {
	cache  *cache.CatalogCache
	nats   *nats.Conn
	config *config.Config
	rbac   *rbac.RBAC
	logger zerolog.Logger

	httpClient   *http.Client
	subscription *nats.Subscription
	stopChan     chan struct{}
}

// NewSyncer creates a new catalog syncer. acl may be nil, in which case
// every account is treated as manageable (matching deployments that haven't
// provisioned per-account service policies yet).
func NewSyncer(catalogCache *cache.CatalogCache, natsConn *nats.Conn, cfg *config.Config, acl *rbac.RBAC, logger zerolog.Logger) *Syncer {
	return &Syncer{
		cache:      catalogCache,
		nats:       natsConn,
		config:     cfg,
		rbac:       acl,
		logger:     logger.With().Str("component", "catalogsync").Logger(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		stopChan:   make(chan struct{}),
	}
}

// canManage reports whether this process's service identity may push or
// poll a catalog update for accountID, gating every write path into the
// cache behind the same RBAC layer a misdirected or forged control-plane
// message would otherwise bypass.
func (s *Syncer) canManage(accountID string) bool {
	if s.rbac == nil {
		return true
	}
	allowed, err := s.rbac.CanServiceManage(serviceSubject, accountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account", accountID).Msg("rbac enforcement error, denying by default")
		return false
	}
	return allowed
}

// Start begins listening for catalog push notifications and polling.
func (s *Syncer) Start() error {
	subject := s.config.NATS.CatalogSubject

	var err error
	s.subscription, err = s.nats.Subscribe(subject, s.handleUpdate)
	if err != nil {
		return fmt.Errorf("failed to subscribe to catalog updates: %w", err)
	}

	go s.startPolling()

	s.logger.Info().Str("subject", subject).Msg("subscribed to catalog updates and started polling")
	return nil
}

// Close stops the syncer.
func (s *Syncer) Close() error {
	close(s.stopChan)
	if s.subscription != nil {
		if err := s.subscription.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe from catalog updates: %w", err)
		}
	}
	s.logger.Info().Msg("catalog syncer stopped")
	return nil
}

func (s *Syncer) handleUpdate(msg *nats.Msg) {
	var update UpdateMessage
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		s.logger.Error().Err(err).Msg("failed to unmarshal catalog update message")
		return
	}

	s.logger.Info().Str("account", update.AccountID).Str("type", update.Type).Msg("received catalog update")

	if !s.canManage(update.AccountID) {
		s.logger.Warn().Str("account", update.AccountID).Msg("rejecting catalog update: service not authorized for account")
		return
	}

	switch update.Type {
	case "full_refresh":
		if err := s.FetchCatalog(context.Background(), update.AccountID); err != nil {
			s.logger.Error().Err(err).Str("account", update.AccountID).Msg("failed to refresh catalog")
		}
	case "invalidate":
		s.cache.InvalidateCatalog(update.AccountID)
	default:
		s.logger.Warn().Str("type", update.Type).Msg("unknown catalog update type")
	}
}

func (s *Syncer) startPolling() {
	ticker := time.NewTicker(s.config.Resolver.CatalogCacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			for _, accountID := range s.cache.ListCachedAccounts() {
				if err := s.FetchCatalog(context.Background(), accountID); err != nil {
					s.logger.Error().Err(err).Str("account", accountID).Msg("failed to poll catalog")
				}
			}
		}
	}
}

// FetchCatalog implements cache.CatalogLoader: it pulls the raw catalog blob
// for an account from the control plane and installs it into the cache.
func (s *Syncer) FetchCatalog(ctx context.Context, accountID string) error {
	if !s.canManage(accountID) {
		return fmt.Errorf("catalogsync: service not authorized to manage account %s", accountID)
	}
	url := fmt.Sprintf("%s/v1/accounts/%s/catalog", s.config.Resolver.ControlPlaneURL(), accountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		s.cache.InvalidateCatalog(accountID)
		return nil
	default:
		return fmt.Errorf("unexpected response status %d for account %s", resp.StatusCode, accountID)
	}

	raw := make([]byte, 0, resp.ContentLength)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			raw = append(raw, buf[:n]...)
		}
		if readErr != nil {
			break
		}
	}

	state, err := catalog.Decode(raw, accountID)
	if err != nil {
		return fmt.Errorf("failed to decode catalog: %w", err)
	}

	s.cache.SetCatalog(accountID, state, raw)
	return nil
}
