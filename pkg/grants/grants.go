// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grants implements the grant processors of the token endpoint. Each
// supported grant type is a strategy behind the same narrow contract; the
// Service dispatches a validated token request to the right processor and
// owns grant storage, redemption atomicity, and token minting.
package grants

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/validate"
)

// State is the lifecycle state of a user-interactive grant (device, CIBA).
type State string

// Grant lifecycle states.
const (
	StatePending    State = "pending"
	StateAuthorized State = "authorized"
	StateDenied     State = "denied"
)

// GrantType tags a stored grant record.
type GrantType string

// Stored grant kinds.
const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantDeviceCode        GrantType = "device_code"
	GrantBackchannel       GrantType = "backchannel"
)

// Grant is a stored authorization awaiting redemption at the token endpoint.
// Records are replaced, never mutated in place.
type Grant struct {
	// ID is the redemption handle: the authorization code, device code, or
	// auth_req_id.
	ID string

	// Type tags which flow created the grant.
	Type GrantType

	// ClientID binds the grant to the requesting client.
	ClientID string

	// Session is the authenticated user session; nil until approval for
	// device and backchannel grants.
	Session *session.AuthSession

	// State tracks user approval for device and backchannel grants.
	State State

	Scopes    []string
	Resources []string

	// RedirectURI is the URI the authorization response was sent to; the
	// token request must repeat it exactly.
	RedirectURI string

	// CodeChallenge is the S256 PKCE challenge from the authorization request.
	CodeChallenge string

	// Nonce is echoed into the ID token.
	Nonce string

	// UserCode is the short code shown to the user in the device flow.
	UserCode string

	// DeliveryMode is the CIBA delivery mode the grant was created under.
	DeliveryMode string

	// ClientNotificationToken authenticates ping/push callbacks to the client.
	ClientNotificationToken string

	// Interval is the minimum seconds between polls for device and CIBA poll
	// grants.
	Interval int64

	// LastPolledAt records the previous token-endpoint poll.
	LastPolledAt time.Time

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the grant is past its expiry at the given time.
func (g *Grant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// Store persists grants between the authorization and token endpoints.
// Implementations must be safe for concurrent use; redemption atomicity is
// provided by the token registry, not the store.
type Store interface {
	// PutGrant inserts or replaces a grant record.
	PutGrant(ctx context.Context, grant *Grant) error

	// GetGrant returns the grant, or (nil, nil) when absent.
	GetGrant(ctx context.Context, id string) (*Grant, error)

	// FindByUserCode returns the pending device grant for a user code, or
	// (nil, nil) when absent.
	FindByUserCode(ctx context.Context, userCode string) (*Grant, error)

	// DeleteGrant removes a grant; missing IDs are not an error.
	DeleteGrant(ctx context.Context, id string) error
}

// processor is the per-grant-type strategy contract.
type processor interface {
	// Process redeems the validated request into a token response.
	Process(ctx context.Context, req *validate.ValidTokenRequest) (*oauth.TokenResponse, *oauth.Error)
}

// Lifetimes bundles the token and grant lifetimes the service issues with.
type Lifetimes struct {
	AccessToken       time.Duration
	RefreshToken      time.Duration
	IDToken           time.Duration
	AuthorizationCode time.Duration
	DeviceCode        time.Duration
	Backchannel       time.Duration
}

// DefaultLifetimes are applied for any zero Lifetimes field.
var DefaultLifetimes = Lifetimes{
	AccessToken:       time.Hour,
	RefreshToken:      30 * 24 * time.Hour,
	IDToken:           5 * time.Minute,
	AuthorizationCode: 5 * time.Minute,
	DeviceCode:        10 * time.Minute,
	Backchannel:       5 * time.Minute,
}

// DefaultPollInterval is the minimum seconds between device and CIBA polls.
const DefaultPollInterval int64 = 5

// Config assembles a Service.
type Config struct {
	// Store persists grants awaiting redemption.
	Store Store

	// Registry provides the atomic single-redemption and revocation state.
	Registry registry.Registry

	// Engine signs and validates the issued tokens.
	Engine *jwt.Engine

	// Keys supplies the server signing keys.
	Keys keys.Provider

	// Issuer is the server's issuer identifier, stamped into every token.
	Issuer string

	// Lifetimes override DefaultLifetimes field by field.
	Lifetimes Lifetimes

	// Logger receives structured diagnostics; slog.Default() when nil.
	Logger *slog.Logger
}

// Service owns grant creation, approval, and redemption.
type Service struct {
	store      Store
	registry   registry.Registry
	engine     *jwt.Engine
	keys       keys.Provider
	issuer     string
	lifetimes  Lifetimes
	logger     *slog.Logger
	processors map[string]processor

	// clock is overridden in tests.
	clock func() time.Time
}

// New creates a Service with its grant-type strategy table.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lifetimes := cfg.Lifetimes
	applyDefault(&lifetimes.AccessToken, DefaultLifetimes.AccessToken)
	applyDefault(&lifetimes.RefreshToken, DefaultLifetimes.RefreshToken)
	applyDefault(&lifetimes.IDToken, DefaultLifetimes.IDToken)
	applyDefault(&lifetimes.AuthorizationCode, DefaultLifetimes.AuthorizationCode)
	applyDefault(&lifetimes.DeviceCode, DefaultLifetimes.DeviceCode)
	applyDefault(&lifetimes.Backchannel, DefaultLifetimes.Backchannel)

	s := &Service{
		store:     cfg.Store,
		registry:  cfg.Registry,
		engine:    cfg.Engine,
		keys:      cfg.Keys,
		issuer:    cfg.Issuer,
		lifetimes: lifetimes,
		logger:    logger,
		clock:     time.Now,
	}
	s.processors = map[string]processor{
		oauth.GrantTypeAuthorizationCode: &authorizationCodeProcessor{s},
		oauth.GrantTypeRefreshToken:      &refreshTokenProcessor{s},
		oauth.GrantTypeClientCredentials: &clientCredentialsProcessor{s},
		oauth.GrantTypeDeviceCode:        &deviceCodeProcessor{s},
		oauth.GrantTypeCIBA:              &backchannelProcessor{s},
	}
	return s
}

func applyDefault(d *time.Duration, fallback time.Duration) {
	if *d == 0 {
		*d = fallback
	}
}

// Process dispatches the validated token request to its grant processor.
func (s *Service) Process(ctx context.Context, req *validate.ValidTokenRequest) (*oauth.TokenResponse, *oauth.Error) {
	proc, ok := s.processors[req.GrantType]
	if !ok {
		return nil, oauth.NewError(oauth.ErrCodeUnsupportedGrantType, "unsupported grant_type")
	}
	return proc.Process(ctx, req)
}

// redeemOnce claims the single redemption of a grant through the registry's
// atomic check-and-set. Exactly one of two concurrent redeemers wins.
func (s *Service) redeemOnce(ctx context.Context, grant *Grant) *oauth.Error {
	fresh, err := s.registry.MarkIfUnused(ctx, grant.ID, grant.ExpiresAt)
	if err != nil {
		return oauth.ServerError("grant redemption failed", err)
	}
	if !fresh {
		s.logger.Warn("grant redemption replay detected",
			"grant_type", string(grant.Type),
			"client_id", grant.ClientID,
		)
		return oauth.InvalidGrant("grant has already been redeemed")
	}
	if err := s.store.DeleteGrant(ctx, grant.ID); err != nil {
		return oauth.ServerError("grant cleanup failed", err)
	}
	return nil
}

// loadGrant fetches a grant and checks type, client binding, and expiry.
func (s *Service) loadGrant(ctx context.Context, id string, typ GrantType, clientID string) (*Grant, *oauth.Error) {
	grant, err := s.store.GetGrant(ctx, id)
	if err != nil {
		return nil, oauth.ServerError("grant lookup failed", err)
	}
	if grant == nil || grant.Type != typ {
		return nil, oauth.InvalidGrant("unknown grant")
	}
	if grant.ClientID != clientID {
		s.logger.Warn("grant presented by a different client",
			"grant_type", string(typ),
			"client_id", clientID,
		)
		return nil, oauth.InvalidGrant("grant was issued to a different client")
	}
	if grant.Expired(s.clock()) {
		return nil, grantExpiredError(typ)
	}
	return grant, nil
}

// grantExpiredError picks the wire code for an expired grant: device and CIBA
// polling has a dedicated code, everything else is invalid_grant.
func grantExpiredError(typ GrantType) *oauth.Error {
	if typ == GrantDeviceCode || typ == GrantBackchannel {
		return oauth.NewError(oauth.ErrCodeExpiredToken, "grant expired before it was approved")
	}
	return oauth.InvalidGrant("grant has expired")
}

// scopeSubset reports whether requested is a subset of granted.
func scopeSubset(requested, granted []string) bool {
	for _, scope := range requested {
		if !oauth.HasScope(granted, scope) {
			return false
		}
	}
	return true
}

// narrowScopes applies RFC 6749 §6 scope narrowing: an empty request keeps
// the original scopes, otherwise the request must be a subset.
func narrowScopes(requested, granted []string) ([]string, *oauth.Error) {
	if len(requested) == 0 {
		return granted, nil
	}
	if !scopeSubset(requested, granted) {
		return nil, oauth.InvalidScope("requested scope exceeds the originally granted scope")
	}
	return requested, nil
}

// throttlePoll enforces the minimum poll interval for device and CIBA
// grants, persisting the poll time so back-to-back polls slow down.
func (s *Service) throttlePoll(ctx context.Context, grant *Grant) *oauth.Error {
	now := s.clock()
	interval := grant.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tooSoon := !grant.LastPolledAt.IsZero() &&
		now.Before(grant.LastPolledAt.Add(time.Duration(interval)*time.Second))

	updated := *grant
	updated.LastPolledAt = now
	if err := s.store.PutGrant(ctx, &updated); err != nil {
		return oauth.ServerError("grant update failed", err)
	}
	if tooSoon {
		return oauth.NewError(oauth.ErrCodeSlowDown, "polling faster than the allowed interval")
	}
	return nil
}

// pendingState maps a non-authorized grant state to its wire error.
func pendingState(grant *Grant) *oauth.Error {
	switch grant.State {
	case StatePending:
		return oauth.NewError(oauth.ErrCodeAuthorizationPending, "the user has not yet approved the request")
	case StateDenied:
		return oauth.NewError(oauth.ErrCodeAccessDenied, "the user denied the request")
	default:
		return nil
	}
}

// Approve transitions a pending device or backchannel grant to authorized,
// attaching the authenticated session.
func (s *Service) Approve(ctx context.Context, id string, sess *session.AuthSession) error {
	return s.transition(ctx, id, StateAuthorized, sess)
}

// Deny transitions a pending device or backchannel grant to denied.
func (s *Service) Deny(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateDenied, nil)
}

func (s *Service) transition(ctx context.Context, id string, state State, sess *session.AuthSession) error {
	grant, err := s.store.GetGrant(ctx, id)
	if err != nil {
		return err
	}
	if grant == nil {
		return fmt.Errorf("grant %q not found", id)
	}
	if grant.State != StatePending {
		return fmt.Errorf("grant is not pending")
	}
	updated := *grant
	updated.State = state
	if sess != nil {
		updated.Session = sess
	}
	return s.store.PutGrant(ctx, &updated)
}
