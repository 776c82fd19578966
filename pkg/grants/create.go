// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/validate"
)

// BeginAuthorizationCode stores a redeemable code grant for an approved
// authorization request and returns the code.
func (s *Service) BeginAuthorizationCode(
	ctx context.Context,
	req *validate.ValidAuthorizationRequest,
	sess *session.AuthSession,
	scopes []string,
) (string, *oauth.Error) {
	now := s.clock()
	grant := &Grant{
		ID:            uuid.NewString(),
		Type:          GrantAuthorizationCode,
		ClientID:      req.Client.ID,
		Session:       sess,
		State:         StateAuthorized,
		Scopes:        scopes,
		Resources:     req.Resources,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		Nonce:         req.Nonce,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.lifetimes.AuthorizationCode),
	}
	if err := s.store.PutGrant(ctx, grant); err != nil {
		return "", oauth.ServerError("failed to store authorization code", err)
	}
	return grant.ID, nil
}

// DeviceAuthorizationResponse is the RFC 8628 §3.2 response shape.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// BeginDeviceAuthorization creates a pending device grant and returns the
// codes the device shows to the user.
func (s *Service) BeginDeviceAuthorization(
	ctx context.Context,
	clientID string,
	scopes []string,
	verificationURI string,
) (*DeviceAuthorizationResponse, *oauth.Error) {
	userCode, err := newUserCode()
	if err != nil {
		return nil, oauth.ServerError("failed to generate user code", err)
	}
	now := s.clock()
	grant := &Grant{
		ID:        uuid.NewString(),
		Type:      GrantDeviceCode,
		ClientID:  clientID,
		State:     StatePending,
		Scopes:    scopes,
		UserCode:  userCode,
		Interval:  DefaultPollInterval,
		CreatedAt: now,
		ExpiresAt: now.Add(s.lifetimes.DeviceCode),
	}
	if err := s.store.PutGrant(ctx, grant); err != nil {
		return nil, oauth.ServerError("failed to store device grant", err)
	}
	return &DeviceAuthorizationResponse{
		DeviceCode:              grant.ID,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(s.lifetimes.DeviceCode.Seconds()),
		Interval:                grant.Interval,
	}, nil
}

// BackchannelAuthenticationResponse is the CIBA Core §7.3 response shape.
type BackchannelAuthenticationResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

// BeginBackchannel creates a pending CIBA grant for a validated
// authentication request.
func (s *Service) BeginBackchannel(
	ctx context.Context,
	req *validate.ValidBackchannelAuthenticationRequest,
) (*BackchannelAuthenticationResponse, *oauth.Error) {
	lifetime := s.lifetimes.Backchannel
	if req.RequestedExpiry > 0 {
		requested := time.Duration(req.RequestedExpiry) * time.Second
		if requested < lifetime {
			lifetime = requested
		}
	}
	now := s.clock()
	grant := &Grant{
		ID:                      uuid.NewString(),
		Type:                    GrantBackchannel,
		ClientID:                req.Client.ID,
		State:                   StatePending,
		Scopes:                  req.Scopes,
		DeliveryMode:            req.DeliveryMode,
		ClientNotificationToken: req.ClientNotificationToken,
		Interval:                DefaultPollInterval,
		CreatedAt:               now,
		ExpiresAt:               now.Add(lifetime),
	}
	if err := s.store.PutGrant(ctx, grant); err != nil {
		return nil, oauth.ServerError("failed to store backchannel grant", err)
	}
	resp := &BackchannelAuthenticationResponse{
		AuthReqID: grant.ID,
		ExpiresIn: int64(lifetime.Seconds()),
	}
	if req.DeliveryMode == oauth.DeliveryModePoll || req.DeliveryMode == oauth.DeliveryModePing {
		resp.Interval = grant.Interval
	}
	return resp, nil
}

// FindByUserCode resolves a device-flow user code for the approval UI.
func (s *Service) FindByUserCode(ctx context.Context, userCode string) (*Grant, error) {
	return s.store.FindByUserCode(ctx, userCode)
}

// userCodeCharset avoids vowels and ambiguous glyphs so codes are easy to
// read aloud and type (RFC 8628 §6.1).
const userCodeCharset = "BCDFGHJKLMNPQRSTVWXZ"

func newUserCode() (string, error) {
	buf := make([]byte, 9)
	max := big.NewInt(int64(len(userCodeCharset)))
	for i := range buf {
		if i == 4 {
			buf[i] = '-'
			continue
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = userCodeCharset[n.Int64()]
	}
	return string(buf), nil
}
