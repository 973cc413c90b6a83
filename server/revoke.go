package server

import (
	"context"
	"errors"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// RevocationRequest is an RFC 7009 request
type RevocationRequest struct {
	TenantID      string `form:"-" validate:"required"`
	Token         string `form:"token" validate:"required"`
	TokenTypeHint string `form:"token_type_hint"`

	Client ClientAuthRequest `form:"-"`
}

// Revoke deletes both halves of the token. Unknown tokens and tokens of other
// clients succeed without effect (RFC 7009 section 2.2).
func (s *Server) Revoke(ctx context.Context, req *RevocationRequest) error {
	ctx, span := s.startSpan(ctx, "Revoke")
	defer span.End()

	if err := validate.Struct(req); err != nil {
		return validationError(err)
	}
	t, client, err := s.authenticateClient(ctx, req.TenantID, &req.Client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	// unknown hints are ignored, as RFC 7009 allows
	token, _, err := s.findToken(ctx, t.config.Issuer, req.Token, req.TokenTypeHint)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	if token == nil {
		s.Logger.Debug("Revocation of unknown token",
			"tenant_id", req.TenantID,
			"client_id", client.ClientID)
		return nil
	}

	if token.ClientID != client.ClientID {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventTokenRevocationClientMismatch,
			TenantID:  req.TenantID,
			UserID:    token.Subject,
			ClientID:  client.ClientID,
			IPAddress: req.Client.ClientIP,
			Details:   map[string]any{"token_client_id": token.ClientID},
		})
		s.Logger.Warn("Client tried to revoke a token of another client",
			"tenant_id", req.TenantID,
			"client_id", client.ClientID,
			"token_client_id", token.ClientID)
		return nil
	}

	if err := s.repos.OAuthTokens.DeleteOAuthToken(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		instrumentation.RecordError(span, err)
		return ErrServerError("failed to revoke token", err)
	}

	s.Auditor.LogTokenRevoked(req.TenantID, token.Subject, client.ClientID, req.Client.ClientIP)
	s.metrics.RecordTokenRevocation(ctx, client.ClientID)
	s.Logger.Info("Token revoked",
		"tenant_id", req.TenantID,
		"client_id", client.ClientID,
		"token_prefix", util.SafeTruncate(req.Token, 8))
	instrumentation.SetSpanSuccess(span)
	return nil
}
