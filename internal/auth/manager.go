package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/repo"
)

// TokenHeader carries the target token credential.
const TokenHeader = "Authorization"

// tokenScheme is the expected prefix of the token header value.
const tokenScheme = "TargetToken "

// Manager validates controller credentials against the tenant's enabled
// authentication mechanisms and resolves the per-delivery principal.
type Manager struct {
	controllers      repo.ControllerManagement
	tenants          repo.TenantConfiguration
	issuerHashHeader string
	logger           zerolog.Logger
}

// NewManager constructs a Manager.
func NewManager(controllers repo.ControllerManagement, tenants repo.TenantConfiguration, issuerHashHeader string, logger zerolog.Logger) (*Manager, error) {
	if controllers == nil {
		return nil, errors.New("auth: controller management is required")
	}
	if tenants == nil {
		return nil, errors.New("auth: tenant configuration is required")
	}
	if issuerHashHeader == "" {
		return nil, errors.New("auth: issuer hash header name is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Manager{
		controllers:      controllers,
		tenants:          tenants,
		issuerHashHeader: issuerHashHeader,
		logger:           logger,
	}, nil
}

// Authenticate validates the credential and returns the resolved principal.
// Every failure maps to dmf.ErrAuthenticationFailure; repository outages are
// reported as transient so the transport can redeliver.
func (m *Manager) Authenticate(ctx context.Context, cred *dmf.SecurityCredential) (Principal, error) {
	if err := cred.Validate(); err != nil {
		return Principal{}, dmf.WrapAuthenticationFailure(err)
	}

	flags, err := m.tenants.AuthFlags(ctx, cred.Tenant)
	if err != nil {
		return Principal{}, dmf.WrapTransient(fmt.Errorf("load tenant auth flags: %v", err))
	}

	token, hasToken := tokenFromHeaders(cred.Headers)
	issuerHash, hasIssuerHash := headerValue(cred.Headers, m.issuerHashHeader)

	log := m.logger.With().
		Str("tenant", cred.Tenant).
		Str("controller_id", cred.ControllerID).
		Logger()

	if !hasToken && !hasIssuerHash && !flags.AnonymousEnabled {
		log.Debug().Msg("auth: no credential material and anonymous access disabled")
		return Principal{}, dmf.WrapAuthenticationFailure(errors.New("no recognized credential"))
	}

	if flags.TargetTokenEnabled && hasToken {
		if err := m.checkTargetToken(ctx, cred, token); err != nil {
			log.Debug().Msg("auth: target token mismatch")
			return Principal{}, err
		}
		return Principal{Tenant: cred.Tenant, ControllerID: cred.ControllerID}, nil
	}

	if flags.CertificateEnabled && hasIssuerHash {
		if !issuerHashAllowed(issuerHash, flags.AllowedIssuerHashes) {
			log.Debug().Msg("auth: issuer hash not in allowed set")
			return Principal{}, dmf.WrapAuthenticationFailure(errors.New("issuer hash rejected"))
		}
		return Principal{Tenant: cred.Tenant, ControllerID: cred.ControllerID}, nil
	}

	if flags.AnonymousEnabled {
		return Principal{Tenant: cred.Tenant, ControllerID: cred.ControllerID}, nil
	}

	log.Debug().Msg("auth: no enabled mechanism accepted the credential")
	return Principal{}, dmf.WrapAuthenticationFailure(errors.New("credential rejected"))
}

// checkTargetToken compares the presented token against the stored secret
// using a constant-time comparison. The secret is tenant-protected, so the
// lookup runs under a scoped system principal.
func (m *Manager) checkTargetToken(ctx context.Context, cred *dmf.SecurityCredential, presented string) error {
	stored, err := RunAsSystem(ctx, cred.Tenant, func(ctx context.Context) (string, error) {
		return m.controllers.SecurityToken(ctx, cred.Tenant, cred.ControllerID)
	})
	if err != nil {
		if errors.Is(err, dmf.ErrNotFound) {
			return dmf.WrapAuthenticationFailure(err)
		}
		return dmf.WrapTransient(fmt.Errorf("load security token: %v", err))
	}
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return dmf.WrapAuthenticationFailure(errors.New("target token mismatch"))
	}
	return nil
}

// tokenFromHeaders extracts the token value from a "TargetToken <value>"
// authorization header.
func tokenFromHeaders(headers map[string]string) (string, bool) {
	raw, ok := headerValue(headers, TokenHeader)
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(raw, tokenScheme) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(raw, tokenScheme))
	if token == "" {
		return "", false
	}
	return token, true
}

func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func issuerHashAllowed(hash string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(hash, a) {
			return true
		}
	}
	return false
}
