// Package download implements the artifact download authorization flow for
// authenticated controllers.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/dmf-gateway/internal/auth"
	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/repo"
)

// Response codes mirror HTTP status semantics inside message bodies.
const (
	CodeOK        = 200
	CodeForbidden = 403
	CodeNotFound  = 404
)

// Config carries the download URL construction settings.
type Config struct {
	// Hostname is the externally reachable host embedded into download URLs.
	Hostname string
	// URLTTL bounds how long a generated download URL stays valid.
	URLTTL time.Duration
}

// Service authorizes artifact downloads and issues download descriptors.
type Service struct {
	authManager *auth.Manager
	artifacts   repo.ArtifactManagement
	controllers repo.ControllerManagement
	cfg         Config
	logger      zerolog.Logger
	now         func() time.Time
}

// New constructs the download authorization service.
func New(authManager *auth.Manager, artifacts repo.ArtifactManagement, controllers repo.ControllerManagement, cfg Config, logger zerolog.Logger) (*Service, error) {
	if authManager == nil {
		return nil, errors.New("download: auth manager is required")
	}
	if artifacts == nil {
		return nil, errors.New("download: artifact management is required")
	}
	if controllers == nil {
		return nil, errors.New("download: controller management is required")
	}
	if cfg.Hostname == "" {
		return nil, errors.New("download: hostname is required")
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 30 * time.Minute
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Service{
		authManager: authManager,
		artifacts:   artifacts,
		controllers: controllers,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// AuthorizeDownload validates the credential, resolves the requested
// artifact and checks that the caller's target is assigned its software
// module. The returned response always carries a definitive code; a non-nil
// error is returned only for transient repository failures, which the
// caller propagates for redelivery.
//
// An artifact that exists but is not assigned to the requesting target is
// answered with the same 404 as an unknown artifact, so an unauthorized
// target cannot probe artifact existence.
func (s *Service) AuthorizeDownload(ctx context.Context, cred *dmf.SecurityCredential) (dmf.DownloadResponse, error) {
	principal, err := s.authManager.Authenticate(ctx, cred)
	if err != nil {
		if errors.Is(err, dmf.ErrTransientRepository) {
			return dmf.DownloadResponse{}, err
		}
		return dmf.DownloadResponse{Code: CodeForbidden, Message: "authentication failed"}, nil
	}
	ctx = auth.WithPrincipal(ctx, principal)

	if cred.FileResource == nil || !cred.FileResource.Valid() {
		return dmf.DownloadResponse{Code: CodeNotFound, Message: "file resource not addressable"}, nil
	}

	artifact, err := s.resolveArtifact(ctx, principal.Tenant, *cred.FileResource)
	if err != nil {
		if errors.Is(err, dmf.ErrNotFound) {
			return dmf.DownloadResponse{Code: CodeNotFound, Message: "artifact not found"}, nil
		}
		return dmf.DownloadResponse{}, dmf.WrapTransient(err)
	}

	assigned, err := s.controllers.HasActionForModule(ctx, principal.Tenant, principal.ControllerID, artifact.ModuleID)
	if err != nil {
		return dmf.DownloadResponse{}, dmf.WrapTransient(err)
	}
	if !assigned {
		s.logger.Debug().
			Str("tenant", principal.Tenant).
			Str("controller_id", principal.ControllerID).
			Int64("module_id", artifact.ModuleID).
			Msg("download: artifact not assigned to requesting target")
		return dmf.DownloadResponse{Code: CodeNotFound, Message: "artifact not found"}, nil
	}

	return dmf.DownloadResponse{
		Code: CodeOK,
		Artifact: &dmf.ArtifactPayload{
			Size:   artifact.Size,
			Hashes: dmf.ArtifactHash{SHA1: artifact.SHA1, MD5: artifact.MD5},
		},
		DownloadURL: s.downloadURL(principal, artifact),
	}, nil
}

func (s *Service) resolveArtifact(ctx context.Context, tenant string, res dmf.FileResource) (*repo.Artifact, error) {
	if res.ByHash() {
		return s.artifacts.ByHash(ctx, tenant, res.SHA1)
	}
	return s.artifacts.ByModuleFilename(ctx, tenant, res.ModuleID, res.Filename)
}

func (s *Service) downloadURL(principal auth.Principal, artifact *repo.Artifact) string {
	expires := s.now().Add(s.cfg.URLTTL)
	return BuildURL(s.cfg.Hostname, expires, principal.Tenant, principal.ControllerID, artifact.ModuleID, artifact.Filename)
}

// BuildURL constructs a time-bound artifact download URL. Construction is
// side-effect-free and safe to run in parallel; the expiry travels as a
// query parameter and is enforced by the artifact layer serving the URL.
func BuildURL(hostname string, expires time.Time, tenant, controllerID string, moduleID int64, filename string) string {
	u := url.URL{
		Scheme: "https",
		Host:   hostname,
		Path: fmt.Sprintf("/%s/controller/v1/%s/softwaremodules/%d/artifacts/%s",
			url.PathEscape(tenant),
			url.PathEscape(controllerID),
			moduleID,
			url.PathEscape(filename)),
		RawQuery: fmt.Sprintf("expires=%d", expires.Unix()),
	}
	return u.String()
}
