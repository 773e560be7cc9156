// Package inmem provides an in-memory repository backend. It backs the
// gateway binary when no external repository is attached and gives tests a
// fully functional store without infrastructure.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/dmf-gateway/internal/auth"
	"github.com/example/dmf-gateway/internal/dmf"
	"github.com/example/dmf-gateway/internal/repo"
)

type targetKey struct {
	tenant       string
	controllerID string
}

// Store implements repo.ControllerManagement, repo.ArtifactManagement and
// repo.TenantConfiguration over process memory. All methods are safe for
// concurrent use.
type Store struct {
	mu sync.RWMutex

	targets   map[targetKey]*repo.Target
	actions   map[int64]*repo.Action
	statuses  map[int64][]repo.StatusEntry
	artifacts map[string][]repo.Artifact
	tenants   map[string]repo.AuthFlags

	nextTargetID int64
	nextActionID int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		targets:   make(map[targetKey]*repo.Target),
		actions:   make(map[int64]*repo.Action),
		statuses:  make(map[int64][]repo.StatusEntry),
		artifacts: make(map[string][]repo.Artifact),
		tenants:   make(map[string]repo.AuthFlags),
	}
}

// FindTarget looks up a target by controller id within the tenant.
func (s *Store) FindTarget(ctx context.Context, tenant, controllerID string) (*repo.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[targetKey{tenant, controllerID}]
	if !ok {
		return nil, dmf.WrapNotFound(fmt.Errorf("target %s/%s", tenant, controllerID))
	}
	cp := *t
	return &cp, nil
}

// FindOrRegisterTarget registers the target when unknown and refreshes its
// address and last-seen timestamp otherwise.
func (s *Store) FindOrRegisterTarget(ctx context.Context, tenant, controllerID, address, name string) (*repo.Target, error) {
	if strings.TrimSpace(controllerID) == "" {
		return nil, errors.New("inmem: controller id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := targetKey{tenant, controllerID}
	if t, ok := s.targets[key]; ok {
		t.Address = address
		if name != "" {
			t.Name = name
		}
		t.LastSeen = time.Now()
		cp := *t
		return &cp, nil
	}

	s.nextTargetID++
	t := &repo.Target{
		ID:           s.nextTargetID,
		Tenant:       tenant,
		ControllerID: controllerID,
		Name:         name,
		Address:      address,
		LastSeen:     time.Now(),
	}
	s.targets[key] = t
	cp := *t
	return &cp, nil
}

// SecurityToken returns the stored secret token. The caller must hold a
// system principal; a plain delivery principal never sees the secret.
func (s *Store) SecurityToken(ctx context.Context, tenant, controllerID string) (string, error) {
	if !auth.IsSystem(ctx) {
		return "", dmf.WrapAuthenticationFailure(errors.New("security token requires a system principal"))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[targetKey{tenant, controllerID}]
	if !ok {
		return "", dmf.WrapNotFound(fmt.Errorf("target %s/%s", tenant, controllerID))
	}
	return t.SecurityToken, nil
}

// FindActionWithDetails loads an action including its distribution set.
func (s *Store) FindActionWithDetails(ctx context.Context, tenant string, actionID int64) (*repo.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[actionID]
	if !ok || a.Tenant != tenant {
		return nil, dmf.WrapNotFound(fmt.Errorf("action %d in tenant %s", actionID, tenant))
	}
	cp := *a
	return &cp, nil
}

// FindOldestActiveAction returns the oldest non-terminal action queued for
// the target, or nil when none is pending.
func (s *Store) FindOldestActiveAction(ctx context.Context, tenant string, targetID int64) (*repo.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *repo.Action
	for _, a := range s.actions {
		if a.Tenant != tenant || a.TargetID != targetID || a.State.IsTerminal() {
			continue
		}
		if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) ||
			(a.CreatedAt.Equal(oldest.CreatedAt) && a.ID < oldest.ID) {
			oldest = a
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

// AddStatus appends the entry and moves the action to newState when the
// entry carries side effects. A closed action never changes state again; the
// stickiness check happens under the same lock as the write, so two racing
// terminal reports resolve deterministically regardless of what state their
// callers read beforehand.
func (s *Store) AddStatus(ctx context.Context, tenant string, entry repo.StatusEntry, newState repo.ActionState) (*repo.Action, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[entry.ActionID]
	if !ok || a.Tenant != tenant {
		return nil, false, dmf.WrapNotFound(fmt.Errorf("action %d in tenant %s", entry.ActionID, tenant))
	}

	applied := entry.SideEffects && !a.State.IsTerminal()
	entry.SideEffects = applied
	s.statuses[entry.ActionID] = append(s.statuses[entry.ActionID], entry)
	if applied {
		a.State = newState
	}
	cp := *a
	return &cp, applied, nil
}

// HasActionForModule reports whether the target has any action whose
// distribution set contains the module.
func (s *Store) HasActionForModule(ctx context.Context, tenant, controllerID string, moduleID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.actions {
		if a.Tenant != tenant || a.ControllerID != controllerID {
			continue
		}
		for _, mod := range a.DistributionSet.Modules {
			if mod.ID == moduleID {
				return true, nil
			}
		}
	}
	return false, nil
}

// ByHash finds an artifact by SHA1 content hash within the tenant.
func (s *Store) ByHash(ctx context.Context, tenant, sha1 string) (*repo.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, art := range s.artifacts[tenant] {
		if strings.EqualFold(art.SHA1, sha1) {
			cp := art
			return &cp, nil
		}
	}
	return nil, dmf.WrapNotFound(fmt.Errorf("artifact with hash %s in tenant %s", sha1, tenant))
}

// ByModuleFilename finds an artifact by owning module id and filename.
func (s *Store) ByModuleFilename(ctx context.Context, tenant string, moduleID int64, filename string) (*repo.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, art := range s.artifacts[tenant] {
		if art.ModuleID == moduleID && art.Filename == filename {
			cp := art
			return &cp, nil
		}
	}
	return nil, dmf.WrapNotFound(fmt.Errorf("artifact %d/%s in tenant %s", moduleID, filename, tenant))
}

// AuthFlags returns the tenant's authentication switches. Unknown tenants
// get every mechanism disabled.
func (s *Store) AuthFlags(ctx context.Context, tenant string) (repo.AuthFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenants[tenant], nil
}

// SetAuthFlags stores the tenant's authentication switches.
func (s *Store) SetAuthFlags(tenant string, flags repo.AuthFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant] = flags
}

// SeedTarget inserts a pre-built target, assigning an id when none is set.
func (s *Store) SeedTarget(t repo.Target) repo.Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == 0 {
		s.nextTargetID++
		t.ID = s.nextTargetID
	} else if t.ID > s.nextTargetID {
		s.nextTargetID = t.ID
	}
	cp := t
	s.targets[targetKey{t.Tenant, t.ControllerID}] = &cp
	return t
}

// SeedAction inserts a pre-built action, assigning an id when none is set.
func (s *Store) SeedAction(a repo.Action) repo.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == 0 {
		s.nextActionID++
		a.ID = s.nextActionID
	} else if a.ID > s.nextActionID {
		s.nextActionID = a.ID
	}
	if a.State == "" {
		a.State = repo.ActionScheduled
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := a
	s.actions[a.ID] = &cp
	return a
}

// SeedArtifact inserts an artifact under the tenant.
func (s *Store) SeedArtifact(tenant string, art repo.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[tenant] = append(s.artifacts[tenant], art)
}

// Statuses returns the recorded status entries for an action in arrival
// order.
func (s *Store) Statuses(actionID int64) []repo.StatusEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.statuses[actionID]
	out := make([]repo.StatusEntry, len(entries))
	copy(out, entries)
	return out
}
