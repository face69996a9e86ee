// Package authz answers "may user U do P in organization O" and manages
// the organizations, groups, and grants those answers derive from.
//
// Decisions are cached at two levels in the ephemeral store. L1 holds one
// boolean per (user, org, permission) for a minute; L2 holds the user's
// full grant set per organization for five. A cold pair costs one
// persistent-store query, collapsed across concurrent checks; a warm pair
// costs one cache read. When the cache is unreachable the engine degrades
// to the persistent store alone. Membership is never assumed.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/metrics"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// Denial reasons. These strings are part of the check-endpoint response
// contract; clients match on them.
const (
	ReasonInvalidInput     = "Invalid ID format"
	ReasonNotMember        = "Not a member of the organization"
	ReasonPermissionDenied = "Permission denied"
)

// Cache TTLs. A failed invalidation leaves entries stale for at most
// these durations.
const (
	l1TTL = time.Minute
	l2TTL = 5 * time.Minute
)

// Decision sources, used for audit metadata and the lookup metric.
const (
	sourceInput = "input"
	sourceL1    = "l1"
	sourceL2    = "l2"
	sourceStore = "store"
)

var permissionPattern = regexp.MustCompile(`^[a-z_]+:[a-z_]+$`)

// Cache key builders. The layout is shared state with operators and
// runbooks; keep it stable.
func l1Key(userID, orgID uuid.UUID, permission string) string {
	return l1Prefix(userID, orgID) + permission
}

func l1Prefix(userID, orgID uuid.UUID) string {
	return "auth:check:" + userID.String() + ":" + orgID.String() + ":"
}

func l2Key(userID, orgID uuid.UUID) string {
	return "auth:perms:" + userID.String() + ":" + orgID.String()
}

// Decision is the outcome of one authorization check. Groups names the
// groups that granted the permission; it is null when the answer came
// from L1, which keeps no attribution. Callers must tolerate that.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason,omitempty"`
	Groups  []string `json:"groups"`
}

// Store is the slice of the persistent contract the engine needs.
type Store interface {
	storage.OrganizationStore
	storage.AuthzStore
}

// Engine is the decision point. All methods are safe for concurrent use.
type Engine struct {
	store   Store
	cache   ephemeral.Store
	audit   audit.Service
	metrics *metrics.Metrics
	logger  *slog.Logger

	flight singleflight.Group
}

func NewEngine(store Store, cache ephemeral.Store, auditor audit.Service, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		cache:   cache,
		audit:   auditor,
		metrics: m,
		logger:  logger,
	}
}

// Authorize decides whether the user holds the permission in the
// organization. Malformed input and denials are decisions, not errors;
// the error return is reserved for persistent-store failures.
func (e *Engine) Authorize(ctx context.Context, userID, orgID, permission string) (Decision, error) {
	uid, uidErr := uuid.Parse(userID)
	oid, oidErr := uuid.Parse(orgID)
	if uidErr != nil || oidErr != nil || !permissionPattern.MatchString(permission) {
		d := Decision{Reason: ReasonInvalidInput}
		e.record(ctx, nil, nil, permission, d, sourceInput)
		return d, nil
	}

	cacheOK := true

	switch v, err := e.cache.Get(ctx, l1Key(uid, oid, permission)); {
	case err == nil:
		// Only member-without-permission denials are cached, so a "0"
		// always reads as a permission denial.
		d := Decision{Allowed: v == "1"}
		if !d.Allowed {
			d.Reason = ReasonPermissionDenied
		}
		e.metrics.AuthzLookups.WithLabelValues(sourceL1).Inc()
		e.record(ctx, &uid, &oid, permission, d, sourceL1)
		return d, nil
	case !errors.Is(err, ephemeral.ErrNotFound):
		cacheOK = false
		e.logger.Warn("authz_cache_degraded", "op", "l1_get", "error", err)
	}

	var (
		grants []storage.PermissionGrant
		source = sourceStore
	)
	if cacheOK {
		switch raw, err := e.cache.Get(ctx, l2Key(uid, oid)); {
		case err == nil:
			if jsonErr := json.Unmarshal([]byte(raw), &grants); jsonErr == nil {
				source = sourceL2
			} else {
				// A corrupt entry falls through to the store, which
				// overwrites it.
				e.logger.Warn("authz_cache_corrupt", "user_id", uid, "org_id", oid)
			}
		case !errors.Is(err, ephemeral.ErrNotFound):
			cacheOK = false
			e.logger.Warn("authz_cache_degraded", "op", "l2_get", "error", err)
		}
	}

	if source != sourceL2 {
		filled, err := e.fillGrants(ctx, uid, oid, cacheOK)
		if errors.Is(err, storage.ErrNotMember) {
			// Not cached: membership can begin at any moment and
			// AddMember has nothing to invalidate.
			d := Decision{Reason: ReasonNotMember}
			e.metrics.AuthzLookups.WithLabelValues(sourceStore).Inc()
			e.record(ctx, &uid, &oid, permission, d, sourceStore)
			return d, nil
		}
		if err != nil {
			return Decision{}, fmt.Errorf("authz: resolving permissions: %w", err)
		}
		grants = filled
	}
	e.metrics.AuthzLookups.WithLabelValues(source).Inc()

	d := evaluate(grants, permission)

	if cacheOK {
		v := "0"
		if d.Allowed {
			v = "1"
		}
		if err := e.cache.SetWithTTL(ctx, l1Key(uid, oid, permission), v, l1TTL); err != nil {
			e.logger.Warn("authz_cache_write_failed", "op", "l1_set", "error", err)
		}
	}

	e.record(ctx, &uid, &oid, permission, d, source)
	return d, nil
}

// fillGrants resolves the grant set from the persistent store, collapsing
// concurrent fills for the same (user, org) into one query.
func (e *Engine) fillGrants(ctx context.Context, userID, orgID uuid.UUID, cacheOK bool) ([]storage.PermissionGrant, error) {
	key := l2Key(userID, orgID)
	v, err, _ := e.flight.Do(key, func() (interface{}, error) {
		grants, err := e.store.ResolvePermissions(ctx, userID, orgID)
		if err != nil {
			return nil, err
		}
		if cacheOK {
			raw, err := json.Marshal(grants)
			if err == nil {
				err = e.cache.SetWithTTL(ctx, key, string(raw), l2TTL)
			}
			if err != nil {
				e.logger.Warn("authz_cache_write_failed", "op", "l2_set", "error", err)
			}
		}
		return grants, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]storage.PermissionGrant), nil
}

// evaluate computes the decision from a resolved grant set. Granting
// groups are deduplicated; a permission granted by no group is denied.
func evaluate(grants []storage.PermissionGrant, permission string) Decision {
	var groups []string
	seen := make(map[string]struct{})
	for _, g := range grants {
		if g.Permission != permission {
			continue
		}
		if _, dup := seen[g.Group]; dup {
			continue
		}
		seen[g.Group] = struct{}{}
		groups = append(groups, g.Group)
	}
	if len(groups) == 0 {
		return Decision{Reason: ReasonPermissionDenied}
	}
	return Decision{Allowed: true, Groups: groups}
}

// record counts and audits one decision.
func (e *Engine) record(ctx context.Context, userID, orgID *uuid.UUID, permission string, d Decision, source string) {
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	e.metrics.AuthzDecisions.WithLabelValues(outcome).Inc()

	e.audit.Log(ctx, audit.ActionAuthzDecision, audit.LogParams{
		ActorID:  userID,
		OrgID:    orgID,
		TargetID: permission,
		Metadata: map[string]interface{}{
			"allowed": d.Allowed,
			"reason":  d.Reason,
			"source":  source,
		},
	})
}

// InvalidateUserOrg drops the cached grant set and every cached decision
// for one (user, org) pair. Failures are logged, not returned: stale
// entries expire within their TTLs.
func (e *Engine) InvalidateUserOrg(ctx context.Context, userID, orgID uuid.UUID) {
	if err := e.cache.Delete(ctx, l2Key(userID, orgID)); err != nil {
		e.logger.Warn("authz_invalidate_failed", "op", "l2", "error", err)
	}
	if _, err := e.cache.DeletePrefix(ctx, l1Prefix(userID, orgID)); err != nil {
		e.logger.Warn("authz_invalidate_failed", "op", "l1", "error", err)
	}
}

// InvalidateUser drops cached authorization state across every
// organization the user belongs to. The auth service calls it through
// its invalidator hook after a password reset.
func (e *Engine) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	orgs, err := e.store.ListOrganizationsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("authz: listing organizations: %w", err)
	}
	for _, org := range orgs {
		e.InvalidateUserOrg(ctx, userID, org.ID)
	}
	return nil
}

// invalidateGroup drops cached state for every current member of the
// group. Callers about to delete the group must capture the member list
// first; deletion removes it.
func (e *Engine) invalidateGroup(ctx context.Context, groupID, orgID uuid.UUID) {
	members, err := e.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		e.logger.Warn("authz_invalidate_failed", "op", "group_members", "error", err)
		return
	}
	for _, id := range members {
		e.InvalidateUserOrg(ctx, id, orgID)
	}
}
