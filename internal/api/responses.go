package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/oauth"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// messageResponse is the body of endpoints whose only output is that
// they happened.
type messageResponse struct {
	Message string `json:"message"`
}

type organizationResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func organizationFrom(o storage.Organization) organizationResponse {
	return organizationResponse{
		ID:          o.ID,
		Name:        o.Name,
		Slug:        o.Slug,
		Description: o.Description,
		CreatedAt:   o.CreatedAt,
	}
}

func organizationsFrom(orgs []storage.Organization) []organizationResponse {
	out := make([]organizationResponse, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, organizationFrom(o))
	}
	return out
}

type membershipResponse struct {
	UserID   uuid.UUID `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func membershipsFrom(members []storage.Membership) []membershipResponse {
	out := make([]membershipResponse, 0, len(members))
	for _, m := range members {
		out = append(out, membershipResponse{UserID: m.UserID, Role: m.Role, JoinedAt: m.JoinedAt})
	}
	return out
}

type groupResponse struct {
	ID          uuid.UUID `json:"id"`
	OrgID       uuid.UUID `json:"org_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func groupFrom(g storage.Group) groupResponse {
	return groupResponse{
		ID:          g.ID,
		OrgID:       g.OrgID,
		Name:        g.Name,
		Description: g.Description,
		CreatedAt:   g.CreatedAt,
	}
}

func groupsFrom(groups []storage.Group) []groupResponse {
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupFrom(g))
	}
	return out
}

type permissionResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
}

func permissionsFrom(perms []storage.Permission) []permissionResponse {
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{ID: p.ID, Name: p.Name, Description: p.Description})
	}
	return out
}

// oauthClientResponse is a registered client without its secret hash.
// ClientSecret is set exactly once, in the registration response.
type oauthClientResponse struct {
	ClientID     string    `json:"client_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`
	Scopes       []string  `json:"scopes"`
	GrantTypes   []string  `json:"grant_types"`
	RequirePKCE  bool      `json:"require_pkce"`
	FirstParty   bool      `json:"first_party"`
	CreatedAt    time.Time `json:"created_at"`
	ClientSecret string    `json:"client_secret,omitempty"`
}

func oauthClientFrom(c storage.OAuthClient, secret string) oauthClientResponse {
	typ := oauth.ClientConfidential
	if c.Public {
		typ = oauth.ClientPublic
	}
	return oauthClientResponse{
		ClientID:     c.ID,
		Name:         c.Name,
		Type:         typ,
		RedirectURIs: c.RedirectURIs,
		Scopes:       c.Scopes,
		GrantTypes:   c.GrantTypes,
		RequirePKCE:  c.RequirePKCE,
		FirstParty:   c.FirstParty,
		CreatedAt:    c.CreatedAt,
		ClientSecret: secret,
	}
}
