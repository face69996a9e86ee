package oauth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/gatewarden/internal/storage"
)

func TestRegisterClientPublic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.srv.RegisterClient(ctx, nil, RegisterClientInput{
		ClientID:     "spa",
		Name:         "Browser App",
		Type:         ClientPublic,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"documents:read"},
	})
	require.NoError(t, err)

	assert.Empty(t, reg.Secret)
	assert.Nil(t, reg.Client.SecretHash)
	assert.True(t, reg.Client.Public)
	assert.True(t, reg.Client.RequirePKCE)
	assert.True(t, reg.Client.RequireConsent)
	assert.Equal(t, []string{GrantAuthorizationCode, GrantRefreshToken}, reg.Client.GrantTypes)

	stored, err := env.store.GetOAuthClient(ctx, "spa")
	require.NoError(t, err)
	assert.Equal(t, "Browser App", stored.Name)
}

func TestRegisterClientConfidentialReturnsSecretOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.srv.RegisterClient(ctx, nil, RegisterClientInput{
		ClientID:     "chat-api",
		Name:         "Chat Backend",
		Type:         ClientConfidential,
		RedirectURIs: []string{"https://chat.example.com/cb"},
		Scopes:       []string{"groups:read"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, reg.Secret)
	require.NotNil(t, reg.Client.SecretHash)
	assert.NotContains(t, *reg.Client.SecretHash, reg.Secret)
	assert.False(t, reg.Client.Public)
	assert.False(t, reg.Client.RequirePKCE)

	// The stored hash authenticates the returned plaintext.
	client, err := env.srv.authenticateClient(ctx, "chat-api", reg.Secret)
	require.NoError(t, err)
	assert.Equal(t, "chat-api", client.ID)
}

func TestRegisterClientFirstPartySkipsConsent(t *testing.T) {
	env := newTestEnv(t)

	client, _ := env.registerConfidential(t, "dashboard", true)
	assert.True(t, client.FirstParty)
	assert.False(t, client.RequireConsent)
}

func TestRegisterClientConfidentialMayRequirePKCE(t *testing.T) {
	env := newTestEnv(t)

	reg, err := env.srv.RegisterClient(context.Background(), nil, RegisterClientInput{
		ClientID:     "strict-api",
		Name:         "Strict API",
		Type:         ClientConfidential,
		RedirectURIs: []string{"https://strict.example.com/cb"},
		Scopes:       []string{"documents:read"},
		RequirePKCE:  true,
	})
	require.NoError(t, err)
	assert.True(t, reg.Client.RequirePKCE)
	assert.NotNil(t, reg.Client.SecretHash)
}

func TestRegisterClientDuplicate(t *testing.T) {
	env := newTestEnv(t)

	env.registerPublic(t, "twice", false)
	_, err := env.srv.RegisterClient(context.Background(), nil, RegisterClientInput{
		ClientID:     "twice",
		Name:         "Again",
		Type:         ClientPublic,
		RedirectURIs: []string{"https://twice.example.com/cb"},
		Scopes:       []string{"documents:read"},
	})
	require.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestRegisterClientValidation(t *testing.T) {
	env := newTestEnv(t)

	valid := RegisterClientInput{
		ClientID:     "valid",
		Name:         "Valid",
		Type:         ClientConfidential,
		RedirectURIs: []string{"https://valid.example.com/cb"},
		Scopes:       []string{"documents:read"},
	}

	tests := []struct {
		name    string
		mutate  func(*RegisterClientInput)
		wantErr error
	}{
		{"uppercase id", func(in *RegisterClientInput) { in.ClientID = "Spa" }, ErrInvalidClientID},
		{"id too short", func(in *RegisterClientInput) { in.ClientID = "x" }, ErrInvalidClientID},
		{"id too long", func(in *RegisterClientInput) { in.ClientID = strings.Repeat("a", 51) }, ErrInvalidClientID},
		{"blank name", func(in *RegisterClientInput) { in.Name = "   " }, ErrInvalidClientName},
		{"name too long", func(in *RegisterClientInput) { in.Name = strings.Repeat("n", 101) }, ErrInvalidClientName},
		{"bad type", func(in *RegisterClientInput) { in.Type = "hybrid" }, ErrInvalidClientType},
		{"unknown grant", func(in *RegisterClientInput) { in.GrantTypes = []string{"implicit"} }, ErrInvalidGrantType},
		{"public client_credentials", func(in *RegisterClientInput) {
			in.Type = ClientPublic
			in.GrantTypes = []string{GrantClientCredentials}
		}, ErrInvalidGrantType},
		{"no redirect for code grant", func(in *RegisterClientInput) { in.RedirectURIs = nil }, ErrInvalidRedirectURI},
		{"no scopes", func(in *RegisterClientInput) { in.Scopes = nil }, ErrInvalidScopeToken},
		{"scope with space", func(in *RegisterClientInput) { in.Scopes = []string{"documents read"} }, ErrInvalidScopeToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := env.srv.RegisterClient(context.Background(), nil, in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegisterClientScopeCatalog(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.Scopes = []string{"documents:read", "groups:read"}

	_, err := env.srv.RegisterClient(context.Background(), nil, RegisterClientInput{
		ClientID:     "catalogued",
		Name:         "Catalogued",
		Type:         ClientPublic,
		RedirectURIs: []string{"https://c.example.com/cb"},
		Scopes:       []string{"documents:write"},
	})
	require.ErrorIs(t, err, ErrInvalidScopeToken)
}

func TestRegisterClientWithoutCodeGrantNeedsNoRedirect(t *testing.T) {
	env := newTestEnv(t)

	reg, err := env.srv.RegisterClient(context.Background(), nil, RegisterClientInput{
		ClientID:   "worker",
		Name:       "Worker",
		Type:       ClientConfidential,
		Scopes:     []string{"groups:read"},
		GrantTypes: []string{GrantClientCredentials},
	})
	require.NoError(t, err)
	assert.Empty(t, reg.Client.RedirectURIs)
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri string
		ok  bool
	}{
		{"https://app.example.com/callback", true},
		{"https://app.example.com/callback?flavor=sso", true},
		{"http://localhost:3000/callback", true},
		{"http://127.0.0.1:8080/cb", true},
		{"http://[::1]/cb", true},
		{"http://app.example.com/callback", false},
		{"https://app.example.com/cb#fragment", false},
		{"https://*.example.com/cb", false},
		{"/relative/path", false},
		{"ftp://files.example.com/cb", false},
		{"myapp://callback", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := validateRedirectURI(tt.uri)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRedirectURI)
			}
		})
	}
}

func TestAuthenticateClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, secret := env.registerConfidential(t, "backend", false)
	env.registerPublic(t, "spa", false)

	t.Run("unknown client", func(t *testing.T) {
		_, err := env.srv.authenticateClient(ctx, "ghost", "whatever")
		oerr := asProtocolErr(t, err, CodeInvalidClient)
		assert.Equal(t, 401, oerr.Status())
	})

	t.Run("missing client id", func(t *testing.T) {
		_, err := env.srv.authenticateClient(ctx, "", "")
		asProtocolErr(t, err, CodeInvalidClient)
	})

	t.Run("confidential ok", func(t *testing.T) {
		client, err := env.srv.authenticateClient(ctx, "backend", secret)
		require.NoError(t, err)
		assert.Equal(t, "backend", client.ID)
	})

	t.Run("confidential wrong secret", func(t *testing.T) {
		_, err := env.srv.authenticateClient(ctx, "backend", "nope")
		asProtocolErr(t, err, CodeInvalidClient)
	})

	t.Run("confidential missing secret", func(t *testing.T) {
		_, err := env.srv.authenticateClient(ctx, "backend", "")
		asProtocolErr(t, err, CodeInvalidClient)
	})

	t.Run("public bare id", func(t *testing.T) {
		client, err := env.srv.authenticateClient(ctx, "spa", "")
		require.NoError(t, err)
		assert.True(t, client.Public)
	})

	t.Run("public with stray secret", func(t *testing.T) {
		_, err := env.srv.authenticateClient(ctx, "spa", "stray")
		asProtocolErr(t, err, CodeInvalidClient)
	})
}

func TestListClients(t *testing.T) {
	env := newTestEnv(t)

	env.registerPublic(t, "one", false)
	env.registerConfidential(t, "two", false)

	clients, err := env.srv.ListClients(context.Background())
	require.NoError(t, err)
	assert.Len(t, clients, 2)
}
