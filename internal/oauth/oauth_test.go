package oauth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/auth"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// fakeStore is an in-memory stand-in for the persistent store. Semantics
// mirror the Postgres implementation, including sentinel errors.
type fakeStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]storage.User
	emails   map[string]uuid.UUID
	clients  map[string]storage.OAuthClient
	consents map[string]storage.Consent
	refresh  map[string]storage.RefreshTokenRecord
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[uuid.UUID]storage.User),
		emails:   make(map[string]uuid.UUID),
		clients:  make(map[string]storage.OAuthClient),
		consents: make(map[string]storage.Consent),
		refresh:  make(map[string]storage.RefreshTokenRecord),
	}
}

func consentKey(userID uuid.UUID, clientID string) string {
	return userID.String() + "|" + clientID
}

func (f *fakeStore) CreateUser(_ context.Context, email, passwordHash string) (storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.emails[email]; ok {
		return storage.User{}, storage.ErrDuplicate
	}
	now := time.Now()
	u := storage.User{
		ID:            uuid.New(),
		Email:         email,
		PasswordHash:  passwordHash,
		EmailVerified: true,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.users[u.ID] = u
	f.emails[email] = u.ID
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.emails[email]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return f.users[id], nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) updateUser(id uuid.UUID, fn func(*storage.User)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&u)
	f.users[id] = u
	return nil
}

func (f *fakeStore) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	return f.updateUser(id, func(u *storage.User) { u.EmailVerified = true })
}

func (f *fakeStore) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	return f.updateUser(id, func(u *storage.User) { u.PasswordHash = hash })
}

func (f *fakeStore) DeactivateUser(_ context.Context, id uuid.UUID) error {
	return f.updateUser(id, func(u *storage.User) { u.Active = false })
}

func (f *fakeStore) TouchLastLogin(_ context.Context, id uuid.UUID) error {
	return f.updateUser(id, func(u *storage.User) {
		now := time.Now()
		u.LastLoginAt = &now
	})
}

func (f *fakeStore) SetTOTPSecret(_ context.Context, id uuid.UUID, secret string) error {
	return f.updateUser(id, func(u *storage.User) {
		u.TOTPSecret = &secret
		u.TOTPPending = true
	})
}

func (f *fakeStore) ConfirmTOTP(_ context.Context, id uuid.UUID) error {
	return f.updateUser(id, func(u *storage.User) {
		u.TOTPEnabled = true
		u.TOTPPending = false
	})
}

func (f *fakeStore) DisableTOTP(_ context.Context, id uuid.UUID) error {
	return f.updateUser(id, func(u *storage.User) {
		u.TOTPEnabled = false
		u.TOTPPending = false
		u.TOTPSecret = nil
	})
}

func (f *fakeStore) ReplaceBackupCodes(context.Context, uuid.UUID, []string) error {
	return nil
}

func (f *fakeStore) ConsumeBackupCode(context.Context, uuid.UUID, string) (bool, error) {
	return false, nil
}

func (f *fakeStore) CountUsedBackupCodes(context.Context, uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeStore) RecordRefreshToken(_ context.Context, rec storage.RefreshTokenRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[rec.JTI] = rec
	return nil
}

func (f *fakeStore) GetRefreshToken(_ context.Context, jti string) (storage.RefreshTokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.refresh[jti]
	if !ok {
		return storage.RefreshTokenRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) RotateRefreshToken(_ context.Context, oldJTI, newJTI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.refresh[oldJTI]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now()
	rec.RevokedAt = &now
	rec.RotatedTo = &newJTI
	f.refresh[oldJTI] = rec
	return nil
}

func (f *fakeStore) RevokeRefreshToken(_ context.Context, jti string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.refresh[jti]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now()
	rec.RevokedAt = &now
	f.refresh[jti] = rec
	return nil
}

func (f *fakeStore) RevokeAllForUser(_ context.Context, userID uuid.UUID) ([]storage.RefreshTokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var revoked []storage.RefreshTokenRecord
	for jti, rec := range f.refresh {
		if rec.UserID == userID && rec.RevokedAt == nil {
			rec.RevokedAt = &now
			f.refresh[jti] = rec
			revoked = append(revoked, rec)
		}
	}
	return revoked, nil
}

func (f *fakeStore) liveTokens(userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.refresh {
		if rec.UserID == userID && rec.RevokedAt == nil {
			n++
		}
	}
	return n
}

func (f *fakeStore) CreateOAuthClient(_ context.Context, client storage.OAuthClient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[client.ID]; ok {
		return storage.ErrDuplicate
	}
	client.CreatedAt = time.Now()
	f.clients[client.ID] = client
	return nil
}

func (f *fakeStore) GetOAuthClient(_ context.Context, clientID string) (storage.OAuthClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[clientID]
	if !ok {
		return storage.OAuthClient{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListOAuthClients(_ context.Context) ([]storage.OAuthClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.OAuthClient, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) UpsertConsent(_ context.Context, consent storage.Consent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consents[consentKey(consent.UserID, consent.ClientID)] = consent
	return nil
}

func (f *fakeStore) GetConsent(_ context.Context, userID uuid.UUID, clientID string) (storage.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consents[consentKey(userID, clientID)]
	if !ok {
		return storage.Consent{}, storage.ErrNotFound
	}
	return c, nil
}

// plainHasher keeps the suite off Argon2id costs.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "h:" + password, nil }

func (plainHasher) Compare(hash, password string) error {
	if hash != "h:"+password {
		return errors.New("hash mismatch")
	}
	return nil
}

func (plainHasher) NeedsRehash(string) bool { return false }
func (plainHasher) DummyCompare(string)     {}

type recordedEvent struct {
	action string
	params audit.LogParams
}

// auditRecorder captures events synchronously for assertions.
type auditRecorder struct {
	mu      sync.Mutex
	entries []recordedEvent
}

func (r *auditRecorder) Log(_ context.Context, action string, params audit.LogParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedEvent{action: action, params: params})
}

func (r *auditRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.action
	}
	return out
}

func (r *auditRecorder) last(action string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].action == action {
			return r.entries[i], true
		}
	}
	return recordedEvent{}, false
}

type testEnv struct {
	srv    *Server
	store  *fakeStore
	eph    *ephemeral.MemoryStore
	minter *auth.Minter
	audits *auditRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newFakeStore()
	eph := ephemeral.NewMemoryStore()
	t.Cleanup(func() { eph.Close() })

	blacklist := auth.NewBlacklist(eph)
	minter, err := auth.NewMinter(bytes.Repeat([]byte("k"), 32), "gatewarden-test", auth.TokenTTLs{
		Access:       15 * time.Minute,
		Refresh:      30 * 24 * time.Hour,
		PreAuth:      5 * time.Minute,
		OAuthAccess:  time.Hour,
		OAuthRefresh: 30 * 24 * time.Hour,
	}, blacklist)
	require.NoError(t, err)

	rec := &auditRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{PublicURL: "https://auth.example.com/"}, store, eph, minter, blacklist, plainHasher{}, rec, logger)

	return &testEnv{srv: srv, store: store, eph: eph, minter: minter, audits: rec}
}

func (e *testEnv) seedUser(t *testing.T) storage.User {
	t.Helper()
	user, err := e.store.CreateUser(context.Background(), uuid.NewString()+"@example.com", "h:pw")
	require.NoError(t, err)
	return user
}

// registerConfidential creates a confidential client through the real
// registration path and returns it with its plaintext secret.
func (e *testEnv) registerConfidential(t *testing.T, id string, firstParty bool, scopes ...string) (storage.OAuthClient, string) {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"documents:read", "documents:write"}
	}
	reg, err := e.srv.RegisterClient(context.Background(), nil, RegisterClientInput{
		ClientID:     id,
		Name:         "Client " + id,
		Type:         ClientConfidential,
		RedirectURIs: []string{"https://" + id + ".example.com/callback"},
		Scopes:       scopes,
		GrantTypes:   []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials},
		FirstParty:   firstParty,
	})
	require.NoError(t, err)
	return reg.Client, reg.Secret
}

func (e *testEnv) registerPublic(t *testing.T, id string, firstParty bool, scopes ...string) storage.OAuthClient {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"documents:read"}
	}
	reg, err := e.srv.RegisterClient(context.Background(), nil, RegisterClientInput{
		ClientID:     id,
		Name:         "Client " + id,
		Type:         ClientPublic,
		RedirectURIs: []string{"https://" + id + ".example.com/callback"},
		Scopes:       scopes,
		FirstParty:   firstParty,
	})
	require.NoError(t, err)
	return reg.Client
}

// asProtocolErr asserts err is an OAuth protocol error with the given
// code and returns it for further checks.
func asProtocolErr(t *testing.T, err error, code string) *Error {
	t.Helper()
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, code, oerr.Code, "description: %s", oerr.Description)
	return oerr
}
