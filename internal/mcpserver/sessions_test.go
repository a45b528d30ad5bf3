package mcpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hamcp/internal/auth"
	"hamcp/internal/models"
)

func testRegistry(t *testing.T) (*Registry, *auth.Store) {
	t.Helper()
	store := auth.NewStore(nil, testLogger())
	t.Cleanup(store.Stop)
	return NewRegistry(store), store
}

func saveAdmin(store *auth.Store, token, host string, createdAt time.Time) {
	store.SaveAdminSession(&models.AdminSession{
		Token: token, HAHost: host, HAToken: "tok-" + token,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(24 * time.Hour),
	})
}

func TestObtainGeneratesAndReuses(t *testing.T) {
	r, _ := testRegistry(t)

	sess := r.Obtain("")
	require.NotEmpty(t, sess.ID)

	again := r.Obtain(sess.ID)
	assert.Same(t, sess, again)
	assert.Equal(t, 1, r.Len())
}

func TestObtainBindsMostRecentAdmin(t *testing.T) {
	r, store := testRegistry(t)

	saveAdmin(store, "t1", "https://ha-old.local", time.Now().Add(-time.Hour))
	saveAdmin(store, "t2", "https://ha-new.local", time.Now())

	sess := r.Obtain("")
	assert.Equal(t, "t2", sess.AdminToken, "most recent login wins")
	assert.True(t, sess.Authenticated)

	creds, ok := r.ResolveCredentials(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "https://ha-new.local", creds.Host)
	assert.Equal(t, "tok-t2", creds.Token)
}

func TestBindingFixedAtCreation(t *testing.T) {
	r, store := testRegistry(t)

	saveAdmin(store, "t1", "https://ha-old.local", time.Now().Add(-time.Hour))
	sess := r.Obtain("")
	require.Equal(t, "t1", sess.AdminToken)

	// A later login must not move an existing session.
	saveAdmin(store, "t2", "https://ha-new.local", time.Now())

	creds, ok := r.ResolveCredentials(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "https://ha-old.local", creds.Host)

	// But a brand new session binds to the newer login.
	fresh := r.Obtain("")
	assert.Equal(t, "t2", fresh.AdminToken)
}

func TestResolveCredentialsUnbound(t *testing.T) {
	r, _ := testRegistry(t)

	sess := r.Obtain("")
	assert.Empty(t, sess.AdminToken)
	assert.False(t, sess.Authenticated)

	_, ok := r.ResolveCredentials(sess.ID)
	assert.False(t, ok)

	_, ok = r.ResolveCredentials("never-seen")
	assert.False(t, ok)
}

func TestMarkAuthenticated(t *testing.T) {
	r, _ := testRegistry(t)

	sess := r.Obtain("")
	require.False(t, sess.Authenticated)

	r.MarkAuthenticated(sess.ID)
	assert.True(t, r.Get(sess.ID).Authenticated)
}

func TestClaimBroadcastOncePerSession(t *testing.T) {
	r, _ := testRegistry(t)

	assert.True(t, r.ClaimBroadcast("s1"))
	assert.False(t, r.ClaimBroadcast("s1"), "a reconnecting stream must not re-broadcast")
	assert.True(t, r.ClaimBroadcast("s2"), "tracking is per session id")
}

func TestResetBroadcastAllowsReclaim(t *testing.T) {
	r, _ := testRegistry(t)

	require.True(t, r.ClaimBroadcast("s1"))
	require.False(t, r.ClaimBroadcast("s1"))

	r.ResetBroadcast("s1")
	assert.True(t, r.ClaimBroadcast("s1"), "explicit release re-arms the broadcast")
}
