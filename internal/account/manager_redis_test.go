package account

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(redis.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	return mr, client
}

func seedAccount(t *testing.T, client *redis.Client, email string) {
	t.Helper()
	store := redis.NewAccountStore(client)
	err := store.SetAccount(context.Background(), &redis.Account{
		Email:   email,
		Source:  "manual",
		Enabled: true,
	})
	require.NoError(t, err)
}

func TestManager_InitializeLoadsAccountsFromRedis(t *testing.T) {
	_, client := setupTestRedis(t)
	seedAccount(t, client, "a@example.com")
	seedAccount(t, client, "b@example.com")

	m := NewManager(client, &config.Config{})
	require.NoError(t, m.Initialize(context.Background(), "round-robin"))

	require.Equal(t, 2, m.GetAccountCount())
}

func TestManager_MarkRateLimitedExcludesAccountForModel(t *testing.T) {
	_, client := setupTestRedis(t)
	seedAccount(t, client, "a@example.com")
	seedAccount(t, client, "b@example.com")

	m := NewManager(client, &config.Config{})
	require.NoError(t, m.Initialize(context.Background(), "round-robin"))

	require.NoError(t, m.MarkRateLimited(context.Background(), "a@example.com", 60_000, "gemini-pro"))

	available := m.GetAvailableAccounts("gemini-pro")
	require.Len(t, available, 1)
	require.Equal(t, "b@example.com", available[0].Email)
}

func TestManager_IsAllRateLimitedTrueWhenEveryAccountLimited(t *testing.T) {
	_, client := setupTestRedis(t)
	seedAccount(t, client, "a@example.com")

	m := NewManager(client, &config.Config{})
	require.NoError(t, m.Initialize(context.Background(), "round-robin"))

	require.False(t, m.IsAllRateLimited("gemini-pro"))
	require.NoError(t, m.MarkRateLimited(context.Background(), "a@example.com", 60_000, "gemini-pro"))
	require.True(t, m.IsAllRateLimited("gemini-pro"))
}

func TestManager_MarkInvalidRemovesAccountFromAvailablePool(t *testing.T) {
	_, client := setupTestRedis(t)
	seedAccount(t, client, "a@example.com")

	m := NewManager(client, &config.Config{})
	require.NoError(t, m.Initialize(context.Background(), "round-robin"))

	require.NoError(t, m.MarkInvalid(context.Background(), "a@example.com", "revoked"))

	invalid := m.GetInvalidAccounts()
	require.Len(t, invalid, 1)
	require.Equal(t, "revoked", invalid[0].InvalidReason)
}
