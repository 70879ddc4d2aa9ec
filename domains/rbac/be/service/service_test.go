package service_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/domains/rbac/be/service"
	"github.com/edumesh/edumesh-server/platform/go/metrics"
)

type fakeRepo struct {
	perms map[uuid.UUID][]string
	loads int
}

func (f *fakeRepo) EffectivePermissions(_ context.Context, userID uuid.UUID) ([]string, error) {
	f.loads++
	return f.perms[userID], nil
}

func (f *fakeRepo) UpdateRolePermissions(context.Context, uuid.UUID, []string) error { return nil }
func (f *fakeRepo) AssignRole(context.Context, uuid.UUID, uuid.UUID) error           { return nil }
func (f *fakeRepo) RemoveRole(context.Context, uuid.UUID, uuid.UUID) error           { return nil }
func (f *fakeRepo) GrantUserPermission(context.Context, uuid.UUID, string) error     { return nil }
func (f *fakeRepo) RevokeUserPermission(context.Context, uuid.UUID, string) error    { return nil }

func testService(t *testing.T) (*service.Service, *fakeRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	repo := &fakeRepo{perms: make(map[uuid.UUID][]string)}
	svc := service.NewService(repo, service.NewRedisCache(rdb), metrics.NewRegistry(), zap.NewNop())
	return svc, repo
}

func TestResolveCachesSecondLookup(t *testing.T) {
	svc, repo := testService(t)
	ctx := context.Background()
	userID := uuid.New()
	repo.perms[userID] = []string{"students.read", "attendance.write"}

	set, err := svc.Resolve(ctx, "t-1", userID)
	require.NoError(t, err)
	assert.True(t, set.HasAny("students.read"))
	assert.Equal(t, 1, repo.loads)

	_, err = svc.Resolve(ctx, "t-1", userID)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loads, "second resolve must come from cache")
}

func TestRoleAssignmentInvalidatesUser(t *testing.T) {
	svc, repo := testService(t)
	ctx := context.Background()
	userID := uuid.New()
	repo.perms[userID] = []string{"students.read"}

	_, err := svc.Resolve(ctx, "t-1", userID)
	require.NoError(t, err)

	repo.perms[userID] = []string{"students.read", "fees.collect"}
	require.NoError(t, svc.AssignRole(ctx, "t-1", userID, uuid.New()))

	set, err := svc.Resolve(ctx, "t-1", userID)
	require.NoError(t, err)
	assert.True(t, set.HasAny("fees.collect"))
	assert.Equal(t, 2, repo.loads)
}

func TestRoleEditBumpsEpochForAllUsers(t *testing.T) {
	svc, repo := testService(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	repo.perms[alice] = []string{"marks.read"}
	repo.perms[bob] = []string{"marks.read"}

	_, err := svc.Resolve(ctx, "t-1", alice)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, "t-1", bob)
	require.NoError(t, err)
	require.Equal(t, 2, repo.loads)

	// Editing a role affects everyone holding it: the epoch bump makes both
	// cached entries stale.
	repo.perms[alice] = []string{"marks.read", "marks.write"}
	repo.perms[bob] = []string{"marks.read", "marks.write"}
	require.NoError(t, svc.UpdateRolePermissions(ctx, "t-1", uuid.New(), []string{"marks.read", "marks.write"}))

	setA, err := svc.Resolve(ctx, "t-1", alice)
	require.NoError(t, err)
	setB, err := svc.Resolve(ctx, "t-1", bob)
	require.NoError(t, err)
	assert.True(t, setA.HasAll("marks.write"))
	assert.True(t, setB.HasAll("marks.write"))
	assert.Equal(t, 4, repo.loads)
}

func TestEpochIsPerTenant(t *testing.T) {
	svc, repo := testService(t)
	ctx := context.Background()
	userID := uuid.New()
	repo.perms[userID] = []string{"students.read"}

	_, err := svc.Resolve(ctx, "t-1", userID)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateRolePermissions(ctx, "t-2", uuid.New(), nil))

	_, err = svc.Resolve(ctx, "t-1", userID)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loads, "another tenant's epoch bump must not evict this tenant")
}

func TestPermissionSetWildcard(t *testing.T) {
	set := service.NewPermissionSet([]string{service.Wildcard})
	assert.True(t, set.HasAny("anything.at.all"))
	assert.True(t, set.HasAll("a", "b", "c"))

	scoped := service.NewPermissionSet([]string{"a", "b"})
	assert.True(t, scoped.HasAny("b", "z"))
	assert.False(t, scoped.HasAny("z"))
	assert.True(t, scoped.HasAll("a", "b"))
	assert.False(t, scoped.HasAll("a", "z"))
}
