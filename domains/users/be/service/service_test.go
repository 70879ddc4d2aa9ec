package service_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/domains/users/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	platformauth "github.com/edumesh/edumesh-server/platform/go/auth"
)

type memRepo struct {
	users    map[uuid.UUID]service.User
	hashes   map[uuid.UUID]string
	sessions map[uuid.UUID]int // open session count per user
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    map[uuid.UUID]service.User{},
		hashes:   map[uuid.UUID]string{},
		sessions: map[uuid.UUID]int{},
	}
}

func (m *memRepo) Create(_ context.Context, u service.User, hash string, roleIDs []uuid.UUID) (service.User, error) {
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return service.User{}, apperr.Conflict("EMAIL_TAKEN", "an account with this email already exists")
		}
	}
	for _, id := range roleIDs {
		u.Roles = append(u.Roles, "role-"+id.String()[:8])
	}
	m.users[u.ID] = u
	m.hashes[u.ID] = hash
	return u, nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (service.User, error) {
	u, ok := m.users[id]
	if !ok {
		return service.User{}, apperr.NotFound("user")
	}
	return u, nil
}

func (m *memRepo) List(_ context.Context, opts service.ListOptions) (service.ListResult, error) {
	result := service.ListResult{Page: opts.Page, PageSize: opts.PageSize}
	for _, u := range m.users {
		if opts.Status != "" && u.Status != opts.Status {
			continue
		}
		result.Users = append(result.Users, u)
	}
	result.TotalItems = len(result.Users)
	result.TotalPages = 1
	return result, nil
}

func (m *memRepo) Update(_ context.Context, id uuid.UUID, in service.UpdateInput) (service.User, error) {
	u, ok := m.users[id]
	if !ok {
		return service.User{}, apperr.NotFound("user")
	}
	if in.FirstName != nil {
		u.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		u.LastName = in.LastName
	}
	m.users[id] = u
	return u, nil
}

func (m *memRepo) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	u, ok := m.users[id]
	if !ok {
		return apperr.NotFound("user")
	}
	u.Status = status
	m.users[id] = u
	return nil
}

func (m *memRepo) SetPassword(_ context.Context, id uuid.UUID, hash string, mustChange bool) error {
	u, ok := m.users[id]
	if !ok {
		return apperr.NotFound("user")
	}
	u.MustChangePassword = mustChange
	m.users[id] = u
	m.hashes[id] = hash
	return nil
}

func (m *memRepo) RevokeSessions(_ context.Context, userID uuid.UUID) error {
	m.sessions[userID] = 0
	return nil
}

type memInvalidator struct {
	invalidated []uuid.UUID
}

func (m *memInvalidator) InvalidateUser(_ context.Context, _ string, userID uuid.UUID) {
	m.invalidated = append(m.invalidated, userID)
}

func newUserService(t *testing.T) (*service.Service, *memRepo, *memInvalidator) {
	t.Helper()
	repo := newMemRepo()
	inv := &memInvalidator{}
	return service.NewService(repo, inv, zap.NewNop()), repo, inv
}

func TestCreateSetsMustChangeAndHashesPassword(t *testing.T) {
	svc, repo, _ := newUserService(t)

	roleID := uuid.New()
	created, err := svc.Create(context.Background(), service.CreateInput{
		Email:           "  Admin@School.Example  ",
		FirstName:       "Priya",
		InitialPassword: "temp-pass-123",
		RoleIDs:         []uuid.UUID{roleID},
	})
	require.NoError(t, err)

	assert.Equal(t, "admin@school.example", created.Email)
	assert.True(t, created.MustChangePassword)
	assert.Equal(t, service.StatusActive, created.Status)
	assert.Len(t, created.Roles, 1)

	hash := repo.hashes[created.ID]
	assert.NotEqual(t, "temp-pass-123", hash)
	assert.True(t, platformauth.VerifyPassword(hash, "temp-pass-123"))
}

func TestCreateDuplicateEmail(t *testing.T) {
	svc, _, _ := newUserService(t)

	in := service.CreateInput{Email: "dup@school.example", FirstName: "A", InitialPassword: "temp-pass-123"}
	_, err := svc.Create(context.Background(), in)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), in)
	assert.True(t, apperr.IsCode(err, "EMAIL_TAKEN"))
}

func TestUpdateRejectsEmptyPatch(t *testing.T) {
	svc, _, _ := newUserService(t)

	_, err := svc.Update(context.Background(), uuid.New(), service.UpdateInput{})
	assert.True(t, apperr.IsCode(err, "EMPTY_UPDATE"))
}

func TestDeactivateRevokesSessionsAndInvalidatesCache(t *testing.T) {
	svc, repo, inv := newUserService(t)

	created, err := svc.Create(context.Background(), service.CreateInput{
		Email: "leaver@school.example", FirstName: "B", InitialPassword: "temp-pass-123",
	})
	require.NoError(t, err)
	repo.sessions[created.ID] = 2

	require.NoError(t, svc.Deactivate(context.Background(), "tenant-1", created.ID))

	got, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusInactive, got.Status)
	assert.Zero(t, repo.sessions[created.ID])
	assert.Equal(t, []uuid.UUID{created.ID}, inv.invalidated)

	require.NoError(t, svc.Reactivate(context.Background(), created.ID))
	got, err = svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, service.StatusActive, got.Status)
}

func TestResetPasswordForcesChange(t *testing.T) {
	svc, repo, _ := newUserService(t)

	created, err := svc.Create(context.Background(), service.CreateInput{
		Email: "reset@school.example", FirstName: "C", InitialPassword: "temp-pass-123",
	})
	require.NoError(t, err)
	repo.sessions[created.ID] = 1

	err = svc.ResetPassword(context.Background(), created.ID, "short")
	assert.True(t, apperr.IsCode(err, "WEAK_PASSWORD"))

	require.NoError(t, svc.ResetPassword(context.Background(), created.ID, "new-temp-456"))
	got, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, got.MustChangePassword)
	assert.Zero(t, repo.sessions[created.ID])
	assert.True(t, platformauth.VerifyPassword(repo.hashes[created.ID], "new-temp-456"))
}

func TestListClampsPagination(t *testing.T) {
	svc, _, _ := newUserService(t)

	result, err := svc.List(context.Background(), service.ListOptions{Page: -3, PageSize: 10_000})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Page)
	assert.Equal(t, 25, result.PageSize)
}
