package instances

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/upstream"
	"github.com/glimte/mmate-gateway/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDriver struct {
	mock.Mock
}

func (m *mockDriver) EnsureInstance(ctx context.Context, caller *contracts.Identity, target Target, skipCreate bool) error {
	return m.Called(target, skipCreate).Error(0)
}

func (m *mockDriver) DeleteInstance(ctx context.Context, caller *contracts.Identity, target Target) error {
	return m.Called(target).Error(0)
}

func (m *mockDriver) RestartInstance(ctx context.Context, caller *contracts.Identity, target Target) error {
	return m.Called(target).Error(0)
}

func (m *mockDriver) DeletePod(ctx context.Context, caller *contracts.Identity, target Target, pod string) error {
	return m.Called(target, pod).Error(0)
}

func (m *mockDriver) GetInstance(ctx context.Context, caller *contracts.Identity, target Target) ([]map[string]any, error) {
	args := m.Called(target)
	res, _ := args.Get(0).([]map[string]any)
	return res, args.Error(1)
}

func (m *mockDriver) GetInstanceLog(ctx context.Context, caller *contracts.Identity, target Target, pod string) (string, error) {
	args := m.Called(target, pod)
	return args.String(0), args.Error(1)
}

func (m *mockDriver) NodeLabels(ctx context.Context) (map[string]any, error) {
	args := m.Called()
	res, _ := args.Get(0).(map[string]any)
	return res, args.Error(1)
}

func TestInstanceName(t *testing.T) {
	tests := []struct {
		username string
		want     string
		wantErr  bool
	}{
		{username: "Bob.Smith@Example.com", want: "bobsmithexamplecom"},
		{username: "worker-01", want: "worker01"},
		{username: "@@..", wantErr: true},
		{username: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			got, err := InstanceName(tt.username)
			if tt.wantErr {
				assert.ErrorIs(t, err, contracts.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	bob := &contracts.Identity{ID: "bbbbbbbbbbbbbbbbbbbbbbbb", Name: "bob", Username: "bob@x.io"}

	setup := func(t *testing.T) (*Manager, *mockDriver, *store.Memory) {
		t.Helper()
		st := store.NewMemory()
		d := &mockDriver{}
		return NewManager(st, d), d, st
	}

	t.Run("defaults to the caller", func(t *testing.T) {
		m, d, _ := setup(t)
		d.On("EnsureInstance", Target{UserID: bob.ID, Name: "bobxio"}, false).Return(nil)
		require.NoError(t, m.Ensure(ctx, bob, ""))
		d.AssertExpectations(t)
	})

	t.Run("other users need update rights", func(t *testing.T) {
		m, d, st := setup(t)
		_, err := st.InsertOne(ctx, contracts.Root(), store.CollectionUsers, contracts.Document{
			"_id": "cccccccccccccccccccccccc", "_type": "user", "username": "carol",
			"_acl": contracts.ACL{}.Grant(bob.ID, "bob", contracts.RightRead).Document(),
		}, 0, false)
		require.NoError(t, err)

		err = m.Delete(ctx, bob, "cccccccccccccccccccccccc")
		assert.ErrorIs(t, err, contracts.ErrAccessDenied)
		d.AssertNotCalled(t, "DeleteInstance", mock.Anything)

		_, err = st.UpdateOne(ctx, contracts.Root(), store.UpdateRequest{
			Collection: store.CollectionUsers,
			Query:      contracts.Document{"_id": "cccccccccccccccccccccccc"},
			Item:       contracts.Document{"$set": map[string]any{"_acl": contracts.ACL{}.Grant(bob.ID, "bob", contracts.FullControl).Document()}},
		})
		require.NoError(t, err)
		d.On("DeleteInstance", Target{UserID: "cccccccccccccccccccccccc", Name: "carol"}).Return(nil)
		require.NoError(t, m.Delete(ctx, bob, "cccccccccccccccccccccccc"))
	})

	t.Run("driver failures are upstream errors", func(t *testing.T) {
		m, d, _ := setup(t)
		d.On("GetInstance", mock.Anything).Return(nil, assert.AnError)
		_, err := m.Get(ctx, bob, "")
		assert.ErrorIs(t, err, contracts.ErrUpstream)
	})

	t.Run("delete pod requires the pod name", func(t *testing.T) {
		m, _, _ := setup(t)
		err := m.DeletePod(ctx, bob, "", "")
		assert.ErrorIs(t, err, contracts.ErrValidation)
	})
}

func TestRESTDriver(t *testing.T) {
	ctx := context.Background()
	bob := &contracts.Identity{ID: "bbbbbbbbbbbbbbbbbbbbbbbb", Username: "bob"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		switch r.Method + " " + r.URL.Path {
		case "PUT /instances/bob":
			var body ensureBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, bob.ID, body.UserID)
			assert.True(t, body.SkipCreate)
			w.WriteHeader(http.StatusNoContent)
		case "GET /instances/bob":
			w.Write([]byte(`{"results":[{"name":"bob-0","status":{"phase":"Running"}}]}`))
		case "GET /instances/bob/pods/bob-0/log":
			w.Write([]byte(`{"log":"started"}`))
		case "GET /nodes/labels":
			w.Write([]byte(`{"pool":["a","b"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d := NewRESTDriver(upstream.NewClient("instances", srv.URL, upstream.WithBearerToken("token")))
	target := Target{UserID: bob.ID, Name: "bob"}

	require.NoError(t, d.EnsureInstance(ctx, bob, target, true))

	results, err := d.GetInstance(ctx, bob, target)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "bob-0", results[0]["name"])

	log, err := d.GetInstanceLog(ctx, bob, target, "bob-0")
	require.NoError(t, err)
	assert.Equal(t, "started", log)

	labels, err := d.NodeLabels(ctx)
	require.NoError(t, err)
	assert.Contains(t, labels, "pool")

	assert.Error(t, d.RestartInstance(ctx, bob, target))
}
