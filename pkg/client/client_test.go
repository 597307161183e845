package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/internal/httpapi"
	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/internal/state"
	"github.com/jvs-project/replvol/pkg/client"
	"github.com/jvs-project/replvol/pkg/model"
)

func daemon(t *testing.T) *client.Client {
	t.Helper()
	d := admin.New(admin.Options{
		Registry: registry.New(registry.Options{MinorCount: 16}),
		Engine:   state.New(state.Options{FallbackBackoff: time.Millisecond}),
	})
	srv := httptest.NewServer(httpapi.New(httpapi.Options{Dispatcher: d}))
	t.Cleanup(srv.Close)
	return client.New(srv.URL, client.WithRetry(2, time.Millisecond))
}

func do(t *testing.T, c *client.Client, req *admin.Request) *admin.Reply {
	t.Helper()
	reply, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	return reply
}

func TestDoAndStatus(t *testing.T) {
	c := daemon(t)
	ctx := context.Background()

	req := admin.NewRequest(admin.OpNewConnection)
	req.Conn = "r0"
	assert.True(t, do(t, c, req).OK())

	for minor := 1; minor <= 3; minor++ {
		req = admin.NewRequest(admin.OpNewMinor)
		req.Conn, req.Minor, req.Volume = "r0", minor, minor-1
		reply := do(t, c, req)
		require.True(t, reply.OK(), reply.Info)
	}

	req = admin.NewRequest(admin.OpPrimary)
	req.Minor = 1
	reply := do(t, c, req)
	assert.False(t, reply.OK())
	assert.Equal(t, admin.ExitStateRejected, reply.Exit)

	all, err := c.Status(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NotNil(t, all[0].State)
	assert.Equal(t, model.RoleSecondary, all[0].State.Role)
	assert.Equal(t, model.DiskDiskless, all[0].State.Disk)

	page, err := c.StatusPage(ctx, registry.Cursor{}, 2, "r0")
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.False(t, page.Done)

	res, err := c.Doctor(ctx, "r0", true)
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Equal(t, 3, res.Checked)
}

func TestUnknownConnectionIsNotRetried(t *testing.T) {
	c := daemon(t)
	_, err := c.Status(context.Background(), "missing")
	var herr *client.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.StatusCode)
	assert.Contains(t, herr.Message, "missing")
}

func TestRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"op":"status","code":0,"name":"OK","exit":0}`))
	}))
	defer srv.Close()

	c := client.New(srv.URL, client.WithRetry(3, time.Millisecond))
	reply, err := c.Do(context.Background(), admin.NewRequest(admin.OpGetStatus))
	require.NoError(t, err)
	assert.True(t, reply.OK())
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefusedRepliesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"op":"primary","code":-2,"name":"SS_NO_UP_TO_DATE_DISK","exit":11}`))
	}))
	defer srv.Close()

	c := client.New(srv.URL, client.WithRetry(3, time.Millisecond))
	reply, err := c.Do(context.Background(), admin.NewRequest(admin.OpPrimary))
	require.NoError(t, err)
	assert.False(t, reply.OK())
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	c := client.New(addr, client.WithRetry(2, time.Millisecond))
	_, err := c.Do(context.Background(), admin.NewRequest(admin.OpGetStatus))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status")
}

func TestCanceledContext(t *testing.T) {
	c := daemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, admin.NewRequest(admin.OpGetStatus))
	assert.Error(t, err)
}
