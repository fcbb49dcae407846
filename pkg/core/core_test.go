package core_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/parsecfs/pkg/certif"
	"github.com/marmos91/parsecfs/pkg/config"
	"github.com/marmos91/parsecfs/pkg/core"
	"github.com/marmos91/parsecfs/pkg/testbed"
	"github.com/marmos91/parsecfs/pkg/types"
)

const waitFor = 5 * time.Second

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Device.ConfigDir = t.TempDir()
	cfg.Store.Type = "memory"
	cfg.Sync.Debounce = 10 * time.Millisecond
	cfg.Remote.Reconnect = config.BackoffConfig{Min: 5 * time.Millisecond, Max: 50 * time.Millisecond}
	cfg.GC.Enabled = false
	return cfg
}

func newDevice(t *testing.T, org *testbed.Org) *testbed.Device {
	t.Helper()
	d, err := org.NewUser(certif.ProfileStandard)
	require.NoError(t, err)
	return d
}

func open(t *testing.T, cfg *config.Config, d *testbed.Device) *core.Core {
	t.Helper()
	c, err := core.New(context.Background(), cfg, d.LocalDevice, d.Client(), core.WithClock(d.Clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestCoreSyncsInBackground(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	c := open(t, testConfig(t), newDevice(t, org))
	require.NoError(t, c.Start(ctx))

	u := c.User()
	wid, err := u.CreateWorkspace(ctx, "reports")
	require.NoError(t, err)
	w, err := u.GetWorkspace(ctx, wid)
	require.NoError(t, err)
	fileID, err := w.CreateFile(ctx, "/q3.txt")
	require.NoError(t, err)
	require.NoError(t, w.WriteFile(ctx, "/q3.txt", []byte("figures")))

	require.Eventually(t, func() bool {
		return org.Backend.VlobVersions(fileID) == 1 && len(w.NeedSync()) == 0 && len(u.NeedSync()) == 0
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, c.Stop(ctx))
	select {
	case <-c.Done():
	default:
		t.Fatal("workers still running after Stop")
	}
	assert.NoError(t, c.Err())
}

func TestCoreReopensPersistedState(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	d := newDevice(t, org)

	cfg := testConfig(t)
	cfg.Store.Type = "badger"
	cfg.Store.Badger["sync_writes"] = false
	cfg.Sync.Enabled = false

	first, err := core.New(ctx, cfg, d.LocalDevice, d.Client(), core.WithClock(d.Clock))
	require.NoError(t, err)
	wid, err := first.User().CreateWorkspace(ctx, "offline")
	require.NoError(t, err)
	w, err := first.User().GetWorkspace(ctx, wid)
	require.NoError(t, err)
	require.NoError(t, w.WriteFile(ctx, "/draft.md", []byte("# title")))
	require.NoError(t, first.Stop(ctx))
	assert.Zero(t, org.Backend.BlockCount())

	second := open(t, cfg, d)
	list, err := second.User().Workspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.EntryName("offline"), list[0].Name)

	w, err = second.User().GetWorkspace(ctx, wid)
	require.NoError(t, err)
	data, err := w.ReadFile(ctx, "/draft.md")
	require.NoError(t, err)
	assert.Equal(t, "# title", string(data))
}

func TestCoreCollectsEveryOpenRealm(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	cfg := testConfig(t)
	cfg.GC.DryRun = true
	c := open(t, cfg, newDevice(t, org))

	for _, name := range []types.EntryName{"a", "b"} {
		wid, err := c.User().CreateWorkspace(ctx, name)
		require.NoError(t, err)
		_, err = c.User().GetWorkspace(ctx, wid)
		require.NoError(t, err)
	}

	stats, err := c.Collector().RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Realms)
	assert.Zero(t, stats.DeletedCount)
}

func TestCoreLifecycle(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	c := open(t, testConfig(t), newDevice(t, org))

	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx))

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.Error(t, c.Start(ctx))
}

func TestCoreStopsWhenStartContextEnds(t *testing.T) {
	org := testbed.NewOrg()
	c := open(t, testConfig(t), newDevice(t, org))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("workers ignored cancellation")
	}
	assert.NoError(t, c.Err())
}

func TestCoreServesMetrics(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewOrg()
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"
	c := open(t, cfg, newDevice(t, org))

	require.NotNil(t, c.MetricsServer())
	require.NoError(t, c.Start(ctx))

	_, err := c.User().CreateWorkspace(ctx, "metered")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.MetricsServer().Addr() != nil }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + c.MetricsServer().Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), "parsecfs_cache_block_read_bytes_total")
	}, waitFor, 20*time.Millisecond)
}
