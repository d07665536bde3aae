package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/insightd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDaemon(t *testing.T) (*Daemon, chan error) {
	t.Helper()
	t.Setenv("INSIGHTD_RUNTIME_DIR", t.TempDir())

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[{"count":1}]}`))
	}))
	t.Cleanup(api.Close)

	cfg := config.DefaultConfig()
	cfg.API = config.API{TeamID: 1, APIKey: "phx_test", BaseURL: api.URL}
	cfg.Health.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Insights = []string{"abc"}

	d, err := New(cfg, "")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()
	require.Eventually(t, IsRunning, 5*time.Second, 10*time.Millisecond)
	return d, errCh
}

func cachedInsights(st *Status) int {
	n := 0
	for _, s := range st.Engine.Insights {
		if s.Cached {
			n++
		}
	}
	return n
}

func TestDaemon_ControlSocket(t *testing.T) {
	_, errCh := startDaemon(t)

	require.Eventually(t, func() bool {
		st, err := FetchStatus(false)
		return err == nil && cachedInsights(st) == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := SendCommand(Command{Type: "track", ID: "def"})
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.Message)

	resp, err = SendCommand(Command{Type: "refresh", ID: "abc"})
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.Message)

	require.Eventually(t, func() bool {
		st, err := FetchStatus(false)
		return err == nil && cachedInsights(st) == 2 && st.Engine.InFlight == 0
	}, 5*time.Second, 10*time.Millisecond)

	// abc, def and the forced abc refresh each deliver data.
	var st *Status
	require.Eventually(t, func() bool {
		st, err = FetchStatus(true)
		if err != nil {
			return false
		}
		payloads := 0
		for _, ev := range st.Events {
			if ev.Kind == "data_available" && string(ev.Payload) == `{"result":[{"count":1}]}` {
				payloads++
			}
		}
		return payloads >= 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, []string{"abc", "def"}, []string{st.Engine.Insights[0].ID, st.Engine.Insights[1].ID})

	resp, err = SendCommand(Command{Type: "bogus"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Unknown command")

	resp, err = SendCommand(Command{Type: "stop"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.False(t, IsRunning())
	_, err = os.Stat(GetPidPath())
	assert.True(t, os.IsNotExist(err))

	logs, err := os.ReadFile(GetLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(logs), "[notify] abc data_available")
}

func TestDaemon_EmptyIDIsRejected(t *testing.T) {
	d, errCh := startDaemon(t)

	resp, err := SendCommand(Command{Type: "track"})
	require.NoError(t, err)
	assert.False(t, resp.Success)

	d.Stop()
	require.NoError(t, <-errCh)
}

func TestSendCommand_NotRunning(t *testing.T) {
	t.Setenv("INSIGHTD_RUNTIME_DIR", t.TempDir())
	assert.False(t, IsRunning())
	_, err := SendCommand(Command{Type: "status"})
	assert.Error(t, err)
}
