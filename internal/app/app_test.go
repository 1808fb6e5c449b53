package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fetchbridge/dlsvc/internal/jobengine"
	"github.com/fetchbridge/dlsvc/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessConfig = `
environment = "test"

[storage]
bucket = ""

[logging]
level = "error"
outputs = ["console"]

[engine]
worker_concurrency = 2
delay_min = "20ms"
delay_max = "40ms"
progress_tick_interval = "10ms"
shutdown_grace = "2s"
`

// newHarnessApp boots a full App from a temp config file: in-memory object
// store, real clock, real worker pool.
func newHarnessApp(t *testing.T) *App {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dlsvc-service.toml")
	require.NoError(t, os.WriteFile(path, []byte(harnessConfig), 0644))

	a, err := NewApp(path)
	require.NoError(t, err)

	a.Start()
	t.Cleanup(a.Close)
	return a
}

func TestApp_EndToEndJobCompletes(t *testing.T) {
	a := newHarnessApp(t)

	res, err := a.Service.Initiate(context.Background(), jobengine.InitiateRequest{
		FileIDs: []int64{70_000},
		UserID:  "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, res.Status)

	deadline := time.Now().Add(5 * time.Second)
	var job *models.Job
	for time.Now().Before(deadline) {
		job, err = a.Service.Status(res.JobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NotNil(t, job)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.ProgressPercent)
	require.NotNil(t, job.Result)
	assert.NotEmpty(t, job.Result.URL)

	outcome, err := a.Service.Resolve(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "redirect", outcome.Kind)
}

func TestApp_ConfigDrivesEngineTunables(t *testing.T) {
	a := newHarnessApp(t)

	engineCfg := jobengine.FromEngineConfig(a.Config.Engine)
	assert.Equal(t, 2, engineCfg.GetWorkerConcurrency())
	assert.Equal(t, 20*time.Millisecond, engineCfg.GetDelayMin())
	assert.Equal(t, 40*time.Millisecond, engineCfg.GetDelayMax())
	assert.Equal(t, 256, engineCfg.GetQueueCapacity(), "unset fields keep their defaults")
}
