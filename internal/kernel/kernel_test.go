package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"debugprobe/pkg/domain"
)

type fakeStore struct{ m map[string][]byte }

func (f *fakeStore) Set(string, any) error                { return nil }
func (f *fakeStore) Get(string, any) (bool, error)        { return false, nil }
func (f *fakeStore) GetString(_ string, fb string) string { return fb }
func (f *fakeStore) GetInt(_ string, fb int) int          { return fb }
func (f *fakeStore) GetBool(_ string, fb bool) bool       { return fb }

type recordingPlugin struct {
	BasePlugin
	calls    *[]string
	startErr error
}

func newRecording(id domain.PluginID, deps []domain.PluginID, calls *[]string) *recordingPlugin {
	p := &recordingPlugin{calls: calls}
	p.PluginID = id
	p.Name = string(id)
	p.Ver = "1.0.0"
	p.DependsOn = deps
	return p
}

func (p *recordingPlugin) Start() error {
	*p.calls = append(*p.calls, "start:"+string(p.PluginID))
	return p.startErr
}

func (p *recordingPlugin) Stop() error {
	*p.calls = append(*p.calls, "stop:"+string(p.PluginID))
	return nil
}

func (p *recordingPlugin) HandleCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	return domain.OKResponse(cmd, []byte(`"pong"`))
}

func newTestKernel() *Kernel {
	return New(Options{Config: &fakeStore{}})
}

func TestStartOrderRespectsDependencies(t *testing.T) {
	var calls []string
	k := newTestKernel()
	// c 依赖 b，b 依赖 a
	require.NoError(t, k.Register(newRecording("c", []domain.PluginID{"b"}, &calls)))
	require.NoError(t, k.Register(newRecording("a", nil, &calls)))
	require.NoError(t, k.Register(newRecording("b", []domain.PluginID{"a"}, &calls)))

	require.NoError(t, k.StartAll(domain.DeviceInfo{}))

	idx := func(s string) int {
		for i, c := range calls {
			if c == s {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx("start:a"), idx("start:b"))
	assert.Less(t, idx("start:b"), idx("start:c"))

	calls = calls[:0]
	k.StopAll()
	assert.Equal(t, []string{"stop:c", "stop:b", "stop:a"}, calls)
}

func TestStartAllIdempotent(t *testing.T) {
	var calls []string
	k := newTestKernel()
	require.NoError(t, k.Register(newRecording("a", nil, &calls)))
	require.NoError(t, k.StartAll(domain.DeviceInfo{}))
	require.NoError(t, k.StartAll(domain.DeviceInfo{}))
	assert.Equal(t, []string{"start:a"}, calls)
}

func TestCircularDependency(t *testing.T) {
	var calls []string
	k := newTestKernel()
	require.NoError(t, k.Register(newRecording("a", []domain.PluginID{"b"}, &calls)))
	require.NoError(t, k.Register(newRecording("b", []domain.PluginID{"a"}, &calls)))

	err := k.StartAll(domain.DeviceInfo{})
	var cerr CircularDependencyError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, calls)
}

func TestMissingDependency(t *testing.T) {
	var calls []string
	k := newTestKernel()
	require.NoError(t, k.Register(newRecording("a", []domain.PluginID{"ghost"}, &calls)))

	err := k.StartAll(domain.DeviceInfo{})
	var merr MissingDependencyError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, domain.PluginID("a"), merr.Plugin)
	assert.Equal(t, domain.PluginID("ghost"), merr.Dep)
}

func TestDuplicateRegistration(t *testing.T) {
	var calls []string
	k := newTestKernel()
	require.NoError(t, k.Register(newRecording("a", nil, &calls)))
	err := k.Register(newRecording("a", nil, &calls))
	var derr DuplicatePluginIDError
	require.ErrorAs(t, err, &derr)
}

func TestStartFailFastKeepsEarlierRunning(t *testing.T) {
	var calls []string
	k := newTestKernel()
	good := newRecording("good", nil, &calls)
	bad := newRecording("bad", []domain.PluginID{"good"}, &calls)
	bad.startErr = errors.New("boom")
	require.NoError(t, k.Register(good))
	require.NoError(t, k.Register(bad))

	err := k.StartAll(domain.DeviceInfo{})
	var serr StartFailedError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, domain.PluginID("bad"), serr.ID)

	state, ok := k.State("good")
	require.True(t, ok)
	assert.Equal(t, domain.StateRunning, state)
	state, _ = k.State("bad")
	assert.Equal(t, domain.StateError, state)
}

func TestSetPluginEnabledGating(t *testing.T) {
	var calls []string
	k := newTestKernel()
	require.NoError(t, k.Register(newRecording("a", nil, &calls)))
	require.NoError(t, k.StartAll(domain.DeviceInfo{}))

	// 停用：running → paused，从不降到 stopped
	require.NoError(t, k.SetPluginEnabled("a", false))
	state, _ := k.State("a")
	assert.Equal(t, domain.StatePaused, state)

	// 启用：paused → running
	require.NoError(t, k.SetPluginEnabled("a", true))
	state, _ = k.State("a")
	assert.Equal(t, domain.StateRunning, state)

	err := k.SetPluginEnabled("ghost", true)
	var nerr PluginNotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestRouteCommand(t *testing.T) {
	var calls []string
	k := newTestKernel()
	require.NoError(t, k.Register(newRecording("a", nil, &calls)))
	require.NoError(t, k.StartAll(domain.DeviceInfo{}))

	resp := k.RouteCommand(domain.PluginCommand{PluginID: "a", CommandID: "c1", CommandType: "ping"})
	assert.True(t, resp.Success)
	assert.Equal(t, "c1", resp.CommandID)

	resp = k.RouteCommand(domain.PluginCommand{PluginID: "nope", CommandID: "c2"})
	assert.False(t, resp.Success)
	assert.Equal(t, CodePluginNotFound, resp.ErrorCode)
	assert.Equal(t, "c2", resp.CommandID)
}

func TestPauseResumeAll(t *testing.T) {
	var calls []string
	k := newTestKernel()
	require.NoError(t, k.Register(newRecording("a", nil, &calls)))
	require.NoError(t, k.Register(newRecording("b", []domain.PluginID{"a"}, &calls)))
	require.NoError(t, k.StartAll(domain.DeviceInfo{}))

	k.PauseAll()
	for _, id := range []domain.PluginID{"a", "b"} {
		state, _ := k.State(id)
		assert.Equal(t, domain.StatePaused, state)
	}
	k.ResumeAll()
	for _, id := range []domain.PluginID{"a", "b"} {
		state, _ := k.State(id)
		assert.Equal(t, domain.StateRunning, state)
	}
}

func TestStateListener(t *testing.T) {
	var calls []string
	var states []domain.PluginState
	k := newTestKernel()
	k.SetStateListener(func(_ domain.PluginID, s domain.PluginState) {
		states = append(states, s)
	})
	require.NoError(t, k.Register(newRecording("a", nil, &calls)))
	require.NoError(t, k.StartAll(domain.DeviceInfo{}))
	assert.Equal(t, []domain.PluginState{domain.StateStarting, domain.StateRunning}, states)
}
