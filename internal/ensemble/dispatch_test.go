package ensemble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macdet/macdet/internal/detection"
	"github.com/macdet/macdet/internal/engine"
	"github.com/macdet/macdet/internal/registry"
)

type recordingObserver struct {
	mu      sync.Mutex
	engines map[string]string
	fusions []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{engines: map[string]string{}}
}

func (r *recordingObserver) ObserveEngine(_ context.Context, engine, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engine] = outcome
}

func (r *recordingObserver) ObserveFusion(_ context.Context, mode, label string, allUnavailable bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fusions = append(r.fusions, fmt.Sprintf("%s/%s/%t", mode, label, allUnavailable))
}

func sealed(t *testing.T, engines map[string]detection.Engine) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for name, e := range engines {
		require.NoError(t, reg.Register(name, e))
	}
	reg.Seal()
	return reg
}

func TestDispatchPreservesMemberOrder(t *testing.T) {
	slow := engine.NewFake(labelled(detection.LabelMachine, 0.9))
	slow.Delay = 50 * time.Millisecond
	fast := engine.NewFake(labelled(detection.LabelHuman, 0.6))

	reg := sealed(t, map[string]detection.Engine{"primary": slow, "secondary": fast})
	outcomes := NewDispatcher(reg, time.Second, 0).Dispatch(context.Background(), []Member{primary, secondary}, "text")

	require.Len(t, outcomes, 2)
	assert.Equal(t, "primary", outcomes[0].Member.Name)
	assert.Equal(t, detection.LabelMachine, outcomes[0].Result.Label)
	assert.Equal(t, "secondary", outcomes[1].Member.Name)
	assert.True(t, outcomes[0].Available())
	assert.True(t, outcomes[1].Available())
}

func TestDispatchIsolatesFailures(t *testing.T) {
	slow := engine.NewFake(labelled(detection.LabelMachine, 0.9))
	slow.Delay = time.Second

	stuck := engine.NewFake(detection.Result{})
	release := make(chan struct{})
	defer close(release)
	stuck.Fn = func(context.Context, string) (detection.Result, error) {
		<-release
		return labelled(detection.LabelHuman, 0.5), nil
	}

	panicky := engine.NewFake(detection.Result{})
	panicky.Panic = "index out of range"

	failing := engine.NewFake(detection.Result{})
	failing.Error = errors.New("Authorization: Bearer sk-live-123 rejected")

	reported := engine.NewFake(detection.Result{Err: "CUDA out of memory"})
	empty := engine.NewFake(detection.Result{})
	outOfRange := engine.NewFake(labelled(detection.LabelMachine, 1.7))
	undecodable := engine.NewFake(detection.Result{})
	undecodable.Error = fmt.Errorf("decode: %w", detection.ErrMalformed)
	healthy := engine.NewFake(labelled(detection.LabelHuman, 0.7))

	reg := sealed(t, map[string]detection.Engine{
		"slow": slow, "stuck": stuck, "panicky": panicky, "failing": failing,
		"reported": reported, "empty": empty, "out_of_range": outOfRange,
		"undecodable": undecodable, "healthy": healthy,
	})
	names := []string{"slow", "stuck", "panicky", "failing", "reported", "empty", "out_of_range", "undecodable", "missing", "healthy"}
	members := make([]Member, len(names))
	for i, n := range names {
		members[i] = Member{Name: n, Kind: detection.KindPrimary, BaseWeight: 1}
	}

	obs := newRecordingObserver()
	d := NewDispatcher(reg, 30*time.Millisecond, 0)
	d.observer = obs

	start := time.Now()
	outcomes := d.Dispatch(context.Background(), members, "text")
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	want := []UnavailableReason{
		ReasonTimeout, ReasonTimeout, ReasonDetectionFailed, ReasonDetectionFailed,
		ReasonDetectionFailed, ReasonMalformed, ReasonMalformed, ReasonMalformed,
		ReasonNotRegistered, "",
	}
	require.Len(t, outcomes, len(want))
	for i, o := range outcomes {
		assert.Equal(t, names[i], o.Member.Name)
		assert.Equal(t, want[i], o.Reason, names[i])
	}

	assert.Contains(t, outcomes[2].Detail, "panicked")
	assert.NotContains(t, outcomes[3].Detail, "sk-live-123")
	assert.Equal(t, "CUDA out of memory", outcomes[4].Detail)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.engines, len(names))
	assert.Equal(t, "ok", obs.engines["healthy"])
	assert.Equal(t, "not_registered", obs.engines["missing"])
}

func TestDispatchHonoursParentCancellation(t *testing.T) {
	slow := engine.NewFake(labelled(detection.LabelMachine, 0.9))
	slow.Delay = time.Second
	reg := sealed(t, map[string]detection.Engine{"primary": slow})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcomes := NewDispatcher(reg, time.Second, 0).Dispatch(ctx, []Member{primary}, "text")
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Available())
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	var inFlight, peak int
	track := func(context.Context, string) (detection.Result, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return labelled(detection.LabelHuman, 0.5), nil
	}

	engines := map[string]detection.Engine{}
	var members []Member
	for i := range 6 {
		f := engine.NewFake(detection.Result{})
		f.Fn = track
		name := fmt.Sprintf("e%d", i)
		engines[name] = f
		members = append(members, Member{Name: name, Kind: detection.KindPrimary, BaseWeight: 1})
	}

	outcomes := NewDispatcher(sealed(t, engines), time.Second, 2).Dispatch(context.Background(), members, "text")
	for _, o := range outcomes {
		assert.True(t, o.Available())
	}
	assert.LessOrEqual(t, peak, 2)
}

func TestDispatchMemberTimeoutOverridesDefault(t *testing.T) {
	patient := engine.NewFake(labelled(detection.LabelMachine, 0.9))
	patient.Delay = 80 * time.Millisecond
	hasty := engine.NewFake(labelled(detection.LabelHuman, 0.6))
	hasty.Delay = 80 * time.Millisecond
	reg := sealed(t, map[string]detection.Engine{"primary": patient, "secondary": hasty})

	long := primary
	long.Timeout = time.Second
	short := secondary
	short.Timeout = 10 * time.Millisecond

	outcomes := NewDispatcher(reg, 30*time.Millisecond, 0).Dispatch(context.Background(), []Member{long, short}, "text")
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Available(), "member timeout longer than the default")
	assert.Equal(t, ReasonTimeout, outcomes[1].Reason)
}
