package harness

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridtree/jobtree/internal/store"
	"github.com/gridtree/jobtree/internal/target"
	"github.com/gridtree/jobtree/pkg/types"
)

type failingTarget struct{}

func (failingTarget) Run(ctx context.Context, tc *target.Context) error {
	return assertionErr("target always fails")
}

type assertionErr string

func (e assertionErr) Error() string { return string(e) }

type branchingTarget struct{}

func (branchingTarget) Run(ctx context.Context, tc *target.Context) error {
	tc.AddChild(types.JobSpec{Command: "true", Memory: 1, CPU: 1})
	tc.AddChild(types.JobSpec{Command: "true", Memory: 1, CPU: 1})
	tc.AddChild(types.JobSpec{Command: "true", Memory: 1, CPU: 1})
	return nil
}

type singleChildTarget struct{}

func (singleChildTarget) Run(ctx context.Context, tc *target.Context) error {
	tc.AddChild(types.JobSpec{Command: "true", Memory: 1, CPU: 1})
	return nil
}

// addFollowOnTarget declares a follow-on of its own via tc.AddFollowOn
// and counts how many times it ran, to catch the stack-corruption bug
// where the just-declared follow-on gets discarded and the declaring
// step is re-executed instead.
type addFollowOnTarget struct {
	runs   *int
	marker string
}

func (a *addFollowOnTarget) Run(ctx context.Context, tc *target.Context) error {
	*a.runs++
	tc.AddFollowOn(types.JobSpec{Command: "touch " + a.marker, Memory: 1, CPU: 1})
	return nil
}

func newTestHarness() (*Harness, *target.Registry) {
	reg := target.NewRegistry()
	reg.Register("fail", func() target.Target { return &failingTarget{} })
	reg.Register("branch3", func() target.Target { return &branchingTarget{} })
	reg.Register("branch1", func() target.Target { return &singleChildTarget{} })
	return New(store.New(), reg), reg
}

func writeTestRecord(t *testing.T, dir string, rec *types.Record) *types.Record {
	t.Helper()
	rec.File = filepath.Join(dir, "record.json")
	rec.GlobalTempDir = filepath.Join(dir, "global")
	rec.LogFile = filepath.Join(dir, "job.log")
	rec.SlaveLogFile = filepath.Join(dir, "slave.log")
	rec.JobTime = 1000
	rec.RemainingRetryCount = 3
	require.NoError(t, os.MkdirAll(rec.GlobalTempDir, 0o755))
	require.NoError(t, os.WriteFile(rec.LogFile, nil, 0o644))
	require.NoError(t, store.New().WriteRecord(rec))
	return rec
}

func payloadFor(t *testing.T, name string) string {
	t.Helper()
	data, err := json.Marshal(target.Payload{Name: name, State: json.RawMessage("{}")})
	require.NoError(t, err)
	return string(data)
}

func TestRunShellCommandReachesBlack(t *testing.T) {
	h, _ := newTestHarness()
	dir := t.TempDir()
	rec := writeTestRecord(t, dir, &types.Record{
		Colour:    types.Grey,
		FollowOns: []types.JobSpec{{Command: "true", Memory: 1, CPU: 1}},
	})

	err := h.Run(context.Background(), "", rec.File)
	require.NoError(t, err)

	got, err := store.New().ReadRecord(rec.File)
	require.NoError(t, err)
	assert.Equal(t, types.Black, got.Colour)
	assert.Empty(t, got.FollowOns)
}

func TestRunShellCommandFailureMarksRed(t *testing.T) {
	h, _ := newTestHarness()
	dir := t.TempDir()
	rec := writeTestRecord(t, dir, &types.Record{
		Colour:    types.Grey,
		FollowOns: []types.JobSpec{{Command: "exit 1", Memory: 1, CPU: 1}},
	})

	err := h.Run(context.Background(), "", rec.File)
	assert.ErrorIs(t, err, ErrSlaveFailed)

	got, rerr := store.New().ReadRecord(rec.File)
	require.NoError(t, rerr)
	assert.Equal(t, types.Red, got.Colour)
}

func TestRunTargetFailureMarksRed(t *testing.T) {
	h, _ := newTestHarness()
	dir := t.TempDir()
	rec := writeTestRecord(t, dir, &types.Record{
		Colour:    types.Grey,
		FollowOns: []types.JobSpec{{Command: payloadFor(t, "fail"), Memory: 1, CPU: 1}},
	})

	err := h.Run(context.Background(), "", rec.File)
	assert.ErrorIs(t, err, ErrSlaveFailed)

	got, rerr := store.New().ReadRecord(rec.File)
	require.NoError(t, rerr)
	assert.Equal(t, types.Red, got.Colour)
}

func TestRunTargetDeclaringThreeChildrenExitsChainWithStub(t *testing.T) {
	h, _ := newTestHarness()
	dir := t.TempDir()
	rec := writeTestRecord(t, dir, &types.Record{
		Colour:    types.Grey,
		FollowOns: []types.JobSpec{{Command: payloadFor(t, "branch3"), Memory: 4, CPU: 2}},
	})

	err := h.Run(context.Background(), "", rec.File)
	require.NoError(t, err)

	got, rerr := store.New().ReadRecord(rec.File)
	require.NoError(t, rerr)
	assert.Equal(t, types.Black, got.Colour)
	assert.Len(t, got.Children, 3)
	require.Len(t, got.FollowOns, 1)
	assert.True(t, got.FollowOns[0].IsStub())
}

func TestRunTargetDeclaringSingleChildChainsItAsFollowOn(t *testing.T) {
	h, _ := newTestHarness()
	dir := t.TempDir()
	rec := writeTestRecord(t, dir, &types.Record{
		Colour: types.Grey,
		FollowOns: []types.JobSpec{
			{Command: payloadFor(t, "branch1"), Memory: 4, CPU: 2},
		},
	})

	err := h.Run(context.Background(), "", rec.File)
	require.NoError(t, err)

	got, rerr := store.New().ReadRecord(rec.File)
	require.NoError(t, rerr)
	// The single declared child became a follow-on and ran to
	// completion in the same chain, so no children remain pending.
	assert.Equal(t, types.Black, got.Colour)
	assert.Empty(t, got.Children)
	assert.Empty(t, got.FollowOns)
}

func TestRunTargetAddFollowOnRunsNextWithoutReexecutingItself(t *testing.T) {
	dir := t.TempDir()
	marker1 := filepath.Join(dir, "marker1")
	marker2 := filepath.Join(dir, "marker2")

	runs := 0
	reg := target.NewRegistry()
	reg.Register("addfollowon", func() target.Target {
		return &addFollowOnTarget{runs: &runs, marker: marker1}
	})
	h := New(store.New(), reg)

	rec := writeTestRecord(t, dir, &types.Record{
		Colour: types.Grey,
		FollowOns: []types.JobSpec{
			{Command: payloadFor(t, "addfollowon"), Memory: 1, CPU: 1},
			{Command: "touch " + marker2, Memory: 1, CPU: 1},
		},
	})

	err := h.Run(context.Background(), "", rec.File)
	require.NoError(t, err)

	assert.Equal(t, 1, runs, "the declaring target step must not be re-executed")
	assert.FileExists(t, marker1, "the declared follow-on must run")
	assert.FileExists(t, marker2, "the already-queued follow-on must still run")

	got, rerr := store.New().ReadRecord(rec.File)
	require.NoError(t, rerr)
	assert.Equal(t, types.Black, got.Colour)
	assert.Empty(t, got.FollowOns)
}

func TestRunReportsSlaveLogOnFailure(t *testing.T) {
	h, _ := newTestHarness()
	dir := t.TempDir()
	rec := writeTestRecord(t, dir, &types.Record{
		Colour:    types.Grey,
		FollowOns: []types.JobSpec{{Command: "echo boom 1>&2; exit 1", Memory: 1, CPU: 1}},
	})

	err := h.Run(context.Background(), "", rec.File)
	assert.ErrorIs(t, err, ErrSlaveFailed)
	assert.FileExists(t, rec.SlaveLogFile)
}
