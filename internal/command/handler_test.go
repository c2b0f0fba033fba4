package command_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/na62exp/eventbuilder/internal/command"
	"github.com/na62exp/eventbuilder/internal/event"
	"github.com/na62exp/eventbuilder/internal/sourceid"
)

// fakeBuilder is a minimal command.Builder stand-in, recording calls made
// through the control plane instead of driving a real aggregation core.
type fakeBuilder struct {
	ids      *sourceid.Manager
	counters *event.Counters
	pool     *event.EventPool

	burstID uint32

	l1Processed    []uint32
	nonZSRequested []uint32
	l2Accepted     map[uint32]bool
}

func newFakeBuilder(t *testing.T) *fakeBuilder {
	t.Helper()
	ids, err := sourceid.NewManager([]sourceid.Row{
		{Detector: "A", SourceID: 0x01, SourceNum: 0, ExpectedL0: 1, ExpectedL1: 1},
	}, false, 0)
	require.NoError(t, err)
	counters := event.NewCounters(ids.NumSources())
	pool := event.NewEventPool(4, ids, counters, 1, 1)
	return &fakeBuilder{ids: ids, counters: counters, pool: pool, l2Accepted: make(map[uint32]bool)}
}

func (f *fakeBuilder) SourceIDManager() *sourceid.Manager { return f.ids }
func (f *fakeBuilder) Counters() *event.Counters          { return f.counters }
func (f *fakeBuilder) Pool() *event.EventPool             { return f.pool }
func (f *fakeBuilder) SetL1Processed(eventNumber uint32) {
	f.l1Processed = append(f.l1Processed, eventNumber)
}
func (f *fakeBuilder) RequestNonZSData(eventNumber uint32, expectedFragmentCount int) {
	f.nonZSRequested = append(f.nonZSRequested, eventNumber)
}
func (f *fakeBuilder) SetL2Accepted(eventNumber uint32, accepted bool) {
	f.l2Accepted[eventNumber] = accepted
}
func (f *fakeBuilder) AdvanceBurst(burstID uint32) { f.burstID = burstID }
func (f *fakeBuilder) CurrentBurstID() uint32      { return f.burstID }

type fakeReloader struct {
	called bool
	err    error
}

func (r *fakeReloader) Reload() error {
	r.called = true
	return r.err
}

func TestHandlePing(t *testing.T) {
	h := command.NewCommandHandler(newFakeBuilder(t), nil)
	resp := h.Handle(context.Background(), command.Command{Method: "ping", ID: "1"})
	assert.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
}

func TestHandleUnknownMethod(t *testing.T) {
	h := command.NewCommandHandler(newFakeBuilder(t), nil)
	resp := h.Handle(context.Background(), command.Command{Method: "nonexistent", ID: "1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, command.ErrCodeMethodNotFound, resp.Error.Code)
}

func TestHandleStatusReportsSourceCounts(t *testing.T) {
	b := newFakeBuilder(t)
	h := command.NewCommandHandler(b, nil)
	resp := h.Handle(context.Background(), command.Command{Method: "status", ID: "1"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, 1, result["num_sources"])
}

func TestHandleSetL1ProcessedInvokesBuilder(t *testing.T) {
	b := newFakeBuilder(t)
	h := command.NewCommandHandler(b, nil)

	params, err := json.Marshal(command.EventNumberParams{EventNumber: 7})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), command.Command{Method: "set_l1_processed", Params: params, ID: "1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, []uint32{7}, b.l1Processed)
}

func TestHandleSetL1ProcessedRejectsBadParams(t *testing.T) {
	h := command.NewCommandHandler(newFakeBuilder(t), nil)
	resp := h.Handle(context.Background(), command.Command{Method: "set_l1_processed", Params: json.RawMessage(`not json`), ID: "1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, command.ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandleRequestNonZSData(t *testing.T) {
	b := newFakeBuilder(t)
	h := command.NewCommandHandler(b, nil)

	params, err := json.Marshal(command.RequestNonZSDataParams{EventNumber: 9, ExpectedFragmentCount: 3})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), command.Command{Method: "request_nonzs_data", Params: params, ID: "1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, []uint32{9}, b.nonZSRequested)
}

func TestHandleSetL2Accepted(t *testing.T) {
	b := newFakeBuilder(t)
	h := command.NewCommandHandler(b, nil)

	params, err := json.Marshal(command.SetL2AcceptedParams{EventNumber: 3, Accepted: true})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), command.Command{Method: "set_l2_accepted", Params: params, ID: "1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, true, b.l2Accepted[3])
}

func TestHandleAdvanceBurst(t *testing.T) {
	b := newFakeBuilder(t)
	h := command.NewCommandHandler(b, nil)

	params, err := json.Marshal(command.AdvanceBurstParams{BurstID: 55})
	require.NoError(t, err)

	resp := h.Handle(context.Background(), command.Command{Method: "advance_burst", Params: params, ID: "1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, uint32(55), b.CurrentBurstID())
}

func TestHandleReloadWithoutReloaderFails(t *testing.T) {
	h := command.NewCommandHandler(newFakeBuilder(t), nil)
	resp := h.Handle(context.Background(), command.Command{Method: "reload", ID: "1"})
	require.NotNil(t, resp.Error)
}

func TestHandleReloadCallsReloader(t *testing.T) {
	r := &fakeReloader{}
	h := command.NewCommandHandler(newFakeBuilder(t), r)
	resp := h.Handle(context.Background(), command.Command{Method: "reload", ID: "1"})
	require.Nil(t, resp.Error)
	assert.True(t, r.called)
}

func TestHandleShutdownInvokesCallback(t *testing.T) {
	h := command.NewCommandHandler(newFakeBuilder(t), nil)
	done := make(chan struct{})
	h.SetShutdownFunc(func() { close(done) })

	resp := h.Handle(context.Background(), command.Command{Method: "shutdown", ID: "1"})
	require.Nil(t, resp.Error)
	<-done
}

func TestHandleStatsIncludesPerSourceCounters(t *testing.T) {
	b := newFakeBuilder(t)
	b.counters.IncMissingL0(0)
	h := command.NewCommandHandler(b, nil)

	resp := h.Handle(context.Background(), command.Command{Method: "stats", ID: "1"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	sources := result["sources"].([]map[string]interface{})
	require.Len(t, sources, 1)
	assert.Equal(t, uint64(1), sources[0]["missing_l0"])
}
