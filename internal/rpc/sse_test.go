package rpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dusk-indust/stagewatch/internal/observer"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out reading events")
		}
	}
}

func next(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestReadEvents_Frames(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"",
		`data: {"key":{"sessionId":"s","stageSlug":"thesis","iterationNumber":1},`,
		`data: "stepKey":"plan","current":"completed","progress":{"key":{"sessionId":"s","stageSlug":"thesis","iterationNumber":1},"stepStatuses":null,"documents":null,"jobProgress":null,"progress":{"completedSteps":1,"totalSteps":2,"failedSteps":0},"updatedAt":"0001-01-01T00:00:00Z"}}`,
		"",
		"data:{broken",
		"",
		"event: ignored",
		`data: {"key":{"sessionId":"s","stageSlug":"thesis","iterationNumber":2},"progress":{"key":{"sessionId":"","stageSlug":"","iterationNumber":0},"stepStatuses":null,"documents":null,"jobProgress":null,"progress":{"completedSteps":0,"totalSteps":0,"failedSteps":0},"updatedAt":"0001-01-01T00:00:00Z"}}`,
	}, "\n")

	events := collect(t, ReadEvents(context.Background(), io.NopCloser(strings.NewReader(body))))
	require.Len(t, events, 3)

	require.NoError(t, events[0].Err)
	require.NotNil(t, events[0].Change)
	assert.Equal(t, "plan", events[0].Change.StepKey)
	assert.Equal(t, progress.StatusCompleted, events[0].Change.Current)
	assert.Equal(t, 1, events[0].Change.Progress.Progress.CompletedSteps)

	assert.Error(t, events[1].Err)
	assert.Nil(t, events[1].Change)

	require.NotNil(t, events[2].Change, "trailing frame without blank line is still delivered")
	assert.Equal(t, 2, events[2].Change.Key.Iteration)
}

func TestReadEvents_DismissedFrame(t *testing.T) {
	body := strings.Join([]string{
		"event: dismissed",
		`data: {"key":{"sessionId":"s","stageSlug":"thesis","iterationNumber":1},"reason":"work_complete"}`,
		"",
		`data: {"key":{"sessionId":"s","stageSlug":"thesis","iterationNumber":1},"stepKey":"plan"}`,
		"",
	}, "\n")

	events := collect(t, ReadEvents(context.Background(), io.NopCloser(strings.NewReader(body))))
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Dismissal)
	assert.Nil(t, events[0].Change)
	assert.Equal(t, observer.ReasonWorkComplete, events[0].Dismissal.Reason)
	assert.Equal(t, "thesis", events[0].Dismissal.Key.StageSlug)
	require.NotNil(t, events[1].Change, "event name does not leak into the next frame")
	assert.Equal(t, "plan", events[1].Change.StepKey)
}

func TestReadEvents_StopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := ReadEvents(ctx, pr)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after cancel")
	}
}

func TestStream_DeliversSnapshotThenChanges(t *testing.T) {
	client, _, _ := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := client.Apply(ctx, plannerEvent(progress.EventPlannerStarted, "thesis", "plan"))
	require.NoError(t, err)

	events, err := client.Stream(ctx, "s", "thesis", 1)
	require.NoError(t, err)

	first := next(t, events)
	require.NoError(t, first.Err)
	assert.Equal(t, progress.StatusInProgress, first.Change.Progress.StepStatuses["plan"], "current entry is sent first")

	// Other stages of the session are filtered out.
	_, err = client.Apply(ctx, plannerEvent(progress.EventPlannerStarted, "antithesis", "plan"))
	require.NoError(t, err)
	_, err = client.Apply(ctx, plannerEvent(progress.EventPlannerCompleted, "thesis", "plan"))
	require.NoError(t, err)

	ev := next(t, events)
	require.NoError(t, ev.Err)
	assert.Equal(t, "thesis", ev.Change.Key.StageSlug)
	assert.Equal(t, "plan", ev.Change.StepKey)
	assert.Equal(t, progress.StatusInProgress, ev.Change.Previous)
	assert.Equal(t, progress.StatusCompleted, ev.Change.Current)
	require.NotNil(t, ev.Change.Event)
	assert.Equal(t, progress.EventPlannerCompleted, ev.Change.Event.Type)
}

func TestStream_SessionWideFilter(t *testing.T) {
	client, _, _ := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.Stream(ctx, "s", "", -1)
	require.NoError(t, err)

	_, err = client.Apply(ctx, plannerEvent(progress.EventPlannerStarted, "antithesis", "plan"))
	require.NoError(t, err)

	ev := next(t, events)
	require.NoError(t, ev.Err)
	assert.Equal(t, "antithesis", ev.Change.Key.StageSlug)
}

func TestStream_RequiresSession(t *testing.T) {
	_, _, url := startTestServer(t)

	resp, err := http.Get(url + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	client := NewHTTPClient(url)
	_, err = client.Stream(context.Background(), "", "", -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")

	resp, err = http.Get(url + "/stream?session=s&iteration=-2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_ObserveEndsOnWorkComplete(t *testing.T) {
	client, _, _ := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := progress.Key{SessionID: "s", StageSlug: "thesis", Iteration: 1}

	events, err := client.Observe(ctx, key)
	require.NoError(t, err)

	_, err = client.Apply(ctx, plannerEvent(progress.EventPlannerCompleted, "thesis", "plan"))
	require.NoError(t, err)
	ev := next(t, events)
	require.NotNil(t, ev.Change)
	assert.Equal(t, "plan", ev.Change.StepKey)

	_, err = client.Apply(ctx, renderEvent("thesis"))
	require.NoError(t, err)

	rest := collect(t, events)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	require.NotNil(t, last.Dismissal, "stream ends with the dismissal frame")
	assert.Equal(t, observer.ReasonWorkComplete, last.Dismissal.Reason)
	assert.Equal(t, key, last.Dismissal.Key)
	require.NotNil(t, last.Dismissal.Progress)
	assert.True(t, last.Dismissal.Progress.Documents[progress.DocumentMapKey("brief", "m")].IsRenderedComplete())
}

func TestStream_ObserveEndsOnManualDismiss(t *testing.T) {
	client, _, _ := startTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := progress.Key{SessionID: "s", StageSlug: "antithesis", Iteration: 1}

	events, err := client.Observe(ctx, key)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dismissed, err := client.DismissObserver(ctx, key)
		return err == nil && dismissed
	}, 2*time.Second, 10*time.Millisecond)

	rest := collect(t, events)
	require.Len(t, rest, 1)
	require.NotNil(t, rest[0].Dismissal)
	assert.Equal(t, observer.ReasonManual, rest[0].Dismissal.Reason)
	assert.Nil(t, rest[0].Dismissal.Progress, "no entry recorded yet")
}

func TestStream_ObserveRequiresStageAndIteration(t *testing.T) {
	_, _, url := startTestServer(t)

	resp, err := http.Get(url + "/stream?session=s&stage=thesis&observe=true")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEWriter_Headers(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewSSEWriter(rec)
	sw.Init()
	require.NoError(t, sw.WriteComment("hello"))
	require.NoError(t, sw.WriteChange(progress.Change{Key: progress.Key{SessionID: "s", StageSlug: "x", Iteration: 1}}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.NoError(t, sw.WriteEvent("dismissed", Dismissal{Reason: observer.ReasonManual}))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ": hello\n\n"))
	assert.Contains(t, body, "event: dismissed\ndata: {")
	assert.Contains(t, body, `data: {"key":{"sessionId":"s","stageSlug":"x","iterationNumber":1}`)
}
