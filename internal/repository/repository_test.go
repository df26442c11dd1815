package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videointel/coordinator/internal/model"
)

func TestCameraRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PutCamera(ctx, model.Camera{ID: "cam-1", Name: "front door"}))

	cam, err := m.GetCamera(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "front door", cam.Name)

	_, err = m.GetCamera(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveRulesByCameraExcludesDisabled(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PutRule(ctx, model.Rule{ID: "r1", CameraIDs: []string{"cam-1"}, Enabled: true}))
	require.NoError(t, m.PutRule(ctx, model.Rule{ID: "r2", CameraIDs: []string{"cam-1"}, Enabled: false}))
	require.NoError(t, m.PutRule(ctx, model.Rule{ID: "r3", CameraIDs: []string{"cam-2"}, Enabled: true}))
	require.NoError(t, m.PutRule(ctx, model.Rule{ID: "r4", Enabled: true})) // no CameraIDs: applies to every camera

	rules, err := m.ListActiveRulesByCamera(ctx, "cam-1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	ids := []string{rules[0].ID, rules[1].ID}
	assert.ElementsMatch(t, []string{"r1", "r4"}, ids)
}

func TestListEventsFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := m.CreateEvent(ctx, model.Event{
			CameraID:  "cam-1",
			RuleID:    "rule-1",
			EventCode: "missing_helmet",
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := m.CreateEvent(ctx, model.Event{CameraID: "cam-2", RuleID: "rule-1", EventCode: "missing_helmet", Timestamp: now})
	require.NoError(t, err)
	_, err = m.CreateEvent(ctx, model.Event{CameraID: "cam-1", RuleID: "rule-2", EventCode: "ppe_violation", Timestamp: now})
	require.NoError(t, err)

	events, err := m.ListEvents(ctx, EventFilter{CameraID: "cam-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))

	filtered, err := m.ListEvents(ctx, EventFilter{CameraID: "cam-1", EventCode: "ppe_violation", Limit: 10})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "rule-2", filtered[0].RuleID)
}

func TestAcknowledgeEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	evt, err := m.CreateEvent(ctx, model.Event{CameraID: "cam-1", RuleID: "r"})
	require.NoError(t, err)

	acked, err := m.AcknowledgeEvent(ctx, evt.ID, "operator-1")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "operator-1", acked.AckedBy)

	_, err = m.AcknowledgeEvent(ctx, "missing", "operator-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlertsTrackedPerEvent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a1, err := m.CreateAlert(ctx, model.Alert{EventID: "evt-1", Channel: "webhook", Recipient: "https://example/hook"})
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusPending, a1.Status)

	_, err = m.CreateAlert(ctx, model.Alert{EventID: "evt-1", Channel: "email", Recipient: "ops@example.com"})
	require.NoError(t, err)

	alerts, err := m.ListAlertsByEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}
