package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/trialsense/internal/clinical"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishAlertsWritesOneMessagePerAlert(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, DefaultTopic, zerolog.Nop())
	p.now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }

	err := p.PublishAlerts(context.Background(), []clinical.Alert{
		{ID: 7, Drug: "Pembrolizumab", Title: "Label update", Severity: clinical.SeverityHigh},
		{ID: 8, Drug: "Olaparib", Title: "Readout", Severity: clinical.SeverityLow},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "Pembrolizumab", string(w.msgs[0].Key))

	var evt Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &evt))
	assert.Equal(t, EventAlertCreated, evt.Type)
	assert.Equal(t, int64(7), evt.Alert.ID)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "high", string(w.msgs[0].Headers[1].Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishAlertsSkipsEmptyAndWrapsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, DefaultTopic, zerolog.Nop())

	require.NoError(t, p.PublishAlerts(context.Background(), nil))
	err := p.PublishAlerts(context.Background(), []clinical.Alert{{Drug: "x", Title: "y"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	assert.NoError(t, Nop{}.PublishAlerts(context.Background(), []clinical.Alert{{}}))
}
