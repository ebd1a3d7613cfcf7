package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.MessagesReceivedTotal == nil {
		t.Error("MessagesReceivedTotal metric is nil")
	}
	if m.TunnelUp == nil {
		t.Error("TunnelUp metric is nil")
	}
}

func TestRecordConnectionAccepted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionAccepted()
	m.RecordConnectionAccepted()

	total := testutil.ToFloat64(m.ConnectionsTotal)
	if total != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", total)
	}
}

func TestRecordConnectionRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionRejected()

	rejected := testutil.ToFloat64(m.ConnectionsRejected)
	if rejected != 1 {
		t.Errorf("ConnectionsRejected = %v, want 1", rejected)
	}
}

func TestRecordAuthFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAuthFailure()
	m.RecordAuthFailure()
	m.RecordAuthFailure()

	failures := testutil.ToFloat64(m.AuthFailuresTotal)
	if failures != 3 {
		t.Errorf("AuthFailuresTotal = %v, want 3", failures)
	}
}

func TestRecordMessageReceived(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordMessageReceived("TEXT")
	m.RecordMessageReceived("TEXT")
	m.RecordMessageReceived("DM")

	text := testutil.ToFloat64(m.MessagesReceivedTotal.WithLabelValues("TEXT"))
	if text != 2 {
		t.Errorf("MessagesReceivedTotal[TEXT] = %v, want 2", text)
	}
	dm := testutil.ToFloat64(m.MessagesReceivedTotal.WithLabelValues("DM"))
	if dm != 1 {
		t.Errorf("MessagesReceivedTotal[DM] = %v, want 1", dm)
	}
}

func TestMessagesSentAndBroadcastErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.MessagesSentTotal.WithLabelValues("TEXT").Add(3)
	m.BroadcastErrorsTotal.Inc()

	sent := testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("TEXT"))
	if sent != 3 {
		t.Errorf("MessagesSentTotal[TEXT] = %v, want 3", sent)
	}
	errs := testutil.ToFloat64(m.BroadcastErrorsTotal)
	if errs != 1 {
		t.Errorf("BroadcastErrorsTotal = %v, want 1", errs)
	}
}

func TestChannelsActiveGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ChannelsActive.Set(4)
	got := testutil.ToFloat64(m.ChannelsActive)
	if got != 4 {
		t.Errorf("ChannelsActive = %v, want 4", got)
	}
}

func TestTunnelMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.TunnelUp.Set(1)
	m.TunnelReconnectsTotal.Inc()
	m.TunnelReconnectsTotal.Inc()
	m.TunnelRestartsTotal.Inc()
	m.TunnelURLChangesTotal.Inc()

	if up := testutil.ToFloat64(m.TunnelUp); up != 1 {
		t.Errorf("TunnelUp = %v, want 1", up)
	}
	if n := testutil.ToFloat64(m.TunnelReconnectsTotal); n != 2 {
		t.Errorf("TunnelReconnectsTotal = %v, want 2", n)
	}
	if n := testutil.ToFloat64(m.TunnelRestartsTotal); n != 1 {
		t.Errorf("TunnelRestartsTotal = %v, want 1", n)
	}
	if n := testutil.ToFloat64(m.TunnelURLChangesTotal); n != 1 {
		t.Errorf("TunnelURLChangesTotal = %v, want 1", n)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
