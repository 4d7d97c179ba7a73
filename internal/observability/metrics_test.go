package observability

import "testing"

func TestRuntimeMetricsSnapshotCopies(t *testing.T) {
	m := NewRuntimeMetrics()
	m.RecordPendingDepth("remote1", 3, 7)
	m.IncrementDroppedEDUs("remote1", 2)
	m.IncrementRetriedSends("remote1")
	m.AddThrottledMilliseconds("remote1", 25)

	snap := m.Snapshot()
	if snap.PendingPDUs["remote1"] != 3 || snap.PendingEDUs["remote1"] != 7 {
		t.Fatalf("unexpected pending depths: %+v", snap)
	}
	if snap.DroppedEDUs["remote1"] != 2 {
		t.Fatalf("unexpected dropped edus: %+v", snap)
	}
	if snap.RetriedSends["remote1"] != 1 {
		t.Fatalf("unexpected retried sends: %+v", snap)
	}
	if snap.ThrottledMilli["remote1"] != 25 {
		t.Fatalf("unexpected throttled ms: %+v", snap)
	}

	// Mutating the snapshot must not affect the accumulator.
	snap.PendingPDUs["remote1"] = 99
	if m.Snapshot().PendingPDUs["remote1"] != 3 {
		t.Fatalf("snapshot mutation leaked into accumulator")
	}
}

func TestSetLoggerNilResetsToNoop(t *testing.T) {
	SetLogger(nil)
	Log().Info("should not panic")
}
