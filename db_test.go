package main

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *GuardianDB {
	t.Helper()
	gdb, err := InitDB(filepath.Join(t.TempDir(), "guardian.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { gdb.Close() })
	return gdb
}

func TestVolumeHistoryRoundTrip(t *testing.T) {
	gdb := newTestDB(t)

	records := []HistoryRecord{
		{RunDate: "2025-06-02", DayOfWeek: 0, RowsProcessed: 5000},
		{RunDate: "2025-06-03", DayOfWeek: 1, RowsProcessed: 5200},
	}
	for _, r := range records {
		if err := gdb.InsertHistoryRecord("m_ORDERS_SYNC", r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	// A different task's rows must not leak in.
	if err := gdb.InsertHistoryRecord("m_OTHER", HistoryRecord{RunDate: "2025-06-02", DayOfWeek: 0, RowsProcessed: 99}); err != nil {
		t.Fatalf("insert other task: %v", err)
	}

	got, err := gdb.GetVolumeHistory("m_ORDERS_SYNC")
	if err != nil {
		t.Fatalf("GetVolumeHistory failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].RunDate != "2025-06-02" || got[1].RowsProcessed != 5200 {
		t.Fatalf("unexpected records: %+v", got)
	}
}

func TestHasHistoryForDate(t *testing.T) {
	gdb := newTestDB(t)

	ok, err := gdb.HasHistoryForDate("m_ORDERS_SYNC", "2025-06-02")
	if err != nil {
		t.Fatalf("HasHistoryForDate failed: %v", err)
	}
	if ok {
		t.Fatal("expected no history yet")
	}

	if err := gdb.InsertHistoryRecord("m_ORDERS_SYNC", HistoryRecord{RunDate: "2025-06-02", DayOfWeek: 0, RowsProcessed: 5000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err = gdb.HasHistoryForDate("m_ORDERS_SYNC", "2025-06-02")
	if err != nil {
		t.Fatalf("HasHistoryForDate failed: %v", err)
	}
	if !ok {
		t.Fatal("expected history for the inserted date")
	}
}

func TestQualityHistoryLimitAndOrder(t *testing.T) {
	gdb := newTestDB(t)

	var records []QualityRecord
	for _, d := range []string{"2025-06-01", "2025-06-02", "2025-06-03"} {
		records = append(records, QualityRecord{RunDate: d, ColumnName: "email", TotalRows: 1000, NullCount: 20, NullPct: 2.0})
	}
	if err := gdb.InsertQualityRecords(records); err != nil {
		t.Fatalf("InsertQualityRecords failed: %v", err)
	}

	got, err := gdb.GetQualityHistory(2)
	if err != nil {
		t.Fatalf("GetQualityHistory failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit applied, got %d rows", len(got))
	}
	if got[0].RunDate != "2025-06-03" {
		t.Fatalf("expected newest first, got %s", got[0].RunDate)
	}
}

func TestGetPrev7dNullAvgUsesSevenMostRecent(t *testing.T) {
	gdb := newTestDB(t)

	// Ten days of history; only the latest seven (4.0..10.0) should count.
	var records []QualityRecord
	for i := 1; i <= 10; i++ {
		records = append(records, QualityRecord{
			RunDate:    fmt.Sprintf("2025-06-%02d", i),
			ColumnName: "phone_number",
			TotalRows:  1000,
			NullCount:  i * 10,
			NullPct:    float64(i),
		})
	}
	if err := gdb.InsertQualityRecords(records); err != nil {
		t.Fatalf("InsertQualityRecords failed: %v", err)
	}

	avg, err := gdb.GetPrev7dNullAvg("phone_number")
	if err != nil {
		t.Fatalf("GetPrev7dNullAvg failed: %v", err)
	}
	if math.Abs(avg-7.0) > 1e-9 {
		t.Fatalf("expected avg of 4..10 = 7.0, got %v", avg)
	}
}

func TestGetPrev7dNullAvgEmptyIsZero(t *testing.T) {
	gdb := newTestDB(t)
	avg, err := gdb.GetPrev7dNullAvg("email")
	if err != nil {
		t.Fatalf("GetPrev7dNullAvg failed: %v", err)
	}
	if avg != 0 {
		t.Fatalf("expected zero for missing history, got %v", avg)
	}
}

func TestHasQualityForDate(t *testing.T) {
	gdb := newTestDB(t)

	if err := gdb.InsertQualityRecords([]QualityRecord{
		{RunDate: "2025-06-02", ColumnName: "email", TotalRows: 1000, NullCount: 5, NullPct: 0.5},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := gdb.HasQualityForDate("2025-06-02")
	if err != nil || !ok {
		t.Fatalf("expected quality rows for date, ok=%v err=%v", ok, err)
	}
	ok, err = gdb.HasQualityForDate("2025-06-03")
	if err != nil || ok {
		t.Fatalf("expected no quality rows for other date, ok=%v err=%v", ok, err)
	}
}

func TestUpsertEtlRunsIsIdempotent(t *testing.T) {
	gdb := newTestDB(t)

	runs := []EtlRun{
		{RunID: "101", ObjectName: "m_ORDERS_SYNC", Status: "1", SourceRows: 5000, TargetRows: 5000, StartTime: "2025-06-02 09:00:00", EndTime: "2025-06-02 09:05:00"},
		{RunID: "102", ObjectName: "m_ORDERS_SYNC", Status: "3", SourceRows: 5000, TargetRows: 0, StartTime: "2025-06-02 10:00:00", EndTime: "2025-06-02 10:01:00"},
	}
	n, err := gdb.UpsertEtlRuns(runs)
	if err != nil {
		t.Fatalf("UpsertEtlRuns failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	// Second collection pass with one overlap and one new run.
	n, err = gdb.UpsertEtlRuns([]EtlRun{
		runs[1],
		{RunID: "103", ObjectName: "m_ORDERS_SYNC", Status: "1", SourceRows: 5100, TargetRows: 5100, StartTime: "2025-06-02 11:00:00", EndTime: "2025-06-02 11:04:00"},
	})
	if err != nil {
		t.Fatalf("second UpsertEtlRuns failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new insert, got %d", n)
	}

	got, err := gdb.GetLatestEtlRuns(10)
	if err != nil {
		t.Fatalf("GetLatestEtlRuns failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 stored runs, got %d", len(got))
	}
	if got[0].RunID != "103" {
		t.Fatalf("expected newest run first, got %+v", got[0])
	}
}
