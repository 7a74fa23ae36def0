package main

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// DailyCheckResult is what the scheduler produced for one day: both detector
// verdicts, the combined analysis, and whether an alert went out.
type DailyCheckResult struct {
	Volume    VolumeVerdict    `json:"volume"`
	Quality   QualityVerdict   `json:"quality"`
	Analysis  PipelineAnalysis `json:"analysis"`
	AlertSent bool             `json:"alert_sent"`
	AlertNote string           `json:"alert_note,omitempty"`
}

// RunVolumeCheck computes today's volume verdict. Missing data degrades to
// an explicit no_data verdict rather than an error: the dashboard must
// always have something to render.
func RunVolumeCheck(ctx context.Context, cfg Config, store HistoryStore, targetDB *sql.DB) (VolumeVerdict, error) {
	history, err := store.GetVolumeHistory(cfg.TaskName)
	if err != nil {
		return VolumeVerdict{}, err
	}

	todayRows, err := TodayRowCount(ctx, targetDB)
	if err != nil {
		log.Printf("check today-rows error, treating as no_data: %v", err)
		todayRows = nil
	}
	return CheckVolume(todayRows, history, time.Now().In(cfg.Location)), nil
}

// RunQualityCheck measures the current snapshot and compares each tracked
// column against its 7-day trailing average.
func RunQualityCheck(ctx context.Context, cfg Config, store HistoryStore, targetDB *sql.DB) (QualityVerdict, error) {
	snap, err := CollectQualitySnapshot(ctx, targetDB, cfg.TrackedColumns)
	if err != nil {
		return QualityVerdict{}, err
	}

	prior := make(map[string]float64, len(cfg.TrackedColumns))
	for _, col := range cfg.TrackedColumns {
		avg, err := store.GetPrev7dNullAvg(col)
		if err != nil {
			log.Printf("check prior avg error column=%s: %v", col, err)
			continue
		}
		prior[col] = avg
	}
	return CheckQuality(snap, prior, cfg.TrackedColumns), nil
}

// RunDailyCheck is the scheduled path: detectors, combined AI analysis,
// conditional alert, then history recording so tomorrow's baselines include
// today.
func RunDailyCheck(ctx context.Context, cfg Config, gdb *GuardianDB, targetDB *sql.DB, llm LLM, notifier Notifier) (DailyCheckResult, error) {
	var result DailyCheckResult

	vol, err := RunVolumeCheck(ctx, cfg, gdb, targetDB)
	if err != nil {
		return result, err
	}
	result.Volume = vol

	qual, err := RunQualityCheck(ctx, cfg, gdb, targetDB)
	if err != nil {
		return result, err
	}
	result.Quality = qual

	today := time.Now().In(cfg.Location)
	callCtx, cancel := context.WithTimeout(ctx, cfg.llmTimeout())
	analysis, err := AnalyzePipeline(callCtx, llm, vol, qual, today)
	cancel()
	if err != nil {
		// AnalyzePipeline already degraded to the deterministic fallback.
		log.Printf("check pipeline analysis degraded: %v", err)
	}
	result.Analysis = analysis
	log.Printf("check done volume=%s quality_anomalies=%d overall=%s",
		vol.Severity, len(qual.Anomalies), analysis.OverallStatus)

	if analysis.OverallStatus != SeverityNormal {
		if notifier == nil {
			result.AlertNote = "alert suppressed: notification channel not configured"
			log.Println("check " + result.AlertNote)
		} else {
			msg := FormatDailyAlert(cfg.TaskName, vol, qual, analysis, today, cfg.DashboardURL)
			if err := notifier.Send(ctx, msg); err != nil {
				result.AlertNote = "alert send failed: " + err.Error()
				log.Printf("check alert error: %v", err)
			} else {
				result.AlertSent = true
			}
		}
	}

	recordDailySnapshot(cfg, gdb, vol, qual, today)
	return result, nil
}

// recordDailySnapshot appends today's measurements to history, once per day,
// so the trailing baselines stay fresh. Failures are logged, never fatal.
func recordDailySnapshot(cfg Config, gdb *GuardianDB, vol VolumeVerdict, qual QualityVerdict, today time.Time) {
	runDate := today.Format("2006-01-02")

	if !vol.NoData {
		exists, err := gdb.HasHistoryForDate(cfg.TaskName, runDate)
		if err != nil {
			log.Printf("check history lookup error: %v", err)
		} else if !exists {
			err := gdb.InsertHistoryRecord(cfg.TaskName, HistoryRecord{
				RunDate:       runDate,
				DayOfWeek:     weekdayIndex(today),
				RowsProcessed: vol.TodayRows,
			})
			if err != nil {
				log.Printf("check history record error: %v", err)
			}
		}
	}

	exists, err := gdb.HasQualityForDate(runDate)
	if err != nil {
		log.Printf("check quality lookup error: %v", err)
		return
	}
	if exists {
		return
	}
	var records []QualityRecord
	for col, nc := range qual.NullChecks {
		records = append(records, QualityRecord{
			RunDate:    runDate,
			ColumnName: col,
			TotalRows:  qual.TotalRows,
			NullCount:  nc.NullCount,
			NullPct:    nc.NullPct,
		})
	}
	if err := gdb.InsertQualityRecords(records); err != nil {
		log.Printf("check quality record error: %v", err)
	}
}
