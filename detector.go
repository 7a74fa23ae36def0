package main

import (
	"fmt"
	"math"
	"time"
)

// CheckVolume compares today's synced row count against the historical
// baseline for the same weekday. todayRows is nil when no run was recorded
// today; that is a distinct no_data state, not an anomaly.
func CheckVolume(todayRows *int, history []HistoryRecord, today time.Time) VolumeVerdict {
	if todayRows == nil {
		return VolumeVerdict{Severity: SeverityNoData, NoData: true}
	}
	if len(history) == 0 {
		// Insufficient history is not itself an anomaly.
		return VolumeVerdict{TodayRows: *todayRows, Severity: SeverityNormal}
	}

	dow := weekdayIndex(today)
	var sameDow []float64
	var all []float64
	for _, r := range history {
		all = append(all, float64(r.RowsProcessed))
		if r.DayOfWeek == dow {
			sameDow = append(sameDow, float64(r.RowsProcessed))
		}
	}

	// A 1-2 point weekday baseline is too noisy; fall back to full history.
	basis := sameDow
	compare := "same-weekday"
	if len(sameDow) < 3 {
		basis = all
		compare = "all-history"
	}

	m := mean(basis)
	s := stddev(basis, m)
	if s < 1 {
		s = math.Max(m*0.1, 1)
	}

	z := (float64(*todayRows) - m) / s
	pct := (float64(*todayRows) - m) / m * 100

	severity := SeverityNormal
	switch {
	case math.Abs(z) >= 3:
		severity = SeverityCritical
	case math.Abs(z) >= 2:
		severity = SeverityWarning
	}

	return VolumeVerdict{
		TodayRows:    *todayRows,
		Mean:         round(m, 1),
		Std:          round(s, 1),
		ZScore:       round(z, 2),
		ChangePct:    round(pct, 1),
		CompareBasis: compare,
		DayName:      dayName(today),
		Severity:     severity,
		IsAnomaly:    math.Abs(z) >= 2,
	}
}

// Quality drift triggers. The three NULL-rate conditions are independent
// (OR): a single column can trip more than one, and every tripped condition
// is named in the anomaly message.
const (
	emergentNullThresholdPct = 0.1 // nonzero rate appearing from a zero baseline
	nullGrowthRateThreshold  = 1.0 // rate at least doubled vs trailing average
	nullJumpThresholdPP      = 5.0 // absolute point change
	zeroAmountThresholdPct   = 5.0
)

// CheckQuality flags per-column NULL-rate drift against the 7-day trailing
// average, plus a zero-amount anomaly on the monetary column.
func CheckQuality(snap QualitySnapshot, prior7d map[string]float64, columns []string) QualityVerdict {
	v := QualityVerdict{
		TotalRows:   snap.TotalRows,
		NullChecks:  make(map[string]NullCheck, len(columns)),
		Changes:     make(map[string]ColumnChange, len(columns)),
		AmountStats: snap.AmountStats,
		Categories:  snap.Categories,
	}

	for _, col := range columns {
		nulls := snap.NullCounts[col]
		currentPct := 0.0
		if snap.TotalRows > 0 {
			currentPct = round(float64(nulls)/float64(snap.TotalRows)*100, 1)
		}
		v.NullChecks[col] = NullCheck{NullCount: nulls, NullPct: currentPct}

		prev := round(prior7d[col], 2)
		diff := round(currentPct-prev, 1)
		growthRate := currentPct
		if prev > 0 {
			growthRate = (currentPct - prev) / prev
		}
		v.Changes[col] = ColumnChange{CurrentPct: currentPct, Prev7dAvg: prev, DiffPP: diff}

		var reasons []string
		if prev == 0 && currentPct > emergentNullThresholdPct {
			reasons = append(reasons, fmt.Sprintf("NULLs emerged from a zero baseline (0%% -> %.1f%%)", currentPct))
		}
		if prev > 0 && growthRate >= nullGrowthRateThreshold {
			reasons = append(reasons, fmt.Sprintf("NULL rate grew %.0f%% vs 7-day avg (%.2f%% -> %.1f%%)", growthRate*100, prev, currentPct))
		}
		if diff >= nullJumpThresholdPP {
			reasons = append(reasons, fmt.Sprintf("NULL rate jumped %+.1fpp in absolute terms", diff))
		}
		if len(reasons) > 0 {
			v.Anomalies = append(v.Anomalies, Anomaly{
				Column:     col,
				CurrentPct: currentPct,
				PrevAvg:    prev,
				DiffPP:     diff,
				Message:    fmt.Sprintf("%s anomaly: %s", col, joinReasons(reasons)),
			})
		}
	}

	if snap.AmountStats.ZeroPct > zeroAmountThresholdPct {
		v.Anomalies = append(v.Anomalies, Anomaly{
			Column:     "total_amount",
			CurrentPct: snap.AmountStats.ZeroPct,
			Message:    fmt.Sprintf("total_amount zero-value ratio %.1f%% exceeds %.0f%%", snap.AmountStats.ZeroPct, zeroAmountThresholdPct),
		})
	}

	v.IsAnomaly = len(v.Anomalies) > 0
	return v
}

func joinReasons(reasons []string) string {
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation over the comparison basis.
func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

func round(x float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(x*pow) / pow
}
