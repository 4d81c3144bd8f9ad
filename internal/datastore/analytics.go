// analytics.go: aggregation queries backing the dashboard and the
// analytics API endpoints.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// LabelSummaryData contains aggregated consensus statistics for one
// diagnosis label.
type LabelSummaryData struct {
	Label         string
	Count         int
	FirstSeen     time.Time
	LastSeen      time.Time
	AvgConfidence float64
	MaxConfidence float64
	AvgRiskScore  float64
	NeedsReview   int
}

// DailyAnalyticsData represents predictions for one label on one day.
type DailyAnalyticsData struct {
	Date  string
	Label string
	Count int
}

// HourlyAnalyticsData represents triage activity in one hour of a day.
type HourlyAnalyticsData struct {
	Hour  int
	Count int
}

// ModelAgreementData reports how often one ensemble member voted with
// the consensus.
type ModelAgreementData struct {
	ModelName     string
	Architecture  string
	Votes         int
	Agreed        int
	AvgConfidence float64
}

// TrendDataPoint is one day of total prediction volume.
type TrendDataPoint struct {
	Date  string
	Count int
}

// DashboardSummary aggregates the counters shown on the overview page.
type DashboardSummary struct {
	ActivePatients    int64
	TotalImages       int64
	PendingImages     int64
	ProcessingImages  int64
	DiagnosedImages   int64
	FailedImages      int64
	PredictionsToday  int64
	TodayByLabel      map[string]int64
	NeedingReview     int64
	AppointmentsToday int64
	ActiveBatchJobs   int64
}

// parseDBTime normalizes timestamp values returned by aggregate
// expressions. SQLite hands back text for MIN/MAX results while MySQL
// returns time.Time when parseTime is enabled.
func parseDBTime(value any) time.Time {
	switch v := value.(type) {
	case time.Time:
		return v
	case []byte:
		return parseTimeString(string(v))
	case string:
		return parseTimeString(v)
	default:
		return time.Time{}
	}
}

func parseTimeString(s string) time.Time {
	formats := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// validateDateParam ensures calendar-date inputs are well formed before
// they reach the SQL layer.
func validateDateParam(name, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", value); err != nil {
		return validationError("date must be formatted YYYY-MM-DD", name, value)
	}
	return nil
}

// GetLabelSummaryData aggregates consensus statistics per label across
// all predictions.
func (ds *DataStore) GetLabelSummaryData(ctx context.Context) ([]LabelSummaryData, error) {
	queryStr := `
		SELECT label,
		       COUNT(*) as count,
		       MIN(created_at) as first_seen,
		       MAX(created_at) as last_seen,
		       AVG(confidence) as avg_confidence,
		       MAX(confidence) as max_confidence,
		       AVG(risk_score) as avg_risk_score,
		       SUM(CASE WHEN needs_review = ? THEN 1 ELSE 0 END) as needs_review
		FROM predictions
		GROUP BY label
		ORDER BY count DESC`

	rows, err := ds.DB.WithContext(ctx).Raw(queryStr, true).Rows()
	if err != nil {
		return nil, dbError(err, "get_label_summary", "")
	}
	defer rows.Close()

	var summaries []LabelSummaryData
	for rows.Next() {
		var summary LabelSummaryData
		var firstSeen, lastSeen any
		var avgConf, maxConf, avgRisk sql.NullFloat64

		if err := rows.Scan(&summary.Label, &summary.Count, &firstSeen, &lastSeen,
			&avgConf, &maxConf, &avgRisk, &summary.NeedsReview); err != nil {
			return nil, dbError(err, "get_label_summary", "", "step", "scan")
		}

		summary.FirstSeen = parseDBTime(firstSeen)
		summary.LastSeen = parseDBTime(lastSeen)
		if avgConf.Valid {
			summary.AvgConfidence = avgConf.Float64
		}
		if maxConf.Valid {
			summary.MaxConfidence = maxConf.Float64
		}
		if avgRisk.Valid {
			summary.AvgRiskScore = avgRisk.Float64
		}

		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "get_label_summary", "", "step", "iterate")
	}
	return summaries, nil
}

// GetDailyPredictionCounts returns per-label counts for each day in the
// inclusive date range. Empty bounds leave that side open.
func (ds *DataStore) GetDailyPredictionCounts(ctx context.Context, startDate, endDate string) ([]DailyAnalyticsData, error) {
	if err := validateDateParam("start_date", startDate); err != nil {
		return nil, err
	}
	if err := validateDateParam("end_date", endDate); err != nil {
		return nil, err
	}

	dateExpr := ds.GetDateFormat()
	queryStr := fmt.Sprintf(`
		SELECT %s as date, label, COUNT(*) as count
		FROM predictions`, dateExpr)

	var args []any
	switch {
	case startDate != "" && endDate != "":
		queryStr += fmt.Sprintf(" WHERE %s >= ? AND %s <= ?", dateExpr, dateExpr)
		args = append(args, startDate, endDate)
	case startDate != "":
		queryStr += fmt.Sprintf(" WHERE %s >= ?", dateExpr)
		args = append(args, startDate)
	case endDate != "":
		queryStr += fmt.Sprintf(" WHERE %s <= ?", dateExpr)
		args = append(args, endDate)
	}
	queryStr += " GROUP BY date, label ORDER BY date ASC, label ASC"

	rows, err := ds.DB.WithContext(ctx).Raw(queryStr, args...).Rows()
	if err != nil {
		return nil, dbError(err, "get_daily_prediction_counts", "")
	}
	defer rows.Close()

	var data []DailyAnalyticsData
	for rows.Next() {
		var entry DailyAnalyticsData
		if err := rows.Scan(&entry.Date, &entry.Label, &entry.Count); err != nil {
			return nil, dbError(err, "get_daily_prediction_counts", "", "step", "scan")
		}
		data = append(data, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "get_daily_prediction_counts", "", "step", "iterate")
	}
	return data, nil
}

// GetHourlyTriageActivity returns the prediction count per hour of day
// for one calendar date.
func (ds *DataStore) GetHourlyTriageActivity(ctx context.Context, date string) ([]HourlyAnalyticsData, error) {
	if date == "" {
		return nil, validationError("date is required", "date", "")
	}
	if err := validateDateParam("date", date); err != nil {
		return nil, err
	}

	hourExpr := ds.GetHourFormat()
	dateExpr := ds.GetDateFormat()
	queryStr := fmt.Sprintf(`
		SELECT %s as hour, COUNT(*) as count
		FROM predictions
		WHERE %s = ?
		GROUP BY hour
		ORDER BY hour ASC`, hourExpr, dateExpr)

	rows, err := ds.DB.WithContext(ctx).Raw(queryStr, date).Rows()
	if err != nil {
		return nil, dbError(err, "get_hourly_triage_activity", "", "date", date)
	}
	defer rows.Close()

	var data []HourlyAnalyticsData
	for rows.Next() {
		var hourStr string
		var count int
		if err := rows.Scan(&hourStr, &count); err != nil {
			return nil, dbError(err, "get_hourly_triage_activity", "", "step", "scan")
		}
		hour, err := strconv.Atoi(hourStr)
		if err != nil {
			return nil, dbError(err, "get_hourly_triage_activity", "", "hour_value", hourStr)
		}
		data = append(data, HourlyAnalyticsData{Hour: hour, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "get_hourly_triage_activity", "", "step", "iterate")
	}
	return data, nil
}

// GetModelAgreement reports per-model vote counts and how often each
// model agreed with the final consensus label.
func (ds *DataStore) GetModelAgreement(ctx context.Context) ([]ModelAgreementData, error) {
	queryStr := `
		SELECT mr.model_name as model_name,
		       mr.architecture as architecture,
		       COUNT(*) as votes,
		       SUM(CASE WHEN mr.label = p.label THEN 1 ELSE 0 END) as agreed,
		       AVG(mr.confidence) as avg_confidence
		FROM model_results mr
		JOIN predictions p ON p.id = mr.prediction_id
		GROUP BY mr.model_name, mr.architecture
		ORDER BY votes DESC`

	rows, err := ds.DB.WithContext(ctx).Raw(queryStr).Rows()
	if err != nil {
		return nil, dbError(err, "get_model_agreement", "")
	}
	defer rows.Close()

	var data []ModelAgreementData
	for rows.Next() {
		var entry ModelAgreementData
		var avgConf sql.NullFloat64
		if err := rows.Scan(&entry.ModelName, &entry.Architecture, &entry.Votes,
			&entry.Agreed, &avgConf); err != nil {
			return nil, dbError(err, "get_model_agreement", "", "step", "scan")
		}
		if avgConf.Valid {
			entry.AvgConfidence = avgConf.Float64
		}
		data = append(data, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "get_model_agreement", "", "step", "iterate")
	}
	return data, nil
}

// GetRiskLevelDistribution counts predictions per risk level.
func (ds *DataStore) GetRiskLevelDistribution(ctx context.Context) (map[string]int64, error) {
	var results []struct {
		RiskLevel string
		Count     int64
	}
	err := ds.DB.WithContext(ctx).
		Model(&Prediction{}).
		Select("risk_level, COUNT(*) as count").
		Group("risk_level").
		Scan(&results).Error
	if err != nil {
		return nil, dbError(err, "get_risk_level_distribution", "")
	}

	distribution := make(map[string]int64, len(results))
	for _, r := range results {
		distribution[r.RiskLevel] = r.Count
	}
	return distribution, nil
}

// GetPredictionTrends returns daily prediction totals for a relative
// window. Accepted periods are week, month and quarter. The limit caps
// the number of returned days, zero means no cap.
func (ds *DataStore) GetPredictionTrends(ctx context.Context, period string, limit int) ([]TrendDataPoint, error) {
	var days int
	switch period {
	case "week":
		days = 7
	case "month", "":
		days = 30
	case "quarter":
		days = 90
	default:
		return nil, validationError("unknown trend period", "period", period)
	}

	dateExpr := ds.GetDateFormat()
	var queryStr string
	switch ds.DB.Dialector.Name() {
	case "sqlite", "sqlite3":
		queryStr = fmt.Sprintf(`
			SELECT %s as date, COUNT(*) as count
			FROM predictions
			WHERE created_at >= datetime('now', '-%d days')
			GROUP BY date
			ORDER BY date DESC`, dateExpr, days)
	case "mysql":
		queryStr = fmt.Sprintf(`
			SELECT %s as date, COUNT(*) as count
			FROM predictions
			WHERE created_at >= DATE_SUB(NOW(), INTERVAL %d DAY)
			GROUP BY date
			ORDER BY date DESC`, dateExpr, days)
	default:
		return nil, validationError("unsupported dialect for trends", "dialect", ds.DB.Dialector.Name())
	}
	if limit > 0 {
		queryStr += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := ds.DB.WithContext(ctx).Raw(queryStr).Rows()
	if err != nil {
		return nil, dbError(err, "get_prediction_trends", "", "period", period)
	}
	defer rows.Close()

	var trends []TrendDataPoint
	for rows.Next() {
		var point TrendDataPoint
		if err := rows.Scan(&point.Date, &point.Count); err != nil {
			return nil, dbError(err, "get_prediction_trends", "", "step", "scan")
		}
		trends = append(trends, point)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "get_prediction_trends", "", "step", "iterate")
	}
	return trends, nil
}

// GetDashboardSummary gathers the overview counters in one pass.
func (ds *DataStore) GetDashboardSummary(ctx context.Context) (DashboardSummary, error) {
	db := ds.DB.WithContext(ctx)
	summary := DashboardSummary{TodayByLabel: make(map[string]int64)}

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if err := db.Model(&Patient{}).Count(&summary.ActivePatients).Error; err != nil {
		return DashboardSummary{}, dbError(err, "dashboard_summary", "", "counter", "patients")
	}
	if err := db.Model(&XRayImage{}).Count(&summary.TotalImages).Error; err != nil {
		return DashboardSummary{}, dbError(err, "dashboard_summary", "", "counter", "images")
	}

	statusCounts := []struct {
		Status string
		Count  int64
	}{}
	if err := db.Model(&XRayImage{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return DashboardSummary{}, dbError(err, "dashboard_summary", "", "counter", "image_status")
	}
	for _, sc := range statusCounts {
		switch sc.Status {
		case ImageStatusPending:
			summary.PendingImages = sc.Count
		case ImageStatusProcessing:
			summary.ProcessingImages = sc.Count
		case ImageStatusDiagnosed:
			summary.DiagnosedImages = sc.Count
		case ImageStatusFailed:
			summary.FailedImages = sc.Count
		}
	}

	if err := db.Model(&Prediction{}).
		Where("created_at >= ?", startOfDay).
		Count(&summary.PredictionsToday).Error; err != nil {
		return DashboardSummary{}, dbError(err, "dashboard_summary", "", "counter", "predictions_today")
	}

	labelCounts := []struct {
		Label string
		Count int64
	}{}
	if err := db.Model(&Prediction{}).
		Select("label, COUNT(*) as count").
		Where("created_at >= ?", startOfDay).
		Group("label").
		Scan(&labelCounts).Error; err != nil {
		return DashboardSummary{}, dbError(err, "dashboard_summary", "", "counter", "labels_today")
	}
	for _, lc := range labelCounts {
		summary.TodayByLabel[lc.Label] = lc.Count
	}

	if err := db.Model(&Prediction{}).
		Where("needs_review = ?", true).
		Count(&summary.NeedingReview).Error; err != nil {
		return DashboardSummary{}, dbError(err, "dashboard_summary", "", "counter", "needing_review")
	}

	endOfDay := startOfDay.Add(24 * time.Hour)
	if err := db.Model(&Appointment{}).
		Where("scheduled_at >= ? AND scheduled_at < ?", startOfDay, endOfDay).
		Count(&summary.AppointmentsToday).Error; err != nil {
		return DashboardSummary{}, dbError(err, "dashboard_summary", "", "counter", "appointments_today")
	}

	if err := db.Model(&BatchUploadJob{}).
		Where("status IN ?", []string{BatchStatusPending, BatchStatusProcessing}).
		Count(&summary.ActiveBatchJobs).Error; err != nil {
		return DashboardSummary{}, dbError(err, "dashboard_summary", "", "counter", "batch_jobs")
	}

	return summary, nil
}
