package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"grading-orchestrator/models"
)

// AnomalyStore is the read-only telemetry source for detection passes.
// Implemented by DBService.
type AnomalyStore interface {
	SubmissionEventsSince(ctx context.Context, since time.Time) ([]models.SubmissionEvent, error)
	UploadEventsSince(ctx context.Context, since time.Time) ([]models.UploadEvent, error)
}

// AnomalyConfig holds the detection thresholds. The source material for
// these numbers carries no calibration methodology, so every one of them
// is configurable rather than a hard-coded truth.
type AnomalyConfig struct {
	Window time.Duration

	RapidSubmissionThreshold int     // per (user, challenge) in the window
	FastSolveFloorS          int64   // seconds; perfect scores under this are suspect
	PerfectScoreFloor        float64 // score at or above this counts as perfect
	IdenticalGroupMin        int     // distinct users with an identical tuple
	OffHoursFraction         float64 // fraction of submissions outside normal hours
	DayStartHour             int     // normal-activity window start (inclusive)
	DayEndHour               int     // normal-activity window end (exclusive)
	MinEventsForTiming       int     // per-user minimum before timing is judged
	CoordinatedMinUsers      int     // distinct users in one minute bucket
	HighFrequencyThreshold   int     // total submissions per user in the window

	LargeUploadBytes     int64
	RapidUploadThreshold int
	SuspiciousExtensions []string
	HighBandwidthBytes   int64

	// ConfidenceCap bounds every finding's confidence: findings are
	// heuristic signals, never certainties.
	ConfidenceCap float64
}

// DefaultAnomalyConfig returns the baseline thresholds.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Window:                   24 * time.Hour,
		RapidSubmissionThreshold: 10,
		FastSolveFloorS:          60,
		PerfectScoreFloor:        95,
		IdenticalGroupMin:        3,
		OffHoursFraction:         0.70,
		DayStartHour:             6,
		DayEndHour:               23,
		MinEventsForTiming:       5,
		CoordinatedMinUsers:      5,
		HighFrequencyThreshold:   100,
		LargeUploadBytes:         50 * 1024 * 1024,
		RapidUploadThreshold:     20,
		SuspiciousExtensions:     []string{".exe", ".dll", ".so", ".sh", ".bat"},
		HighBandwidthBytes:       500 * 1024 * 1024,
		ConfidenceCap:            0.95,
	}
}

// AnomalyService runs stateless, read-only detection passes over recent
// telemetry. It never mutates job or user state; it only emits findings
// and recommendations for a human or an enforcement component.
type AnomalyService struct {
	store AnomalyStore
	cfg   AnomalyConfig

	now func() time.Time
}

func NewAnomalyService(store AnomalyStore, cfg AnomalyConfig) *AnomalyService {
	if cfg.ConfidenceCap <= 0 || cfg.ConfidenceCap > 1 {
		cfg.ConfidenceCap = 0.95
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &AnomalyService{store: store, cfg: cfg, now: time.Now}
}

// confidence maps "how far past threshold" to a bounded, monotonically
// increasing score.
func (s *AnomalyService) confidence(base, slope, excess float64) float64 {
	if excess < 0 {
		excess = 0
	}
	c := base + slope*excess
	if c > s.cfg.ConfidenceCap {
		return s.cfg.ConfidenceCap
	}
	return c
}

// DetectNow runs one detection pass over the configured window and
// returns the aggregated report.
func (s *AnomalyService) DetectNow(ctx context.Context) (*models.AnomalyReport, error) {
	end := s.now()
	start := end.Add(-s.cfg.Window)

	subs, err := s.store.SubmissionEventsSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("load submission telemetry: %w", err)
	}
	uploads, err := s.store.UploadEventsSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("load upload telemetry: %w", err)
	}

	findings := s.Detect(subs, uploads)
	report := s.BuildReport(findings)
	report.WindowStart = start
	report.WindowEnd = end
	return report, nil
}

// Detect runs every detector over the same telemetry and unions the
// findings. Pure: no I/O, safe to call from tests with synthetic events.
func (s *AnomalyService) Detect(subs []models.SubmissionEvent, uploads []models.UploadEvent) []models.AnomalyResult {
	var findings []models.AnomalyResult
	findings = append(findings, s.detectRapidSubmissions(subs)...)
	findings = append(findings, s.detectFastPerfectScores(subs)...)
	findings = append(findings, s.detectIdenticalPatterns(subs)...)
	findings = append(findings, s.detectUnusualTiming(subs)...)
	findings = append(findings, s.detectCoordinated(subs)...)
	findings = append(findings, s.detectHighFrequency(subs)...)
	findings = append(findings, s.detectUploadAbuse(uploads)...)
	return findings
}

func (s *AnomalyService) detectRapidSubmissions(subs []models.SubmissionEvent) []models.AnomalyResult {
	type key struct{ user, challenge string }
	counts := make(map[key]int)
	for _, ev := range subs {
		counts[key{ev.UserID, ev.ChallengeID}]++
	}

	var out []models.AnomalyResult
	for k, n := range counts {
		if n <= s.cfg.RapidSubmissionThreshold {
			continue
		}
		excess := float64(n - s.cfg.RapidSubmissionThreshold)
		severity := models.SeverityMedium
		if n >= 2*s.cfg.RapidSubmissionThreshold {
			severity = models.SeverityHigh
		}
		out = append(out, models.AnomalyResult{
			Kind:     models.AnomalyRapidSubmissions,
			Severity: severity,
			Description: fmt.Sprintf("user %s submitted %d times to challenge %s within the window (threshold %d)",
				k.user, n, k.challenge, s.cfg.RapidSubmissionThreshold),
			Subjects:   []string{k.user},
			Confidence: s.confidence(0.5, 0.05, excess),
			Details:    map[string]interface{}{"challenge_id": k.challenge, "count": n},
			DetectedAt: s.now(),
		})
	}
	return out
}

func (s *AnomalyService) detectFastPerfectScores(subs []models.SubmissionEvent) []models.AnomalyResult {
	var out []models.AnomalyResult
	for _, ev := range subs {
		if ev.Score < s.cfg.PerfectScoreFloor || ev.TimeTakenS >= s.cfg.FastSolveFloorS {
			continue
		}
		// Severity escalates as time-to-solve shrinks further below the floor.
		severity := models.SeverityMedium
		switch {
		case ev.TimeTakenS < s.cfg.FastSolveFloorS/4:
			severity = models.SeverityCritical
		case ev.TimeTakenS < s.cfg.FastSolveFloorS/2:
			severity = models.SeverityHigh
		}
		shortfall := 1 - float64(ev.TimeTakenS)/float64(s.cfg.FastSolveFloorS)
		out = append(out, models.AnomalyResult{
			Kind:     models.AnomalyFastPerfectScore,
			Severity: severity,
			Description: fmt.Sprintf("user %s scored %.0f on challenge %s in %ds (floor %ds)",
				ev.UserID, ev.Score, ev.ChallengeID, ev.TimeTakenS, s.cfg.FastSolveFloorS),
			Subjects:   []string{ev.UserID},
			Confidence: s.confidence(0.55, 0.4, shortfall),
			Details:    map[string]interface{}{"job_id": ev.JobID, "time_taken_s": ev.TimeTakenS},
			DetectedAt: s.now(),
		})
	}
	return out
}

func (s *AnomalyService) detectIdenticalPatterns(subs []models.SubmissionEvent) []models.AnomalyResult {
	type key struct {
		challenge string
		score     float64
		timeTaken int64
		attempts  int
		language  string
	}
	groups := make(map[key]map[string]bool) // tuple -> distinct users
	for _, ev := range subs {
		k := key{ev.ChallengeID, ev.Score, ev.TimeTakenS, ev.Attempts, ev.Language}
		if groups[k] == nil {
			groups[k] = make(map[string]bool)
		}
		groups[k][ev.UserID] = true
	}

	var out []models.AnomalyResult
	for k, users := range groups {
		if len(users) < s.cfg.IdenticalGroupMin {
			continue
		}
		subjects := make([]string, 0, len(users))
		for u := range users {
			subjects = append(subjects, u)
		}
		sort.Strings(subjects)

		severity := models.SeverityHigh
		if len(users) >= s.cfg.IdenticalGroupMin+2 {
			severity = models.SeverityCritical
		}
		out = append(out, models.AnomalyResult{
			Kind:     models.AnomalyIdenticalPatterns,
			Severity: severity,
			Description: fmt.Sprintf("%d users share identical (score=%.0f, time=%ds, attempts=%d, language=%s) on challenge %s",
				len(users), k.score, k.timeTaken, k.attempts, k.language, k.challenge),
			Subjects:   subjects,
			Confidence: s.confidence(0.5, 0.1, float64(len(users)-s.cfg.IdenticalGroupMin)+1),
			Details:    map[string]interface{}{"challenge_id": k.challenge, "group_size": len(users)},
			DetectedAt: s.now(),
		})
	}
	return out
}

func (s *AnomalyService) detectUnusualTiming(subs []models.SubmissionEvent) []models.AnomalyResult {
	perUser := make(map[string][]time.Time)
	for _, ev := range subs {
		perUser[ev.UserID] = append(perUser[ev.UserID], ev.SubmittedAt)
	}

	var out []models.AnomalyResult
	for user, times := range perUser {
		if len(times) < s.cfg.MinEventsForTiming {
			continue
		}
		offHours := 0
		for _, t := range times {
			h := t.Hour()
			if h < s.cfg.DayStartHour || h >= s.cfg.DayEndHour {
				offHours++
			}
		}
		fraction := float64(offHours) / float64(len(times))
		if fraction < s.cfg.OffHoursFraction {
			continue
		}
		out = append(out, models.AnomalyResult{
			Kind:     models.AnomalyUnusualTiming,
			Severity: models.SeverityMedium,
			Description: fmt.Sprintf("%.0f%% of user %s's %d submissions fall outside %02d:00-%02d:00",
				fraction*100, user, len(times), s.cfg.DayStartHour, s.cfg.DayEndHour),
			Subjects:   []string{user},
			Confidence: s.confidence(0.3, 0.5, fraction-s.cfg.OffHoursFraction),
			Details:    map[string]interface{}{"off_hours_fraction": fraction},
			DetectedAt: s.now(),
		})
	}
	return out
}

func (s *AnomalyService) detectCoordinated(subs []models.SubmissionEvent) []models.AnomalyResult {
	type bucket struct {
		challenge string
		minute    int64
	}
	buckets := make(map[bucket]map[string]bool)
	for _, ev := range subs {
		b := bucket{ev.ChallengeID, ev.SubmittedAt.Unix() / 60}
		if buckets[b] == nil {
			buckets[b] = make(map[string]bool)
		}
		buckets[b][ev.UserID] = true
	}

	var out []models.AnomalyResult
	for b, users := range buckets {
		if len(users) < s.cfg.CoordinatedMinUsers {
			continue
		}
		subjects := make([]string, 0, len(users))
		for u := range users {
			subjects = append(subjects, u)
		}
		sort.Strings(subjects)

		out = append(out, models.AnomalyResult{
			Kind:     models.AnomalyCoordinated,
			Severity: models.SeverityHigh,
			Description: fmt.Sprintf("%d distinct users hit challenge %s within the same minute",
				len(users), b.challenge),
			Subjects:   subjects,
			Confidence: s.confidence(0.4, 0.1, float64(len(users)-s.cfg.CoordinatedMinUsers)),
			Details:    map[string]interface{}{"challenge_id": b.challenge, "minute": b.minute * 60},
			DetectedAt: s.now(),
		})
	}
	return out
}

func (s *AnomalyService) detectHighFrequency(subs []models.SubmissionEvent) []models.AnomalyResult {
	counts := make(map[string]int)
	for _, ev := range subs {
		counts[ev.UserID]++
	}

	var out []models.AnomalyResult
	for user, n := range counts {
		if n <= s.cfg.HighFrequencyThreshold {
			continue
		}
		out = append(out, models.AnomalyResult{
			Kind:     models.AnomalyHighFrequencyUser,
			Severity: models.SeverityMedium,
			Description: fmt.Sprintf("user %s made %d submissions within the window (threshold %d)",
				user, n, s.cfg.HighFrequencyThreshold),
			Subjects:   []string{user},
			Confidence: s.confidence(0.5, 0.01, float64(n-s.cfg.HighFrequencyThreshold)),
			Details:    map[string]interface{}{"count": n},
			DetectedAt: s.now(),
		})
	}
	return out
}

func (s *AnomalyService) detectUploadAbuse(uploads []models.UploadEvent) []models.AnomalyResult {
	var out []models.AnomalyResult

	perUserCount := make(map[string]int)
	perUserBytes := make(map[string]int64)

	for _, ev := range uploads {
		perUserCount[ev.UserID]++
		perUserBytes[ev.UserID] += ev.SizeBytes

		if ev.SizeBytes > s.cfg.LargeUploadBytes {
			ratio := float64(ev.SizeBytes)/float64(s.cfg.LargeUploadBytes) - 1
			out = append(out, models.AnomalyResult{
				Kind:     models.AnomalyLargeUpload,
				Severity: models.SeverityMedium,
				Description: fmt.Sprintf("user %s uploaded %q (%d bytes, limit %d)",
					ev.UserID, ev.FileName, ev.SizeBytes, s.cfg.LargeUploadBytes),
				Subjects:   []string{ev.UserID},
				Confidence: s.confidence(0.5, 0.2, ratio),
				Details:    map[string]interface{}{"file_name": ev.FileName, "size_bytes": ev.SizeBytes},
				DetectedAt: s.now(),
			})
		}

		lower := strings.ToLower(ev.FileName)
		for _, ext := range s.cfg.SuspiciousExtensions {
			if strings.HasSuffix(lower, ext) {
				out = append(out, models.AnomalyResult{
					Kind:        models.AnomalySuspiciousFileType,
					Severity:    models.SeverityHigh,
					Description: fmt.Sprintf("user %s uploaded file with suspicious extension: %q", ev.UserID, ev.FileName),
					Subjects:    []string{ev.UserID},
					Confidence:  s.cfg.ConfidenceCap,
					Details:     map[string]interface{}{"file_name": ev.FileName},
					DetectedAt:  s.now(),
				})
				break
			}
		}
	}

	for user, n := range perUserCount {
		if n > s.cfg.RapidUploadThreshold {
			out = append(out, models.AnomalyResult{
				Kind:     models.AnomalyRapidUploads,
				Severity: models.SeverityMedium,
				Description: fmt.Sprintf("user %s made %d uploads within the window (threshold %d)",
					user, n, s.cfg.RapidUploadThreshold),
				Subjects:   []string{user},
				Confidence: s.confidence(0.5, 0.02, float64(n-s.cfg.RapidUploadThreshold)),
				Details:    map[string]interface{}{"count": n},
				DetectedAt: s.now(),
			})
		}
	}
	for user, total := range perUserBytes {
		if total > s.cfg.HighBandwidthBytes {
			ratio := float64(total)/float64(s.cfg.HighBandwidthBytes) - 1
			out = append(out, models.AnomalyResult{
				Kind:     models.AnomalyHighBandwidth,
				Severity: models.SeverityHigh,
				Description: fmt.Sprintf("user %s moved %d bytes within the window (threshold %d)",
					user, total, s.cfg.HighBandwidthBytes),
				Subjects:   []string{user},
				Confidence: s.confidence(0.5, 0.25, ratio),
				Details:    map[string]interface{}{"total_bytes": total},
				DetectedAt: s.now(),
			})
		}
	}

	return out
}

// BuildReport aggregates findings into counts by kind and severity and
// derives the fixed recommendation strings. Purely deterministic: the
// same findings always produce the same report.
func (s *AnomalyService) BuildReport(findings []models.AnomalyResult) *models.AnomalyReport {
	report := &models.AnomalyReport{
		GeneratedAt:     s.now(),
		Findings:        findings,
		CountByKind:     make(map[string]int),
		CountBySeverity: make(map[string]int),
	}
	for _, f := range findings {
		report.CountByKind[string(f.Kind)]++
		report.CountBySeverity[f.Severity]++
	}

	if report.CountBySeverity[models.SeverityCritical] > 0 {
		report.Recommendations = append(report.Recommendations,
			"Immediate investigation required: critical findings present")
	}
	if report.CountByKind[string(models.AnomalyIdenticalPatterns)] >= 2 {
		report.Recommendations = append(report.Recommendations,
			"Enable plagiarism check for affected challenges")
	}
	if report.CountByKind[string(models.AnomalyRapidSubmissions)] > 0 ||
		report.CountByKind[string(models.AnomalyHighFrequencyUser)] > 0 {
		report.Recommendations = append(report.Recommendations,
			"Apply rate limiting to flagged users")
	}
	if report.CountByKind[string(models.AnomalyCoordinated)] > 0 {
		report.Recommendations = append(report.Recommendations,
			"Review flagged time windows for coordinated tournament abuse")
	}
	if report.CountByKind[string(models.AnomalyLargeUpload)] > 0 ||
		report.CountByKind[string(models.AnomalyRapidUploads)] > 0 ||
		report.CountByKind[string(models.AnomalyHighBandwidth)] > 0 ||
		report.CountByKind[string(models.AnomalySuspiciousFileType)] > 0 {
		report.Recommendations = append(report.Recommendations,
			"Review upload quotas and file-type restrictions")
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = append(report.Recommendations, "No action required")
	}
	return report
}

// RunDetectionLoop runs periodic passes independent of the dispatch hot
// path.
func (s *AnomalyService) RunDetectionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.DetectNow(ctx)
			if err != nil {
				zap.L().Warn("anomaly detection pass failed", zap.Error(err))
				continue
			}
			if len(report.Findings) > 0 {
				zap.L().Info("anomaly detection pass",
					zap.Int("findings", len(report.Findings)),
					zap.Any("by_severity", report.CountBySeverity))
			}
		}
	}
}
