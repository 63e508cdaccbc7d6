package runner

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
)

// ──────────────────────────────────────────────────
// backup-config
// ──────────────────────────────────────────────────

// devices accepts a list or a newline separated string.
func devices(inputs map[string]any) []string {
	switch v := inputs["devices"].(type) {
	case string:
		var out []string
		for _, line := range strings.Split(v, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, d := range v {
			out = append(out, fmt.Sprint(d))
		}
		return out
	case []string:
		return v
	}
	return nil
}

func stringInput(inputs map[string]any, key, def string) string {
	if s, ok := inputs[key].(string); ok {
		return s
	}
	return def
}

func numberInput(inputs map[string]any, key string, def float64) float64 {
	switch v := inputs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func boolInput(inputs map[string]any, key string, def bool) bool {
	if b, ok := inputs[key].(bool); ok {
		return b
	}
	return def
}

func report(ctx context.Context, progress Progress, pct float64, msg string) {
	if progress != nil {
		progress(ctx, pct, msg)
	}
}

func backupConfigV1(sleep SleepFunc) TaskFunc {
	return func(ctx context.Context, inputs map[string]any, progress Progress) (any, error) {
		devs := devices(inputs)
		report(ctx, progress, 20, "Starting backup configuration")
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, err
		}
		report(ctx, progress, 60, "Processing backup settings")
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, err
		}
		result := map[string]any{
			"ok":      true,
			"count":   len(devs),
			"bucket":  stringInput(inputs, "bucket", ""),
			"version": "1.0.0",
		}
		report(ctx, progress, 100, "Backup configuration completed")
		return result, nil
	}
}

func backupConfigV2(sleep SleepFunc) TaskFunc {
	return func(ctx context.Context, inputs map[string]any, progress Progress) (any, error) {
		report(ctx, progress, 10, "Validating input parameters")

		bucket := stringInput(inputs, "bucket", "")
		if bucket == "" {
			return nil, errors.New("bucket name is required for backup configuration")
		}
		devs := devices(inputs)
		if len(devs) == 0 {
			return nil, errors.New("at least one device must be specified")
		}

		report(ctx, progress, 25, fmt.Sprintf("Validation complete. Processing %d devices", len(devs)))
		processed := make([]string, 0, len(devs))
		for i, d := range devs {
			if err := sleep(ctx, 200*time.Millisecond); err != nil {
				return nil, err
			}
			processed = append(processed, d)
			pct := 25 + math.Floor(float64(i+1)/float64(len(devs))*65)
			report(ctx, progress, pct, fmt.Sprintf("Processed device %d/%d: %s", i+1, len(devs), d))
		}

		report(ctx, progress, 95, "Finalizing backup configuration")
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, err
		}
		result := map[string]any{
			"ok":                    true,
			"count":                 len(devs),
			"bucket":                bucket,
			"version":               "2.0.0",
			"prefix":                stringInput(inputs, "prefix", ""),
			"processed_devices":     processed,
			"backup_config_created": true,
		}
		report(ctx, progress, 100, "Backup configuration completed successfully")
		return result, nil
	}
}

// ──────────────────────────────────────────────────
// system-health-check
// ──────────────────────────────────────────────────

var perfTests = []struct {
	name     string
	unit     string
	min, max float64
}{
	{"cpu_usage", "%", 10, 80},
	{"memory_usage", "%", 30, 85},
	{"disk_io", "MB/s", 100, 1000},
	{"network_latency", "ms", 1, 50},
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func systemHealthCheck(sleep SleepFunc, random func() float64) TaskFunc {
	if random == nil {
		random = rand.Float64
	}
	uniform := func(lo, hi float64) float64 { return lo + random()*(hi-lo) }

	return func(ctx context.Context, inputs map[string]any, progress Progress) (any, error) {
		var services []string
		if list, ok := inputs["services"].([]any); ok {
			for _, s := range list {
				services = append(services, fmt.Sprint(s))
			}
		}
		if len(services) == 0 {
			return nil, errors.New("at least one service must be selected for health check")
		}
		timeout := numberInput(inputs, "timeout", 30)
		if timeout < 5 || timeout > 300 {
			return nil, errors.New("timeout must be between 5 and 300 seconds")
		}
		includePerf := boolInput(inputs, "includePerformance", false)
		threshold := numberInput(inputs, "alertThreshold", 20)

		report(ctx, progress, 2, "Initializing system health check")
		report(ctx, progress, 5, fmt.Sprintf("Starting health checks for %d services", len(services)))

		serviceResults := make(map[string]any, len(services))
		healthy := 0
		step := 65 / float64(len(services))
		for i, svc := range services {
			report(ctx, progress, 5+math.Floor(float64(i)*step), fmt.Sprintf("Checking %s service health", svc))
			if err := sleep(ctx, time.Duration(uniform(100, 500))*time.Millisecond); err != nil {
				return nil, err
			}
			ok := random() > 0.1
			state, detail := "UNHEALTHY", "experiencing issues"
			if ok {
				healthy++
				state, detail = "HEALTHY", "operational"
			}
			serviceResults[svc] = map[string]any{
				"status":           state,
				"response_time_ms": round2(uniform(10, 200)),
				"checked_at":       time.Now().UTC().Format(time.RFC3339),
				"details":          fmt.Sprintf("%s service is %s", capitalize(svc), detail),
			}
		}

		perfResults := map[string]any{}
		if includePerf {
			report(ctx, progress, 70, "Running performance benchmarks")
			for i, pt := range perfTests {
				report(ctx, progress, 70+float64(i*5), "Running "+strings.ReplaceAll(pt.name, "_", " ")+" test")
				if err := sleep(ctx, 200*time.Millisecond); err != nil {
					return nil, err
				}
				v := uniform(pt.min, pt.max)
				grade := "CRITICAL"
				switch {
				case v < 70:
					grade = "GOOD"
				case v < 90:
					grade = "WARNING"
				}
				perfResults[pt.name] = map[string]any{"value": round2(v), "unit": pt.unit, "status": grade}
			}
		}

		report(ctx, progress, 90, "Analyzing results and generating report")
		if err := sleep(ctx, 200*time.Millisecond); err != nil {
			return nil, err
		}

		unhealthyPct := 100 - float64(healthy)/float64(len(services))*100
		overall, msg := "HEALTHY", "All services are healthy"
		switch {
		case unhealthyPct == 0:
		case unhealthyPct <= threshold:
			overall = "WARNING"
			msg = fmt.Sprintf("%.1f%% of services are unhealthy (below %g%% threshold)", unhealthyPct, threshold)
		default:
			overall = "CRITICAL"
			msg = fmt.Sprintf("%.1f%% of services are unhealthy (exceeds %g%% threshold)", unhealthyPct, threshold)
		}

		report(ctx, progress, 95, "Generating final report")
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, err
		}
		report(ctx, progress, 100, "Health check completed - Status: "+overall)

		return map[string]any{
			"overall_status":      overall,
			"services_checked":    len(services),
			"services_healthy":    healthy,
			"services_unhealthy":  len(services) - healthy,
			"performance_tests":   includePerf,
			"alert_threshold":     threshold,
			"service_results":     serviceResults,
			"performance_results": perfResults,
			"summary": fmt.Sprintf("Health check complete: %d/%d services healthy. %s",
				healthy, len(services), msg),
		}, nil
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// ──────────────────────────────────────────────────
// user-registration
// ──────────────────────────────────────────────────

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailRe    = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)
)

type regStep struct {
	pct   float64
	msg   string
	pause time.Duration
}

func userRegistration(sleep SleepFunc) TaskFunc {
	return func(ctx context.Context, inputs map[string]any, progress Progress) (any, error) {
		username := strings.TrimSpace(stringInput(inputs, "username", ""))
		email := strings.TrimSpace(stringInput(inputs, "email", ""))
		switch {
		case username == "":
			return nil, errors.New("username is required")
		case !usernameRe.MatchString(username):
			return nil, errors.New("username can only contain letters, numbers, and underscores")
		case email == "":
			return nil, errors.New("email is required")
		case !emailRe.MatchString(email):
			return nil, errors.New("invalid email format")
		}
		role := stringInput(inputs, "role", "user")
		sendWelcome := boolInput(inputs, "sendWelcomeEmail", true)

		welcome := regStep{85, "Skipping welcome email", 0}
		if sendWelcome {
			welcome = regStep{85, "Sending welcome email", 200 * time.Millisecond}
		}
		steps := []regStep{
			{5, "Starting user registration process", 0},
			{15, "Checking username and email availability", 300 * time.Millisecond},
			{35, "Creating user profile", 400 * time.Millisecond},
			{55, fmt.Sprintf("Setting up %s permissions", role), 200 * time.Millisecond},
			{70, "Creating user directory and workspace", 300 * time.Millisecond},
			welcome,
			{95, "Finalizing user registration", 100 * time.Millisecond},
		}

		for _, s := range steps {
			report(ctx, progress, s.pct, s.msg)
			if s.pause > 0 {
				if err := sleep(ctx, s.pause); err != nil {
					return nil, err
				}
			}
		}

		h := fnv.New32a()
		h.Write([]byte(email)) //nolint:errcheck // hash writes never fail
		userID := fmt.Sprintf("user_%s_%d", username, h.Sum32()%10000)

		report(ctx, progress, 100, fmt.Sprintf("User %s registered successfully", username))
		return map[string]any{
			"success":            true,
			"user_id":            userID,
			"username":           username,
			"email":              email,
			"full_name":          stringInput(inputs, "fullName", ""),
			"department":         stringInput(inputs, "department", ""),
			"role":               role,
			"welcome_email_sent": sendWelcome,
			"profile_url":        "/users/" + userID,
			"created_at":         time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}
