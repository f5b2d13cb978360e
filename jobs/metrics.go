package jobs

import jobmetrics "github.com/fleetdesk/fleetdesk/internal/jobs"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)
