package jobs

import (
	"strings"
)

// ParseRoute extracts the job ID and optional action from a path like
// /api/jobs/{id} or /api/jobs/{id}/{action}. apiPrefix should carry its
// trailing slash, e.g. "/api/jobs/".
func ParseRoute(p, apiPrefix string) (jobID, action string, ok bool) {
	if !strings.HasPrefix(p, apiPrefix) {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(p, apiPrefix), "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		return "", "", false
	}
	jobID = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return jobID, action, true
}
