package protection

import (
	"fmt"
	"net/http"
	"time"
)

// Preflight is the startup health report: can the agent reach its backend and
// its privileged helper, and is the local clock close enough for signed
// request timestamps to validate.
type Preflight struct {
	BackendReachable bool     `json:"backend_reachable"`
	HelperReachable  bool     `json:"helper_reachable"`
	ClockDriftS      int      `json:"clock_drift_seconds"`
	Healthy          bool     `json:"healthy"`
	Issues           []string `json:"issues,omitempty"`
}

// RunPreflight probes the backend and helper health endpoints. Clock drift is
// estimated from the backend's Date header; past maxDriftS the agent's signed
// requests start failing server-side freshness checks, so it is flagged here.
func RunPreflight(backendURL, helperURL string, maxDriftS int) *Preflight {
	status := &Preflight{Healthy: true}
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(backendURL + "/v1/health")
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach backend: %v", err))
	} else {
		status.BackendReachable = resp.StatusCode == http.StatusOK
		if !status.BackendReachable {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("backend unhealthy: %d", resp.StatusCode))
		}
		if date := resp.Header.Get("Date"); date != "" {
			if serverTime, perr := http.ParseTime(date); perr == nil {
				drift := int(time.Since(serverTime).Seconds())
				if drift < 0 {
					drift = -drift
				}
				status.ClockDriftS = drift
				if maxDriftS > 0 && drift > maxDriftS {
					status.Healthy = false
					status.Issues = append(status.Issues,
						fmt.Sprintf("clock drift %ds exceeds max %ds", drift, maxDriftS))
				}
			}
		}
		resp.Body.Close()
	}

	if helperURL != "" {
		hresp, herr := client.Get(helperURL + "/v1/health")
		if herr != nil {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("cannot reach privileged helper: %v", herr))
		} else {
			hresp.Body.Close()
			status.HelperReachable = hresp.StatusCode == http.StatusOK
			if !status.HelperReachable {
				status.Healthy = false
				status.Issues = append(status.Issues, fmt.Sprintf("helper unhealthy: %d", hresp.StatusCode))
			}
		}
	}

	return status
}
