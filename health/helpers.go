package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// Aggregate combines sub-statuses, the worst one winning: any unhealthy makes
// the aggregate unhealthy, otherwise any degraded makes it degraded. The
// message names the parts that are not healthy.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "nothing monitored")
	}

	var unhealthy, degraded []string
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			unhealthy = append(unhealthy, sub.Component)
		case sub.IsDegraded():
			degraded = append(degraded, sub.Component)
		}
	}

	var problems []string
	if len(unhealthy) > 0 {
		problems = append(problems, "unhealthy: "+strings.Join(unhealthy, ", "))
	}
	if len(degraded) > 0 {
		problems = append(problems, "degraded: "+strings.Join(degraded, ", "))
	}
	message := strings.Join(problems, "; ")

	var status Status
	switch {
	case len(unhealthy) > 0:
		status = NewUnhealthy(component, message)
	case len(degraded) > 0:
		status = NewDegraded(component, message)
	default:
		status = NewHealthy(component, fmt.Sprintf("%d parts healthy", len(subStatuses)))
	}
	status.SubStatuses = append([]Status(nil), subStatuses...)
	return status
}

// Handler serves the status returned by check as JSON. Unhealthy maps to 503;
// degraded still answers 200 since the bus keeps serving traffic.
func Handler(check func() Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := check()
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
