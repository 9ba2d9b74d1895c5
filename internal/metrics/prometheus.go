package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP tutorgw_uptime_seconds Time since the daemon started\n")
	sb.WriteString("# TYPE tutorgw_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("tutorgw_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE tutorgw_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("tutorgw_requests_total{endpoint=%q} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE tutorgw_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("tutorgw_request_errors_total{endpoint=%q} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE tutorgw_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		if count := snap.RequestsInProgress[endpoint]; count > 0 {
			sb.WriteString(fmt.Sprintf("tutorgw_requests_in_progress{endpoint=%q} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE tutorgw_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("tutorgw_request_duration_ms_total{endpoint=%q} %d\n", endpoint, snap.TotalRequestsDur[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_token_denials_total Requests rejected by the monthly token limit\n")
	sb.WriteString("# TYPE tutorgw_token_denials_total counter\n")
	sb.WriteString(fmt.Sprintf("tutorgw_token_denials_total %d\n", snap.TokenDenials))
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_session_denials_total Sessions rejected by the monthly session limit\n")
	sb.WriteString("# TYPE tutorgw_session_denials_total counter\n")
	sb.WriteString(fmt.Sprintf("tutorgw_session_denials_total %d\n", snap.SessionDenials))
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_duplicate_events_total Usage events ignored by deduplication\n")
	sb.WriteString("# TYPE tutorgw_duplicate_events_total counter\n")
	sb.WriteString(fmt.Sprintf("tutorgw_duplicate_events_total %d\n", snap.DuplicateEvents))
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_input_tokens_total Total input tokens ingested\n")
	sb.WriteString("# TYPE tutorgw_input_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("tutorgw_input_tokens_total %d\n", snap.TotalInputTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_output_tokens_total Total output tokens ingested\n")
	sb.WriteString("# TYPE tutorgw_output_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("tutorgw_output_tokens_total %d\n", snap.TotalOutputTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP tutorgw_tokens_by_model_total Total ingested tokens by model\n")
	sb.WriteString("# TYPE tutorgw_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		sb.WriteString(fmt.Sprintf("tutorgw_tokens_by_model_total{model=%q} %d\n", model, snap.TokensByModel[model]))
	}
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
