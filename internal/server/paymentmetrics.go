package server

import "github.com/ethdenver2026/consensus-gateway/internal/telemetry"

// recordChallenge and recordVerifyFailure centralize the payment-metric
// label scheme so every gated route reports consistently; m may be nil.
func recordChallenge(m *telemetry.Metrics, resource string) {
	if m != nil {
		m.PaymentChallengesIssued.WithLabelValues(resource).Inc()
	}
}

func recordVerifyFailure(m *telemetry.Metrics, network string) {
	if m != nil {
		if network == "" {
			network = "unknown"
		}
		m.PaymentVerifyFailures.WithLabelValues(network).Inc()
	}
}

func recordAdmission(m *telemetry.Metrics, outcome string) {
	if m != nil {
		m.AdmissionAttempts.WithLabelValues(outcome).Inc()
	}
}
