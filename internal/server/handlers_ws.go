package server

import (
	"net/http"
	"strconv"

	"github.com/ethdenver2026/consensus-gateway/internal/apierror"
	"github.com/ethdenver2026/consensus-gateway/internal/domain"
	"github.com/ethdenver2026/consensus-gateway/internal/payment"
	"github.com/ethdenver2026/consensus-gateway/internal/session"
)

const wsResource = "/ws"

// handleWSIssue runs Phase A of WebSocket session bootstrap: price the
// requested model/budget, clear payment, and mint a SessionToken.
func (s *server) handleWSIssue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model := domain.SessionModel(q.Get("model"))
	minutes, _ := strconv.ParseFloat(q.Get("minutes"), 64)
	megabytes, _ := strconv.ParseFloat(q.Get("megabytes"), 64)

	cost, err := session.CalculateCost(model, minutes, megabytes)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, err.Error()))
		return
	}

	charge := payment.Charge{
		Resource:    wsResource,
		Amount:      cost,
		Description: "websocket session: " + string(model),
		MimeType:    "application/json",
	}

	if s.deps.PaymentGate.Enabled() {
		sig := r.Header.Get(payment.PaymentSignatureHeader)
		if sig == "" {
			recordChallenge(s.deps.Metrics, charge.Resource)
			s.deps.PaymentGate.Send402(w, charge, "payment required to open a session")
			return
		}
		if _, err := s.deps.PaymentGate.VerifyAndSettle(r.Context(), sig, charge); err != nil {
			recordVerifyFailure(s.deps.Metrics, "")
			apierror.Write(w, apierror.New(apierror.PaymentVerifyFailed, err.Error()))
			return
		}
	}

	resp, err := s.deps.Sessions.Issue(s.deps.GatewayURL+"/ws-connect", model, minutes, megabytes)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.BadRequest, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
