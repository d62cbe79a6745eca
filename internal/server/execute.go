package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vesselproject/relay/internal/apex"
	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
	"github.com/vesselproject/relay/internal/ratelimit"
)

// The four trade proxies are the only write paths from workers to the apex
// API. Each one validates, rate-limits, authorizes, gate-checks, audits,
// and only then forwards.

// Pointer fields distinguish "omitted" (defaulted) from an explicit zero,
// which must be rejected by the bounds checks.
type buyRequest struct {
	TokenMint   string  `json:"token_mint"`
	AmountSOL   float64 `json:"amount_sol"`
	SlippageBPS *int    `json:"slippage_bps"`
	Worker      string  `json:"agent_name"`
}

type sellRequest struct {
	TokenMint   string   `json:"token_mint"`
	Percent     *float64 `json:"percent"`
	SlippageBPS *int     `json:"slippage_bps"`
	Worker      string   `json:"agent_name"`
}

type transferRequest struct {
	TokenMint string   `json:"token_mint"`
	ToWorker  string   `json:"to_agent"`
	Amount    *float64 `json:"amount"`
	Percent   *int     `json:"percent"`
	Worker    string   `json:"from_agent"`
}

type transferSOLRequest struct {
	Worker    string   `json:"from_agent"`
	ToWorker  string   `json:"to_agent"`
	AmountSOL *float64 `json:"amount_sol"`
}

type notifyRequest struct {
	Title   string `json:"title"`
	Details string `json:"details"`
	TxHash  string `json:"tx_hash"`
}

func (rl *Relay) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	slippage := 75
	if req.SlippageBPS != nil {
		slippage = *req.SlippageBPS
	}
	requester := rl.requester(r)

	if !identity.Whitelisted(req.Worker) {
		rl.log.Event("BUY_REJECTED", audit.Details{"reason": "invalid_agent", "worker": clip(req.Worker, 50)})
		writeError(w, http.StatusForbidden, "Worker not in whitelist")
		return
	}
	if !validMint(req.TokenMint) {
		rl.log.Event("BUY_REJECTED", audit.Details{"reason": "invalid_mint", "worker": req.Worker, "mint": clip(req.TokenMint, 20)})
		writeError(w, http.StatusBadRequest, "Invalid token mint address")
		return
	}
	if !(req.AmountSOL > 0 && req.AmountSOL <= 1.0) {
		rl.log.Event("BUY_REJECTED", audit.Details{"reason": "invalid_amount", "worker": req.Worker, "amount": req.AmountSOL})
		writeError(w, http.StatusBadRequest, "amount_sol must be between 0 and 1.0 SOL")
		return
	}
	if !validSlippage(slippage) {
		rl.log.Event("BUY_REJECTED", audit.Details{"reason": "invalid_slippage", "worker": req.Worker, "slippage": slippage})
		writeError(w, http.StatusBadRequest, "Slippage must be between 1 and 500 bps")
		return
	}
	if !rl.requireApexToken(w) {
		return
	}
	if !rl.checkRate(w, req.Worker, ratelimit.Trade, "BUY") {
		return
	}
	if !rl.authorizeWrite(w, requester, req.Worker, "BUY") {
		return
	}
	if !rl.checkGate(w, r, req.Worker, "BUY", requester) {
		return
	}

	rl.log.Event("BUY_REQUESTED", audit.Details{
		"worker": req.Worker, "requester": attribution(requester, req.Worker),
		"token_mint": req.TokenMint, "amount_sol": req.AmountSOL, "slippage_bps": slippage,
	})

	resp, err := rl.proxyPost(r.Context(), "/api/agent-wallet/buy/"+req.Worker, map[string]interface{}{
		"token_mint": req.TokenMint, "amount_sol": req.AmountSOL, "slippage_bps": slippage,
	}, apex.BuyTimeout)
	if err != nil {
		rl.log.Event("BUY_ERROR", audit.Details{"worker": req.Worker, "error": err.Error()})
		writeError(w, http.StatusBadGateway, "Apex API unreachable: "+err.Error())
		return
	}

	rl.log.Event("BUY_RESULT", audit.Details{
		"worker": req.Worker, "status_code": resp.StatusCode,
		"signature": signatureOf(resp),
	})
	writeUpstream(w, resp)
}

func (rl *Relay) handleSell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if !decodeBody(w, r, &req) {
		return
	}
	percent := 100.0
	if req.Percent != nil {
		percent = *req.Percent
	}
	slippage := 75
	if req.SlippageBPS != nil {
		slippage = *req.SlippageBPS
	}
	requester := rl.requester(r)

	if !identity.Whitelisted(req.Worker) {
		rl.log.Event("SELL_REJECTED", audit.Details{"reason": "invalid_agent", "worker": clip(req.Worker, 50)})
		writeError(w, http.StatusForbidden, "Worker not in whitelist")
		return
	}
	if !validMint(req.TokenMint) {
		rl.log.Event("SELL_REJECTED", audit.Details{"reason": "invalid_mint", "worker": req.Worker, "mint": clip(req.TokenMint, 20)})
		writeError(w, http.StatusBadRequest, "Invalid token mint address")
		return
	}
	if !(percent > 0 && percent <= 100) {
		rl.log.Event("SELL_REJECTED", audit.Details{"reason": "invalid_percent", "worker": req.Worker, "percent": percent})
		writeError(w, http.StatusBadRequest, "Percent must be between 0 and 100")
		return
	}
	if !validSlippage(slippage) {
		rl.log.Event("SELL_REJECTED", audit.Details{"reason": "invalid_slippage", "worker": req.Worker, "slippage": slippage})
		writeError(w, http.StatusBadRequest, "Slippage must be between 1 and 500 bps")
		return
	}
	if !rl.requireApexToken(w) {
		return
	}
	if !rl.checkRate(w, req.Worker, ratelimit.Trade, "SELL") {
		return
	}
	if !rl.authorizeWrite(w, requester, req.Worker, "SELL") {
		return
	}
	if !rl.checkGate(w, r, req.Worker, "SELL", requester) {
		return
	}

	rl.log.Event("SELL_REQUESTED", audit.Details{
		"worker": req.Worker, "requester": attribution(requester, req.Worker),
		"token_mint": req.TokenMint, "percent": percent, "slippage_bps": slippage,
	})

	resp, err := rl.proxyPost(r.Context(), "/api/agent-wallet/sell/"+req.Worker, map[string]interface{}{
		"token_mint": req.TokenMint, "percent": percent, "slippage_bps": slippage,
	}, apex.SellTimeout)
	if err != nil {
		rl.log.Event("SELL_ERROR", audit.Details{"worker": req.Worker, "error": err.Error()})
		writeError(w, http.StatusBadGateway, "Apex API unreachable: "+err.Error())
		return
	}

	rl.log.Event("SELL_RESULT", audit.Details{
		"worker": req.Worker, "status_code": resp.StatusCode,
		"signature": signatureOf(resp),
	})

	// A confirmed sell kicks off the capital-flow engine in the background.
	// Its failures never reach this request.
	if resp.OK() {
		if body := resp.JSON(); body["success"] == true {
			go rl.capital.AfterSell(context.Background(), req.Worker, percent)
		}
	}
	writeUpstream(w, resp)
}

func (rl *Relay) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	percent := 100
	if req.Percent != nil {
		percent = *req.Percent
	}
	requester := rl.requester(r)

	if !identity.Whitelisted(req.Worker) {
		rl.log.Event("TRANSFER_REJECTED", audit.Details{"reason": "invalid_from_agent", "worker": clip(req.Worker, 50)})
		writeError(w, http.StatusForbidden, "Sender not in whitelist")
		return
	}
	if !identity.Whitelisted(req.ToWorker) {
		rl.log.Event("TRANSFER_REJECTED", audit.Details{"reason": "invalid_to_agent", "to": clip(req.ToWorker, 50)})
		writeError(w, http.StatusForbidden, "Recipient not in whitelist")
		return
	}
	if !validMint(req.TokenMint) {
		rl.log.Event("TRANSFER_REJECTED", audit.Details{"reason": "invalid_mint", "worker": req.Worker, "mint": clip(req.TokenMint, 20)})
		writeError(w, http.StatusBadRequest, "Invalid token mint address")
		return
	}
	if percent < 1 || percent > 100 {
		rl.log.Event("TRANSFER_REJECTED", audit.Details{"reason": "invalid_percent", "worker": req.Worker, "percent": percent})
		writeError(w, http.StatusBadRequest, "Percent must be between 1 and 100")
		return
	}
	if req.Amount != nil && *req.Amount <= 0 {
		rl.log.Event("TRANSFER_REJECTED", audit.Details{"reason": "invalid_amount", "worker": req.Worker, "amount": *req.Amount})
		writeError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}
	if !rl.requireApexToken(w) {
		return
	}
	if !rl.checkRate(w, req.Worker, ratelimit.Trade, "TRANSFER") {
		return
	}
	if !rl.authorizeWrite(w, requester, req.Worker, "TRANSFER") {
		return
	}
	if !rl.checkGate(w, r, req.Worker, "TRANSFER", requester) {
		return
	}

	rl.log.Event("TRANSFER_REQUESTED", audit.Details{
		"from": req.Worker, "to": req.ToWorker, "requester": attribution(requester, req.Worker),
		"token_mint": req.TokenMint, "percent": percent, "amount": req.Amount,
	})

	payload := map[string]interface{}{
		"to_agent": req.ToWorker, "token_mint": req.TokenMint, "percent": percent,
	}
	if req.Amount != nil {
		payload["amount"] = *req.Amount
	}
	resp, err := rl.proxyPost(r.Context(), "/api/agent-wallet/transfer/"+req.Worker, payload, apex.TransferTimeout)
	if err != nil {
		rl.log.Event("TRANSFER_ERROR", audit.Details{"from": req.Worker, "to": req.ToWorker, "error": err.Error()})
		writeError(w, http.StatusBadGateway, "Apex API unreachable: "+err.Error())
		return
	}

	rl.log.Event("TRANSFER_RESULT", audit.Details{
		"from": req.Worker, "to": req.ToWorker, "status_code": resp.StatusCode,
		"signature": signatureOf(resp),
	})
	writeUpstream(w, resp)
}

func (rl *Relay) handleTransferSOL(w http.ResponseWriter, r *http.Request) {
	var req transferSOLRequest
	if !decodeBody(w, r, &req) {
		return
	}
	requester := rl.requester(r)

	if !identity.Whitelisted(req.Worker) {
		rl.log.Event("TRANSFER_SOL_REJECTED", audit.Details{"reason": "invalid_from_agent", "worker": clip(req.Worker, 50)})
		writeError(w, http.StatusForbidden, "Sender not in whitelist")
		return
	}
	if !identity.Whitelisted(req.ToWorker) {
		rl.log.Event("TRANSFER_SOL_REJECTED", audit.Details{"reason": "invalid_to_agent", "to": clip(req.ToWorker, 50)})
		writeError(w, http.StatusForbidden, "Recipient not in whitelist")
		return
	}
	if req.AmountSOL != nil && *req.AmountSOL <= 0 {
		writeError(w, http.StatusBadRequest, "amount_sol must be positive")
		return
	}
	if !rl.requireApexToken(w) {
		return
	}
	if !rl.checkRate(w, req.Worker, ratelimit.Trade, "TRANSFER_SOL") {
		return
	}
	if !rl.authorizeWrite(w, requester, req.Worker, "TRANSFER_SOL") {
		return
	}
	if !rl.checkGate(w, r, req.Worker, "TRANSFER_SOL", requester) {
		return
	}

	rl.log.Event("TRANSFER_SOL_REQUESTED", audit.Details{
		"from": req.Worker, "to": req.ToWorker, "amount_sol": req.AmountSOL,
		"requester": attribution(requester, req.Worker),
	})

	payload := map[string]interface{}{"to_agent": req.ToWorker}
	if req.AmountSOL != nil {
		payload["amount_sol"] = *req.AmountSOL
	}
	resp, err := rl.proxyPost(r.Context(), "/api/agent-wallet/transfer-sol/"+req.Worker, payload, apex.TransferTimeout)
	if err != nil {
		rl.log.Event("TRANSFER_SOL_ERROR", audit.Details{"from": req.Worker, "to": req.ToWorker, "error": err.Error()})
		writeError(w, http.StatusBadGateway, "Apex API unreachable: "+err.Error())
		return
	}

	rl.log.Event("TRANSFER_SOL_RESULT", audit.Details{
		"from": req.Worker, "to": req.ToWorker, "status_code": resp.StatusCode,
		"signature": signatureOf(resp),
	})
	writeUpstream(w, resp)
}

// handleNotify sanitizes and relays an operator alert. Title and details
// are length-capped so a compromised worker cannot flood the channel.
func (rl *Relay) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	requester := rl.requester(r)

	title := clip(req.Title, 100)
	details := clip(req.Details, 500)

	rl.log.Event("NOTIFY_REQUESTED", audit.Details{"title": title, "requester": requester})

	message := fmt.Sprintf("**%s**\n\n%s", title, details)
	if req.TxHash != "" {
		message += "\n\nTX: " + clip(req.TxHash, 88)
	}

	if !rl.requireApexToken(w) {
		return
	}
	if err := rl.apex.Notify(r.Context(), rl.cfg.OperatorID, message); err != nil {
		rl.log.Event("NOTIFY_ERROR", audit.Details{"error": err.Error()})
		writeError(w, http.StatusBadGateway, "Notification failed: "+err.Error())
		return
	}
	rl.log.Event("NOTIFY_RESULT", audit.Details{"status": "sent"})
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// proxyPost forwards one write to the apex API and records the round trip.
func (rl *Relay) proxyPost(ctx context.Context, path string, body interface{}, timeout time.Duration) (*apex.Response, error) {
	start := time.Now()
	resp, err := rl.apex.Post(ctx, path, body, timeout)
	if err == nil {
		rl.metrics.RecordProxy(path, resp.StatusCode, time.Since(start).Seconds())
	}
	return resp, err
}

// requireApexToken rejects proxy calls when the upstream token is absent.
func (rl *Relay) requireApexToken(w http.ResponseWriter) bool {
	if rl.apex.Configured() {
		return true
	}
	writeError(w, http.StatusInternalServerError, "Apex API token not configured on relay")
	return false
}

func validSlippage(bps int) bool { return bps >= 1 && bps <= 500 }

func attribution(requester, fallback string) string {
	if requester != "" {
		return requester
	}
	return fallback
}

func signatureOf(resp *apex.Response) string {
	if !resp.OK() {
		return "none"
	}
	if sig, ok := resp.JSON()["signature"].(string); ok && sig != "" {
		return sig
	}
	return "none"
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
