package server

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vesselproject/relay/internal/apex"
	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
	"github.com/vesselproject/relay/internal/ratelimit"
)

// Read proxies: validated, rate-limited, attribution-logged pass-throughs
// to the apex API. Responses are forwarded verbatim with their status.

func (rl *Relay) handleWalletStatus(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	requester := rl.requester(r)

	if !identity.Whitelisted(worker) {
		rl.log.Event("WALLET_STATUS_REJECTED", audit.Details{"reason": "invalid_agent", "worker": clip(worker, 50)})
		writeError(w, http.StatusForbidden, "Worker not in whitelist")
		return
	}
	if !rl.checkRate(w, attribution(requester, worker), ratelimit.Read, "WALLET_STATUS") {
		return
	}
	if !rl.authorizeRead(w, requester, worker, "WALLET_STATUS") {
		return
	}
	if !rl.requireApexToken(w) {
		return
	}

	rl.log.Event("WALLET_STATUS", audit.Details{"worker": worker, "requester": attribution(requester, worker)})
	rl.proxyGet(w, r, "/api/agent-wallet/status/"+worker, nil, apex.StatusTimeout, "WALLET_STATUS_ERROR")
}

func (rl *Relay) handleTransactions(w http.ResponseWriter, r *http.Request) {
	worker := mux.Vars(r)["worker"]
	requester := rl.requester(r)

	if !identity.Whitelisted(worker) {
		rl.log.Event("TRANSACTIONS_REJECTED", audit.Details{"reason": "invalid_agent", "worker": clip(worker, 50)})
		writeError(w, http.StatusForbidden, "Worker not in whitelist")
		return
	}
	if !rl.checkRate(w, attribution(requester, worker), ratelimit.Read, "TRANSACTIONS") {
		return
	}
	if !rl.authorizeRead(w, requester, worker, "TRANSACTIONS") {
		return
	}
	if !rl.requireApexToken(w) {
		return
	}

	limit := clampQueryInt(r, "limit", 20, 1, 100)
	rl.log.Event("TRANSACTIONS", audit.Details{
		"worker": worker, "requester": attribution(requester, worker), "limit": limit,
	})
	rl.proxyGet(w, r, "/api/agent-wallet/transactions/"+worker,
		url.Values{"limit": {strconv.Itoa(limit)}}, apex.StatusTimeout, "TRANSACTIONS_ERROR")
}

// --- Market data feeds ---

func (rl *Relay) handleFeedTelegram(w http.ResponseWriter, r *http.Request) {
	if !rl.requireApexToken(w) {
		return
	}
	limit := clampQueryInt(r, "limit", 50, 1, 200)
	rl.log.Event("FEED_TELEGRAM", audit.Details{"limit": limit, "requester": rl.requester(r)})
	rl.proxyGet(w, r, "/api/telegram/feed",
		url.Values{"limit": {strconv.Itoa(limit)}}, apex.FeedTimeout, "FEED_TELEGRAM_ERROR")
}

func (rl *Relay) handleFeedGraduating(w http.ResponseWriter, r *http.Request) {
	if !rl.requireApexToken(w) {
		return
	}
	limit := clampQueryInt(r, "limit", 30, 1, 100)
	rl.log.Event("FEED_GRADUATING", audit.Details{"limit": limit, "requester": rl.requester(r)})
	rl.proxyGet(w, r, "/api/swarm/graduating",
		url.Values{"limit": {strconv.Itoa(limit)}}, apex.FeedTimeout, "FEED_GRADUATING_ERROR")
}

func (rl *Relay) handleFeedLaunches(w http.ResponseWriter, r *http.Request) {
	if !rl.requireApexToken(w) {
		return
	}
	limit := clampQueryInt(r, "limit", 30, 1, 100)
	rl.log.Event("FEED_LAUNCHES", audit.Details{"limit": limit, "requester": rl.requester(r)})
	rl.proxyGet(w, r, "/api/swarm/launches",
		url.Values{"limit": {strconv.Itoa(limit)}}, apex.FeedTimeout, "FEED_LAUNCHES_ERROR")
}

// --- Content pipeline ---

func (rl *Relay) handleContentScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DaysBack int `json:"days_back"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DaysBack <= 0 {
		req.DaysBack = 7
	}
	if !rl.requireApexToken(w) {
		return
	}

	rl.log.Event("CONTENT_SCAN", audit.Details{"days_back": req.DaysBack})
	resp, err := rl.proxyPost(r.Context(), "/api/content/scan",
		map[string]int{"days_back": req.DaysBack}, apex.SellTimeout)
	if err != nil {
		rl.log.Event("CONTENT_SCAN_ERROR", audit.Details{"error": err.Error()})
		writeError(w, http.StatusBadGateway, "Apex API unreachable: "+err.Error())
		return
	}
	writeUpstream(w, resp)
}

func (rl *Relay) handleContentLessons(w http.ResponseWriter, r *http.Request) {
	if !rl.requireApexToken(w) {
		return
	}
	limit := clampQueryInt(r, "limit", 50, 1, 200)
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if category := r.URL.Query().Get("category"); category != "" {
		query.Set("category", category)
	}
	rl.log.Event("CONTENT_LESSONS", audit.Details{"category": query.Get("category"), "limit": limit})
	rl.proxyGet(w, r, "/api/content/lessons", query, apex.FeedTimeout, "CONTENT_LESSONS_ERROR")
}

func (rl *Relay) handleContentSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LessonID string `json:"lesson_id"`
		Content  string `json:"content"`
		Platform string `json:"platform"`
		Author   string `json:"author_agent"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Platform == "" {
		req.Platform = "twitter"
	}
	if req.Author == "" {
		req.Author = "unknown"
	}
	if len(req.Content) > 2000 {
		writeError(w, http.StatusBadRequest, "Content too long (max 2000 chars)")
		return
	}
	if !rl.requireApexToken(w) {
		return
	}

	rl.log.Event("CONTENT_SUBMIT", audit.Details{
		"lesson_id": req.LessonID, "platform": req.Platform,
		"author": req.Author, "requester": rl.requester(r),
	})
	resp, err := rl.proxyPost(r.Context(), "/api/content/drafts", map[string]string{
		"lesson_id": req.LessonID, "content": req.Content,
		"platform": req.Platform, "author_agent": req.Author,
	}, apex.FeedTimeout)
	if err != nil {
		rl.log.Event("CONTENT_SUBMIT_ERROR", audit.Details{"error": err.Error()})
		writeError(w, http.StatusBadGateway, "Apex API unreachable: "+err.Error())
		return
	}
	writeUpstream(w, resp)
}

func (rl *Relay) handleContentQueue(w http.ResponseWriter, r *http.Request) {
	if !rl.requireApexToken(w) {
		return
	}
	rl.log.Event("CONTENT_QUEUE", audit.Details{})
	rl.proxyGet(w, r, "/api/content/queue", nil, apex.FeedTimeout, "CONTENT_QUEUE_ERROR")
}

// proxyGet forwards one read to the apex API, answering 502 when the
// upstream is unreachable.
func (rl *Relay) proxyGet(w http.ResponseWriter, r *http.Request, path string, query url.Values, timeout time.Duration, errAction string) {
	start := time.Now()
	resp, err := rl.apex.Get(r.Context(), path, query, timeout)
	if err != nil {
		rl.log.Event(errAction, audit.Details{"error": err.Error()})
		writeError(w, http.StatusBadGateway, "Apex API unreachable: "+err.Error())
		return
	}
	rl.metrics.RecordProxy(path, resp.StatusCode, time.Since(start).Seconds())
	writeUpstream(w, resp)
}
