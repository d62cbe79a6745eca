package server

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/vesselproject/relay/internal/audit"
)

// The compliance store is a JSON array file maintained by the counsel
// worker's rulings. Reads tolerate a missing or corrupt file; writes are
// atomic.

type complianceEntry struct {
	Question            string `json:"question"`
	Decision            string `json:"decision"` // COMPLIANT, NOT_COMPLIANT, GRAY_ZONE
	Reasoning           string `json:"reasoning"`
	Jurisdiction        string `json:"jurisdiction"`
	Reference           string `json:"reference"`
	HumanReviewRequired bool   `json:"human_review_required"`
	RequestedBy         string `json:"requested_by"`
	NextAction          string `json:"next_action"`
}

type complianceRecord struct {
	AuditID             string `json:"audit_id"`
	Timestamp           string `json:"timestamp"`
	Question            string `json:"question"`
	Decision            string `json:"decision"`
	Reasoning           string `json:"reasoning"`
	Jurisdiction        string `json:"jurisdiction"`
	Reference           string `json:"reference"`
	HumanReviewRequired bool   `json:"human_review_required"`
	RequestedBy         string `json:"requested_by"`
	NextAction          string `json:"next_action"`
	LoggedBy            string `json:"logged_by"`
}

func (rl *Relay) readComplianceLog() []complianceRecord {
	raw, err := os.ReadFile(rl.cfg.Paths.ComplianceLog)
	if err != nil {
		return nil
	}
	var entries []complianceRecord
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

func (rl *Relay) handleComplianceLog(w http.ResponseWriter, r *http.Request) {
	var entry complianceEntry
	if !decodeBody(w, r, &entry) {
		return
	}
	requester := rl.requester(r)

	if entry.Jurisdiction == "" {
		entry.Jurisdiction = "US"
	}

	now := time.Now().UTC()
	record := complianceRecord{
		AuditID:             "COUNSEL-" + now.Format("20060102") + "-" + now.Format("150405"),
		Timestamp:           now.Format(time.RFC3339),
		Question:            entry.Question,
		Decision:            entry.Decision,
		Reasoning:           entry.Reasoning,
		Jurisdiction:        entry.Jurisdiction,
		Reference:           entry.Reference,
		HumanReviewRequired: entry.HumanReviewRequired,
		RequestedBy:         attribution(entry.RequestedBy, requester),
		NextAction:          entry.NextAction,
		LoggedBy:            requester,
	}

	entries := append(rl.readComplianceLog(), record)
	if err := writeFileAtomic(rl.cfg.Paths.ComplianceLog, entries); err != nil {
		writeError(w, http.StatusInternalServerError, "Could not persist compliance record")
		return
	}

	rl.log.Event("COMPLIANCE_DECISION", audit.Details{
		"audit_id": record.AuditID, "decision": record.Decision,
		"question_preview": clip(record.Question, 100), "logged_by": requester,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "audit_id": record.AuditID, "record": record,
	})
}

func (rl *Relay) handleComplianceList(w http.ResponseWriter, r *http.Request) {
	limit := clampQueryInt(r, "limit", 50, 1, 500)
	decision := r.URL.Query().Get("decision")

	entries := rl.readComplianceLog()
	if decision != "" {
		kept := entries[:0]
		for _, e := range entries {
			if e.Decision == decision {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	// Most recent first.
	out := make([]complianceRecord, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out, "total": len(out)})
}

func (rl *Relay) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	entries := rl.readComplianceLog()

	type counts struct {
		Total        int `json:"total"`
		Compliant    int `json:"compliant"`
		NotCompliant int `json:"not_compliant"`
		GrayZone     int `json:"gray_zone"`
	}
	var all, recent counts
	humanReview := 0
	weekAgo := time.Now().Add(-7 * 24 * time.Hour)

	tally := func(c *counts, decision string) {
		c.Total++
		switch decision {
		case "COMPLIANT":
			c.Compliant++
		case "NOT_COMPLIANT":
			c.NotCompliant++
		case "GRAY_ZONE":
			c.GrayZone++
		}
	}

	for _, e := range entries {
		tally(&all, e.Decision)
		if e.HumanReviewRequired {
			humanReview++
		}
		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil && ts.After(weekAgo) {
			tally(&recent, e.Decision)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"all_time": map[string]int{
			"total": all.Total, "compliant": all.Compliant,
			"not_compliant": all.NotCompliant, "gray_zone": all.GrayZone,
			"human_review_required": humanReview,
		},
		"last_7_days": map[string]int{
			"total": recent.Total, "compliant": recent.Compliant,
			"not_compliant": recent.NotCompliant, "gray_zone": recent.GrayZone,
		},
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}
