// Package capital implements the post-sell capital-flow state machine:
// probe what the worker still holds, classify residual tokens as real or
// dust, return surplus SOL to the apex wallet, and release the worker when
// the position is fully closed. Runs asynchronously after every successful
// sell proxy; failures here never surface to the request that sold.
package capital

import (
	"context"
	"fmt"
	"log"

	"github.com/vesselproject/relay/internal/apex"
	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/config"
	"github.com/vesselproject/relay/internal/identity"
	"github.com/vesselproject/relay/internal/registry"
)

// Wallet is the slice of the apex client the engine needs.
type Wallet interface {
	Status(ctx context.Context, worker string) (*apex.Holdings, error)
	TransferSOL(ctx context.Context, from, to string, amountSOL *float64) (*apex.TransferResult, error)
}

// Pricer values a token holding in USD.
type Pricer interface {
	USDValue(ctx context.Context, mint string, uiAmount float64) (float64, error)
}

// Notifier delivers operator alerts. Implementations must not block the
// engine on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Engine drives the post-sell flow.
type Engine struct {
	wallet   Wallet
	pricer   Pricer
	notify   Notifier
	registry *registry.Registry
	log      *audit.Log
	cfg      config.CapitalConfig
}

func NewEngine(wallet Wallet, pricer Pricer, notify Notifier, reg *registry.Registry, auditLog *audit.Log, cfg config.CapitalConfig) *Engine {
	return &Engine{wallet: wallet, pricer: pricer, notify: notify, registry: reg, log: auditLog, cfg: cfg}
}

// AfterSell runs the state machine for worker after a sell of percentSold.
// Apex is exempt: it IS the capital pool.
func (e *Engine) AfterSell(ctx context.Context, worker string, percentSold float64) {
	if identity.IsApex(worker) {
		return
	}

	holdings, err := e.wallet.Status(ctx, worker)
	if err != nil {
		log.Printf("[capital-flow] holdings probe failed for %s: %v", worker, err)
		e.log.Event("CAPITAL_FLOW_PROBE_ERROR", audit.Details{"worker": worker, "error": err.Error()})
		return
	}
	if !holdings.Success {
		log.Printf("[capital-flow] holdings probe unsuccessful for %s, skipping auto-return", worker)
		return
	}

	solBalance := holdings.SOLBalance
	hasTokens := false
	for _, t := range holdings.Tokens {
		if t.UIAmount > 0 {
			hasTokens = true
			break
		}
	}

	// Dust classification. A 100% sell leaves only rounding artifacts.
	// A stranded worker (tokens but no gas to sell them) is written off
	// when the tokens price below the dust threshold; priced above it,
	// or unpriceable, the worker stays held and the operator decides.
	if hasTokens {
		switch {
		case percentSold >= 100:
			log.Printf("[capital-flow] %s: 100%% sell, residual tokens are dust", worker)
			hasTokens = false
		case solBalance < e.cfg.DustGasSOL:
			totalUSD, priceFailed := e.valueTokens(ctx, holdings.Tokens)
			switch {
			case priceFailed:
				log.Printf("[capital-flow] %s: cannot price tokens, not releasing", worker)
				e.notify.Notify(ctx, fmt.Sprintf(
					"**Stuck Worker**: %s\nHas tokens but no gas. Could not price-check.\nManual review needed.", worker))
			case totalUSD < e.cfg.DustUSD:
				log.Printf("[capital-flow] %s: tokens worth $%.4f (< $%.2f), dust", worker, totalUSD, e.cfg.DustUSD)
				hasTokens = false
			default:
				log.Printf("[capital-flow] %s: tokens worth $%.2f but no gas", worker, totalUSD)
				e.notify.Notify(ctx, fmt.Sprintf(
					"**Stuck Worker**: %s\nTokens worth ~$%.2f but only %.6f SOL (no gas).\nNeeds gas funding to sell, or manual intervention.",
					worker, totalUSD, solBalance))
			}
		}
	}

	if hasTokens {
		// Partial sell: the worker keeps gas plus its residual position,
		// the surplus flows back.
		returnable := solBalance - e.cfg.GasReserveSOL - e.cfg.FeeBufferSOL
		if returnable > e.cfg.MinReturnableSOL {
			if e.returnSOL(ctx, worker, &returnable) {
				e.notify.Notify(ctx, fmt.Sprintf(
					"**Auto-Return (partial)**: %s → %s\nReturned: %.6f SOL\nWorker keeps %.3f SOL gas + tokens",
					worker, identity.Apex, returnable, e.cfg.GasReserveSOL))
			}
		}
		return
	}

	// Final sell: drain the wallet, then release. The release happens even
	// if the transfer failed — an empty position must not hold the worker.
	if solBalance > e.cfg.MinReturnableSOL {
		if e.returnSOL(ctx, worker, nil) {
			e.notify.Notify(ctx, fmt.Sprintf(
				"**Auto-Return (final)**: %s → %s\nAll SOL returned. Position fully closed.", worker, identity.Apex))
		}
	}
	if _, err := e.registry.MarkIdle(worker); err != nil {
		e.log.Event("AUTO_RELEASE_ERROR", audit.Details{"worker": worker, "error": err.Error()})
		return
	}
	e.log.Event("AUTO_RELEASE", audit.Details{"worker": worker, "reason": "no_tokens_remaining"})
	e.notify.Notify(ctx, fmt.Sprintf(
		"**Worker Released**: %s\nNo tokens remaining. Worker returned to idle pool.", worker))
}

// valueTokens sums USD value over positive holdings. Any single pricing
// failure taints the total.
func (e *Engine) valueTokens(ctx context.Context, tokens []apex.Token) (total float64, failed bool) {
	for _, t := range tokens {
		if t.UIAmount <= 0 {
			continue
		}
		val, err := e.pricer.USDValue(ctx, t.Mint, t.UIAmount)
		if err != nil {
			log.Printf("[capital-flow] price check failed for %s: %v", t.Mint, err)
			return 0, true
		}
		total += val
	}
	return total, false
}

// returnSOL transfers back to apex and audits the outcome. Nil amount means
// everything minus the upstream fee buffer.
func (e *Engine) returnSOL(ctx context.Context, from string, amountSOL *float64) bool {
	result, err := e.wallet.TransferSOL(ctx, from, identity.Apex, amountSOL)
	if err != nil {
		e.log.Event("AUTO_RETURN_SOL_ERROR", audit.Details{"from": from, "error": err.Error()})
		return false
	}
	amount := "ALL"
	if amountSOL != nil {
		amount = fmt.Sprintf("%.9f", *amountSOL)
	}
	if !result.Success {
		e.log.Event("AUTO_RETURN_SOL_FAILED", audit.Details{
			"from": from, "to": identity.Apex, "error": result.Error,
		})
		return false
	}
	e.log.Event("AUTO_RETURN_SOL", audit.Details{
		"from": from, "to": identity.Apex, "amount_sol": amount, "signature": result.Signature,
	})
	return true
}
