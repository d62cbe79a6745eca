// Package notify delivers operator alerts over the apex notification
// channel. Delivery is best-effort: a failed alert is logged and dropped,
// never propagated to the operation that raised it.
package notify

import (
	"context"
	"log"

	"github.com/vesselproject/relay/internal/apex"
)

// Notifier is the operator channel.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Operator posts alerts through the apex API to a configured operator id.
type Operator struct {
	client     *apex.Client
	operatorID string
}

func NewOperator(client *apex.Client, operatorID string) *Operator {
	return &Operator{client: client, operatorID: operatorID}
}

func (o *Operator) Notify(ctx context.Context, message string) {
	if o.operatorID == "" || !o.client.Configured() {
		return
	}
	if err := o.client.Notify(ctx, o.operatorID, message); err != nil {
		log.Printf("[notify] WARNING: operator alert failed: %v", err)
	}
}

// Nop discards alerts. Used in tests and when no operator is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string) {}
