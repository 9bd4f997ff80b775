// Package metrics writes protocol measurements to InfluxDB. The
// recorder is optional: a nil Recorder drops everything, and a tripped
// breaker turns writes into no-ops until the sink recovers.
package metrics

import (
	"context"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"

	"github.com/exonet/tokenvault/internal/ledger"
	"github.com/exonet/tokenvault/pkg/circuit"
)

// Recorder writes measurement points to an Influx bucket.
type Recorder struct {
	client  influxdb2.Client
	write   api.WriteAPIBlocking
	breaker *circuit.Breaker
}

// New returns a recorder, or nil when no URL is configured.
func New(url, token, org, bucket string) *Recorder {
	if url == "" {
		return nil
	}
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client:  client,
		write:   client.WriteAPIBlocking(org, bucket),
		breaker: circuit.New(5, 30*time.Second),
	}
}

// CapacitySnapshot records an agent's capacity position after a
// capacity-affecting operation.
func (r *Recorder) CapacitySnapshot(ctx context.Context, a *ledger.Agent) {
	if r == nil {
		return
	}
	avail, _ := a.AvailableCapacity().Float64()
	deposit, _ := a.DepositUSD.Float64()
	outstanding, _ := a.OutstandingUSD.Float64()
	p := influxdb2.NewPoint("agent_capacity",
		map[string]string{"agent_id": a.ID.String()},
		map[string]interface{}{
			"available_usd":   avail,
			"deposit_usd":     deposit,
			"outstanding_usd": outstanding,
		},
		time.Now().UTC(),
	)
	r.writePoint(ctx, p)
}

// Settlement records the outcome of a mint/burn/withdrawal operation.
func (r *Recorder) Settlement(ctx context.Context, kind, outcome string, amountUSD decimal.Decimal) {
	if r == nil {
		return
	}
	amt, _ := amountUSD.Float64()
	p := influxdb2.NewPoint("settlement",
		map[string]string{"kind": kind, "outcome": outcome},
		map[string]interface{}{"amount_usd": amt},
		time.Now().UTC(),
	)
	r.writePoint(ctx, p)
}

func (r *Recorder) writePoint(ctx context.Context, p *write.Point) {
	err := r.breaker.Do(func() error {
		return r.write.WritePoint(ctx, p)
	})
	if err != nil && err != circuit.ErrOpen {
		log.Printf("metrics write failed: %v", err)
	}
}

// Close shuts the underlying client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.client.Close()
}
