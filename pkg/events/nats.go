package events

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

const (
	SubjectPosition    = "perp.position"
	SubjectLiquidation = "perp.liquidation"
	SubjectFunding     = "perp.funding"
)

// NATSPublisher publishes engine events as JSON on the perp.* subjects.
type NATSPublisher struct {
	nc  *nats.Conn
	log log.Logger
}

// ConnectNATS dials the broker and returns a publisher over it.
func ConnectNATS(url string, logger log.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("perp-engine"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, log: logger}, nil
}

func (p *NATSPublisher) PositionChanged(ev PositionEvent) {
	p.publish(SubjectPosition, ev)
}

func (p *NATSPublisher) Liquidated(ev LiquidationEvent) {
	p.publish(SubjectLiquidation, ev)
}

func (p *NATSPublisher) FundingPaid(ev FundingEvent) {
	p.publish(SubjectFunding, ev)
}

func (p *NATSPublisher) publish(subject string, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("encode event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn("publish event", "subject", subject, "error", err)
	}
}

func (p *NATSPublisher) Close() error {
	p.nc.Drain()
	p.nc.Close()
	return nil
}
