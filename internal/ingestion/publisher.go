package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"PerpEngine/internal/controller"
	"PerpEngine/internal/observability"
)

// ReportPublisher publishes terminal action outputs for downstream
// consumers. Publishing is best effort: the record log in Postgres is the
// durable source, so a failed publish is logged and dropped rather than
// retried.
type ReportPublisher struct {
	js    jetstream.JetStream
	input <-chan controller.ActionOutput
}

// outboundReportJSON is the wire form of one terminal action.
type outboundReportJSON struct {
	ActionID    string      `json:"action_id"`
	Kind        string      `json:"kind"`
	Owner       string      `json:"owner"`
	MarketToken string      `json:"market_token"`
	Status      string      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Sequence    uint64      `json:"sequence"`
	StateHash   []byte      `json:"state_hash"`
	FinishedAt  int64       `json:"finished_at"`
	Report      interface{} `json:"report,omitempty"`
}

func NewReportPublisher(js jetstream.JetStream, input <-chan controller.ActionOutput) *ReportPublisher {
	return &ReportPublisher{js: js, input: input}
}

// Run drains the report channel until ctx is cancelled or the channel
// closes.
func (p *ReportPublisher) Run(ctx context.Context) error {
	log := observability.NewLogger("publisher")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				log.Warn().Err(err).
					Str("action_id", out.Record.ID.String()).
					Uint64("sequence", out.Sequence).
					Msg("report publish failed")
			}
		}
	}
}

// publish sends to perp.reports.{kind}.{market_token}.
func (p *ReportPublisher) publish(ctx context.Context, out controller.ActionOutput) error {
	data, err := json.Marshal(outboundReportJSON{
		ActionID:    out.Record.ID.String(),
		Kind:        string(out.Record.Kind),
		Owner:       out.Record.Owner,
		MarketToken: out.Record.MarketToken,
		Status:      string(out.Record.Status),
		Reason:      out.Record.Reason,
		Sequence:    out.Sequence,
		StateHash:   out.StateHash,
		FinishedAt:  out.Record.FinishedAt,
		Report:      out.Report,
	})
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	subject := fmt.Sprintf("perp.reports.%s.%s", out.Record.Kind, out.Record.MarketToken)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}
