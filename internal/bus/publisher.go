package bus

import (
	"log/slog"

	"github.com/voxread-labs/voxread-core/internal/protocol"
)

// Publisher broadcasts playback events on the bus. Publish failures are
// logged and dropped; observers are best-effort and never stall the
// play loop.
type Publisher struct {
	client *Client
	log    *slog.Logger
}

func NewPublisher(client *Client, log *slog.Logger) *Publisher {
	return &Publisher{client: client, log: log.With(slog.String("component", "bus-publisher"))}
}

func (p *Publisher) State(ev protocol.StateEvent) {
	p.publish(protocol.SubjectPlaybackState, ev)
}

func (p *Publisher) Progress(ev protocol.ProgressEvent) {
	p.publish(protocol.SubjectPlaybackProgress, ev)
}

func (p *Publisher) Fault(ev protocol.FaultEvent) {
	p.publish(protocol.SubjectPlaybackFault, ev)
}

func (p *Publisher) publish(subject string, v any) {
	if err := p.client.PublishJSON(subject, v); err != nil {
		p.log.Warn("failed to publish playback event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
