package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/tilawa/internal/protocol"
	"github.com/loqalabs/tilawa/internal/reconcile"
	"github.com/loqalabs/tilawa/internal/tracking"
)

// Publisher broadcasts reconciled reader state on the bus.
type Publisher struct {
	client    *Client
	sessionID string
	log       *slog.Logger
	now       func() time.Time
}

var _ reconcile.Sink = (*Publisher)(nil)

func NewPublisher(client *Client, sessionID string) *Publisher {
	return &Publisher{
		client:    client,
		sessionID: sessionID,
		log:       client.log.With(slog.String("session_id", sessionID)),
		now:       time.Now,
	}
}

func (p *Publisher) PublishView(_ context.Context, v reconcile.ReaderView) {
	p.publish(protocol.SubjectReaderView, protocol.ReaderViewEvent{
		SessionID:         p.sessionID,
		ActiveSurah:       v.ActiveSurah,
		ActiveAyah:        v.ActiveAyah,
		ReadUpToAyah:      v.ReadUpToAyah,
		TranscriptPreview: v.TranscriptPreview,
		Uncertain:         v.Uncertain,
		Timeline:          v.Timeline,
		Timestamp:         p.now().UTC(),
	})
}

func (p *Publisher) PublishState(_ context.Context, st tracking.State, cause error) {
	ev := protocol.SessionStateEvent{
		SessionID: p.sessionID,
		State:     st.String(),
		Timestamp: p.now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	p.publish(protocol.SubjectSessionState, ev)
}

func (p *Publisher) PublishNotice(_ context.Context, notice string) {
	p.publish(protocol.SubjectSessionNotice, protocol.NoticeEvent{
		SessionID: p.sessionID,
		Message:   notice,
		Timestamp: p.now().UTC(),
	})
}

// PublishSurah announces the verse text for a newly active surah.
func (p *Publisher) PublishSurah(s protocol.Surah) {
	p.publish(protocol.SubjectReaderSurah, s)
}

func (p *Publisher) publish(subject string, v any) {
	if err := p.client.PublishJSON(subject, v); err != nil {
		p.log.Warn("bus publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
