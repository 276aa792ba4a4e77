// Package notify defines the origin-notification contract.
//
// Notifications are fire-and-forget and best-effort: the lifecycle never
// blocks on them and never fails a transition because a notice could not be
// delivered. The origin reference is opaque; a transport adapter (chat bot,
// webhook) resolves it.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Kind identifies what happened to a request, for the origin's benefit.
type Kind string

const (
	KindReceived        Kind = "received"           // submission acknowledged, awaiting approval
	KindQueued          Kind = "queued"             // approved and scheduled
	KindCancelled       Kind = "cancelled"          // booking cancelled
	KindPosted          Kind = "posted"             // announcement went out
	KindExpired         Kind = "expired"            // posting window missed
	KindExtractionError Kind = "extraction_error"   // AI extraction failed, still pending
	KindPostError       Kind = "post_error"         // posting failed after retries
	KindCalendarError   Kind = "calendar_error"     // calendar entry could not be handled
	KindUnauthorized    Kind = "unauthorized"       // actor lacked the approver role
	KindInvalidSchedule Kind = "invalid_schedule"   // extracted post time already passed
)

// Notifier delivers a notice back to a request's origin.
type Notifier interface {
	Notify(ctx context.Context, origin string, kind Kind, detail string)
}

// LogNotifier writes notices to the structured log. It stands in for a chat
// transport in tests and headless deployments.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogNotifier{logger: log}
}

// Notify logs the notice. Never fails.
func (n *LogNotifier) Notify(_ context.Context, origin string, kind Kind, detail string) {
	n.logger.Infow("Origin notification",
		"origin", origin,
		"kind", string(kind),
		"detail", detail,
	)
}
