package queue

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Manager handles NATS connection and messaging
type Manager struct {
	conn    *nats.Conn
	url     string
	options []nats.Option
}

// NewManager creates a new NATS manager
func NewManager(natsURL string) (*Manager, error) {
	options := []nats.Option{
		nats.Name("Partial Picking Service"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Println("NATS connection closed")
		}),
	}

	// Connect to NATS
	conn, err := nats.Connect(natsURL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Printf("Connected to NATS at %s", natsURL)

	return &Manager{
		conn:    conn,
		url:     natsURL,
		options: options,
	}, nil
}

// Close closes the NATS connection
func (m *Manager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// Conn returns the NATS connection
func (m *Manager) Conn() *nats.Conn {
	return m.conn
}

// Publish publishes a message to a subject
func (m *Manager) Publish(subject string, data []byte) error {
	return m.conn.Publish(subject, data)
}

// Subscribe subscribes to a subject with a handler
func (m *Manager) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return m.conn.Subscribe(subject, handler)
}

// QueueSubscribe creates a queue subscriber (load balanced across workers)
func (m *Manager) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return m.conn.QueueSubscribe(subject, queue, handler)
}

// Request sends a request and waits for a response
func (m *Manager) Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return m.conn.Request(subject, data, timeout)
}

// NATS Subject Patterns
//
// Domain events fan out for any interested subscriber (audit tooling,
// a future dashboard); job-progress subjects drive the bulk-unpick SSE
// stream exactly the way the teacher's snapshot-refresh jobs did.

const (
	// Domain events, published after a transaction commits.
	SubjectPickCommitted  = "pick.committed.%s"  // pick.committed.{run_no}
	SubjectPickReversed   = "pick.reversed.%s"   // pick.reversed.{run_no}
	SubjectRunCompleted   = "run.completed.%s"   // run.completed.{run_no}
	SubjectRunReverted    = "run.reverted.%s"    // run.reverted.{run_no}
	SubjectPutawayMoved   = "putaway.moved.%s"   // putaway.moved.{lot_no}

	// Bulk-unpick-ingredient job subjects.
	SubjectBulkUnpickProgress = "bulkunpick.progress.%s" // bulkunpick.progress.{jobID}
	SubjectBulkUnpickComplete = "bulkunpick.complete.%s" // bulkunpick.complete.{jobID}
	SubjectBulkUnpickError    = "bulkunpick.error.%s"    // bulkunpick.error.{jobID}
	SubjectBulkUnpickCancel   = "bulkunpick.cancel.%s"   // bulkunpick.cancel.{jobID}

	// Queue groups (for load balancing across worker instances).
	QueueGroupBulkUnpick = "bulk-unpick-workers"
)

// GetBulkUnpickProgressSubject returns the progress subject for a job.
func GetBulkUnpickProgressSubject(jobID string) string {
	return fmt.Sprintf(SubjectBulkUnpickProgress, jobID)
}

// GetBulkUnpickCompleteSubject returns the completion subject for a job.
func GetBulkUnpickCompleteSubject(jobID string) string {
	return fmt.Sprintf(SubjectBulkUnpickComplete, jobID)
}

// GetBulkUnpickErrorSubject returns the error subject for a job.
func GetBulkUnpickErrorSubject(jobID string) string {
	return fmt.Sprintf(SubjectBulkUnpickError, jobID)
}

// GetPickCommittedSubject returns the domain-event subject published
// after a pick transaction commits (§4.4.1).
func GetPickCommittedSubject(runNo string) string {
	return fmt.Sprintf(SubjectPickCommitted, runNo)
}

// GetPickReversedSubject returns the domain-event subject published
// after any unpick flavor commits (§4.4.4).
func GetPickReversedSubject(runNo string) string {
	return fmt.Sprintf(SubjectPickReversed, runNo)
}

// GetRunCompletedSubject returns the domain-event subject published when
// CheckAndCompleteRun performs the NEW->PRINT transition (§4.5).
func GetRunCompletedSubject(runNo string) string {
	return fmt.Sprintf(SubjectRunCompleted, runNo)
}

// GetRunRevertedSubject returns the domain-event subject published when
// RevertStatus performs the PRINT->NEW transition (§4.5).
func GetRunRevertedSubject(runNo string) string {
	return fmt.Sprintf(SubjectRunReverted, runNo)
}

// GetPutawayMovedSubject returns the domain-event subject published
// after a bin-to-bin transfer commits (§4.7).
func GetPutawayMovedSubject(lotNo string) string {
	return fmt.Sprintf(SubjectPutawayMoved, lotNo)
}
