package jobengine

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fetchbridge/dlsvc/internal/common"
	"github.com/fetchbridge/dlsvc/internal/models"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 2048,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	subscriberBuffer  = 64
	writeDeadline     = 5 * time.Second
	keepaliveInterval = 45 * time.Second
)

// EventHub pushes job lifecycle events to WebSocket subscribers as an
// alternative to polling Status. A subscriber may scope its feed to a single
// job or user via the job_id/user_id query parameters; on connect it first
// receives a "job_snapshot" event for each matching job currently in the
// registry (at most subscriberBuffer of them), then live events in hub
// sequence order.
//
// Delivery is best-effort and priority-aware: when a subscriber's buffer is
// full, events for low-priority jobs are dropped for that subscriber only,
// while a missed standard-priority event evicts the subscriber so it
// reconnects and resynchronizes from a fresh snapshot instead of silently
// observing a gap.
type EventHub struct {
	registry *Registry
	queue    *Queue
	logger   *common.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	seq    uint64
	closed bool
}

// subscriber is one connected WebSocket client. droppedLow is guarded by
// the hub's mutex, not the subscriber's own state.
type subscriber struct {
	conn   *websocket.Conn
	jobID  string
	userID string
	out    chan []byte

	droppedLow uint64
}

func (s *subscriber) matches(jobID, userID string) bool {
	if s.jobID != "" && s.jobID != jobID {
		return false
	}
	if s.userID != "" && s.userID != userID {
		return false
	}
	return true
}

// NewEventHub constructs a hub over the given registry and queue. registry
// may be nil to disable snapshot-on-connect; queue may be nil, in which case
// events carry zero queue depths.
func NewEventHub(registry *Registry, queue *Queue, logger *common.Logger) *EventHub {
	return &EventHub{
		registry: registry,
		queue:    queue,
		logger:   logger,
		subs:     make(map[*subscriber]struct{}),
	}
}

// eventLocked assembles the wire event for job, stamping the next hub
// sequence number and the queue depths at this instant. Callers hold h.mu.
func (h *EventHub) eventLocked(eventType string, job *models.Job, at time.Time) models.JobEvent {
	h.seq++
	var std, low int
	if h.queue != nil {
		std, low = h.queue.Length()
	}
	return models.JobEvent{
		Seq:             h.seq,
		Type:            eventType,
		JobID:           job.JobID,
		UserID:          job.UserID,
		Status:          job.Status,
		Priority:        job.Priority,
		ProgressPercent: job.ProgressPercent,
		Attempts:        job.Attempts,
		Queued:          models.QueueDepth{Standard: std, Low: low},
		Timestamp:       at,
	}
}

// Broadcast fans eventType out to every subscriber whose filter matches job.
// Never blocks on a slow subscriber; see the drop policy on EventHub.
func (h *EventHub) Broadcast(eventType string, job *models.Job, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.subs) == 0 {
		return
	}

	event := h.eventLocked(eventType, job, at)
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal job event")
		return
	}

	for sub := range h.subs {
		if !sub.matches(event.JobID, event.UserID) {
			continue
		}
		select {
		case sub.out <- data:
		default:
			if event.Priority == models.PriorityLow {
				sub.droppedLow++
				continue
			}
			h.evictLocked(sub)
		}
	}
}

// evictLocked drops sub from the hub and closes its outbound channel, which
// makes its write loop send a close frame and hang up. Callers hold h.mu.
func (h *EventHub) evictLocked(sub *subscriber) {
	delete(h.subs, sub)
	close(sub.out)
	h.logger.Debug().
		Int64("dropped_low", int64(sub.droppedLow)).
		Int("subscribers", len(h.subs)).
		Msg("evicted slow job event subscriber")
}

// ServeWS upgrades the connection, seeds the new subscriber with a snapshot
// of matching jobs, and starts its read/write loops.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := &subscriber{
		conn:   conn,
		jobID:  r.URL.Query().Get("job_id"),
		userID: r.URL.Query().Get("user_id"),
		out:    make(chan []byte, subscriberBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[sub] = struct{}{}
	// The outbound channel is empty and sized to hold the snapshot, and no
	// broadcast can reach it while h.mu is held, so these sends cannot block
	// and the snapshot precedes every live event.
	for _, data := range h.snapshotLocked(sub) {
		sub.out <- data
	}
	h.mu.Unlock()

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// snapshotLocked marshals a job_snapshot event for every registry record
// matching sub's filter, capped at the subscriber's buffer size. Callers
// hold h.mu.
func (h *EventHub) snapshotLocked(sub *subscriber) [][]byte {
	if h.registry == nil {
		return nil
	}
	var out [][]byte
	for _, job := range h.registry.List() {
		if !sub.matches(job.JobID, job.UserID) {
			continue
		}
		event := h.eventLocked("job_snapshot", job, job.UpdatedAt)
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		out = append(out, data)
		if len(out) == subscriberBuffer {
			break
		}
	}
	return out
}

func (h *EventHub) writeLoop(sub *subscriber) {
	keepalive := time.NewTicker(keepaliveInterval)
	defer func() {
		keepalive.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.out:
			sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-keepalive.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames (the feed is one-way) until the peer
// hangs up, then removes the subscriber.
func (h *EventHub) readLoop(sub *subscriber) {
	defer h.remove(sub)
	sub.conn.SetReadLimit(256)
	for {
		if _, _, err := sub.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.out)
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stop disconnects every subscriber and rejects future connections.
func (h *EventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.out)
	}
}
