// Package websocket streams live search-run progress to clients watching
// a run: an initial snapshot, one frame per persisted grant, and a
// terminal frame when the run settles. The poll route stays the contract;
// this stream is a convenience layer over the same data.
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/events"
	"github.com/grantly/backend/internal/models"
)

// Frame is one message on the progress stream.
type Frame struct {
	Type  string      `json:"type"` // snapshot, grant_discovered, run_completed, run_failed, timeout
	RunID string      `json:"run_id"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data,omitempty"`
}

// RunStore loads the run being watched.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*models.SearchRun, error)
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// streamTTL backstops the hard run timeout: no run outlives it, so no
	// stream needs to either.
	streamTTL = 11 * time.Minute
)

// ProgressStreamer serves /api/system/search-progress/{run_id}. Each
// connection gets its own bus subscription filtered to one run.
type ProgressStreamer struct {
	store  RunStore
	bus    *events.Bus
	logger *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients int
}

func NewProgressStreamer(store RunStore, bus *events.Bus) *ProgressStreamer {
	return &ProgressStreamer{
		store:  store,
		bus:    bus,
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			// Origin is enforced by the CORS layer and bearer auth;
			// browsers cannot attach the Authorization header cross-site.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleProgress authorizes the watcher, then either answers a plain GET
// with the run snapshot or upgrades and streams until the run settles.
func (ps *ProgressStreamer) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		apperr.WriteError(w, r, err)
		return
	}
	runID := mux.Vars(r)["run_id"]

	run, err := ps.store.GetRun(r.Context(), runID)
	if err != nil {
		apperr.WriteError(w, r, err)
		return
	}
	// A run owned by someone else does not exist as far as this caller can
	// tell. System sweeps (no owner) are visible to any signed-in user.
	if run.UserID != nil && *run.UserID != id.UserID {
		apperr.WriteError(w, r, apperr.NotFound("search run"))
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Frame{Type: "snapshot", RunID: run.ID, Time: time.Now().UTC(), Data: run})
		return
	}

	// Subscribe before the terminal check so a completion landing between
	// the two cannot slip past us.
	sub := ps.bus.Subscribe(events.TypeGrantDiscovered, events.TypeRunCompleted, events.TypeRunFailed)

	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ps.bus.Unsubscribe(sub)
		ps.logger.Printf("⚠️ upgrade failed for run %s: %v", runID, err)
		return
	}

	ps.addClient(1)
	ps.logger.Printf("📡 client watching run %s (total: %d)", runID, ps.clientCount())

	go ps.stream(conn, sub, run)
}

func (ps *ProgressStreamer) stream(conn *websocket.Conn, sub chan *events.Event, run *models.SearchRun) {
	defer func() {
		ps.bus.Unsubscribe(sub)
		conn.Close()
		ps.addClient(-1)
		ps.logger.Printf("📡 client left run %s (total: %d)", run.ID, ps.clientCount())
	}()

	ps.writeFrame(conn, Frame{Type: "snapshot", RunID: run.ID, Data: run})

	if run.Status.Terminal() {
		// Nothing more will ever arrive for this run.
		ps.writeFrame(conn, terminalFrame(run))
		return
	}

	// Read loop purely for close detection; clients send nothing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()
	expiry := time.NewTimer(streamTTL)
	defer expiry.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			frame, terminal := ps.frameFor(ev, run.ID)
			if frame == nil {
				continue
			}
			if !ps.writeFrame(conn, *frame) {
				return
			}
			if terminal {
				return
			}

		case <-pings.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-expiry.C:
			ps.writeFrame(conn, Frame{Type: "timeout", RunID: run.ID})
			return

		case <-done:
			return
		}
	}
}

// frameFor filters bus traffic down to this run's stream. The grant feed
// matches on the run_id the pipeline stamps into each event; terminal
// events match on the envelope subject.
func (ps *ProgressStreamer) frameFor(ev *events.Event, runID string) (*Frame, bool) {
	switch ev.Type {
	case events.TypeGrantDiscovered:
		if id, _ := ev.Data["run_id"].(string); id != runID {
			return nil, false
		}
		return &Frame{Type: "grant_discovered", RunID: runID, Data: ev.Data}, false

	case events.TypeRunCompleted:
		if ev.Subject != runID {
			return nil, false
		}
		return &Frame{Type: "run_completed", RunID: runID, Data: ev.Data}, true

	case events.TypeRunFailed:
		if ev.Subject != runID {
			return nil, false
		}
		return &Frame{Type: "run_failed", RunID: runID, Data: ev.Data}, true
	}
	return nil, false
}

func (ps *ProgressStreamer) writeFrame(conn *websocket.Conn, frame Frame) bool {
	if frame.Time.IsZero() {
		frame.Time = time.Now().UTC()
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		ps.logger.Printf("⚠️ write to run %s watcher failed: %v", frame.RunID, err)
		return false
	}
	return true
}

func terminalFrame(run *models.SearchRun) Frame {
	t := "run_completed"
	if run.Status == models.RunFailed {
		t = "run_failed"
	}
	return Frame{Type: t, RunID: run.ID, Data: run}
}

func (ps *ProgressStreamer) addClient(delta int) {
	ps.mu.Lock()
	ps.clients += delta
	ps.mu.Unlock()
}

func (ps *ProgressStreamer) clientCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.clients
}

// Stats feeds the detailed health view.
func (ps *ProgressStreamer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": ps.clientCount(),
	}
}
