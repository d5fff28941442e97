// Package wsbroadcast is the websocket fan-out seam for the out-of-scope
// dashboard (spec.md §6 "Persisted schedule ... the contract with the
// dashboard"). It is grounded on the teacher's WebServer/broadcast hub
// (scheduler/server.go): a sync.Map of client connections, each sent the
// current schedule when it connects and again on every schedule-updated
// event. There is no periodic push. Each payload is also offered to a
// buffered broadcast channel that nothing reads; delivery to clients does
// not go through it.
package wsbroadcast

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devskill-org/kepler-ems/internal/model"
	"github.com/devskill-org/kepler-ems/internal/pubsub"
)

// ScheduleSource reads the current schedule, normally store.Store.LoadSchedule.
type ScheduleSource func(ctx context.Context) (model.Schedule, bool, error)

// scheduleMessage is the wire shape pushed to every connected client,
// matching the persisted-schedule contract in spec.md §6: timestamps
// ISO-8601 with offset, numeric values rounded to 2 decimals.
type scheduleMessage struct {
	PlannedAt      string     `json:"planned_at"`
	PlannerVersion string     `json:"planner_version"`
	HorizonStart   string     `json:"horizon_start"`
	HorizonEnd     string     `json:"horizon_end"`
	LastError      string     `json:"last_error,omitempty"`
	Slots          []slotWire `json:"slots"`
}

type slotWire struct {
	StartTime           string  `json:"start_time"`
	ChargeKW            float64 `json:"charge_kw"`
	DischargeKW         float64 `json:"discharge_kw"`
	ExportKW            float64 `json:"export_kw"`
	WaterHeatActive     bool    `json:"water_heat_active"`
	ProjectedSOCPercent float64 `json:"projected_soc_percent"`
	SOCTargetPercent    float64 `json:"soc_target_percent"`
	Classification      string  `json:"classification"`
	ImportPrice         float64 `json:"import_price"`
	ExportPrice         float64 `json:"export_price"`
	IsHistorical        bool    `json:"is_historical"`
}

// Hub fans schedule-updated events out to connected websocket clients.
type Hub struct {
	bus      *pubsub.Bus
	load     ScheduleSource
	logger   *log.Logger
	upgrader websocket.Upgrader

	clients   sync.Map // *websocket.Conn -> struct{}
	broadcast chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub builds a Hub. bus is the in-process event source for
// pubsub.ScheduleUpdated; load reads the schedule to serialize on each push.
func NewHub(bus *pubsub.Bus, load ScheduleSource, logger *log.Logger) *Hub {
	return &Hub{
		bus:    bus,
		load:   load,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

// RegisterHandlers wires the websocket upgrade endpoint onto mux.
func (h *Hub) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/ws", h.serveWS)
}

// Run subscribes to schedule-updated events and pushes the current schedule
// to every client on each one, until ctx is cancelled. Call it from its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	events, unsubscribe := h.bus.Subscribe(8)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			return
		case <-events:
			h.pushCurrentSchedule(ctx)
		}
	}
}

func (h *Hub) pushCurrentSchedule(ctx context.Context) {
	sched, ok, err := h.load(ctx)
	if err != nil {
		h.logf("wsbroadcast: load schedule for push failed: %v", err)
		return
	}
	if !ok {
		return
	}
	msg := toWireMessage(sched)
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logf("wsbroadcast: marshal schedule failed: %v", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logf("wsbroadcast: broadcast channel full, dropping push")
	}
	h.deliver(payload)
}

func (h *Hub) deliver(payload []byte) {
	h.clients.Range(func(key, _ any) bool {
		conn, ok := key.(*websocket.Conn)
		if !ok {
			return true
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logf("wsbroadcast: write error, dropping client: %v", err)
			conn.Close()
			h.clients.Delete(conn)
		}
		return true
	})
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("wsbroadcast: upgrade error: %v", err)
		return
	}
	h.clients.Store(conn, struct{}{})
	h.pushCurrentSchedule(r.Context())

	defer func() {
		h.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close closes every connected client. Safe to call more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.clients.Range(func(key, _ any) bool {
			if conn, ok := key.(*websocket.Conn); ok {
				conn.Close()
			}
			return true
		})
	})
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func toWireMessage(s model.Schedule) scheduleMessage {
	msg := scheduleMessage{
		PlannedAt:      s.Meta.PlannedAt.Format(time.RFC3339),
		PlannerVersion: s.Meta.PlannerVersion,
		HorizonStart:   s.Meta.HorizonStart.Format(time.RFC3339),
		HorizonEnd:     s.Meta.HorizonEnd.Format(time.RFC3339),
		LastError:      s.Meta.LastError,
		Slots:          make([]slotWire, len(s.Slots)),
	}
	for i, slot := range s.Slots {
		msg.Slots[i] = slotWire{
			StartTime:           slot.StartTime.Format(time.RFC3339),
			ChargeKW:            round2(slot.ChargeKW),
			DischargeKW:         round2(slot.DischargeKW),
			ExportKW:            round2(slot.ExportKW),
			WaterHeatActive:     slot.WaterHeatActive,
			ProjectedSOCPercent: round2(slot.ProjectedSOCPercent),
			SOCTargetPercent:    round2(slot.SOCTargetPercent),
			Classification:      string(slot.Classification),
			ImportPrice:         round2(slot.ImportPrice),
			ExportPrice:         round2(slot.ExportPrice),
			IsHistorical:        slot.IsHistorical,
		}
	}
	return msg
}

func round2(v float64) float64 {
	return float64(int(v*100+sign(v)*0.5)) / 100
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
