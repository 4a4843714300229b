package server

import (
	"encoding/json"
	"net/http"

	"github.com/soundlink/acoustic-modem/internal/modem"
)

// statusReport is the JSON shape served at /api/status.
type statusReport struct {
	Demodulator modem.Stats `json:"demodulator"`
	Sent        uint64      `json:"sent"`
}

// Handlers holds the diagnostics HTTP API handlers. demod/mod use concrete
// pointer types (not interfaces) so a nil worker is a genuine nil check,
// not Go's typed-nil-in-an-interface footgun.
type Handlers struct {
	demod *modem.Demodulator
	mod   *modem.Modulator
	hub   *Hub
}

// NewHandlers builds the diagnostics handlers for a running modulator and
// demodulator. Either may be nil if that worker is not running in this
// process (e.g. --mode send or --mode receive).
func NewHandlers(demod *modem.Demodulator, mod *modem.Modulator, hub *Hub) *Handlers {
	return &Handlers{demod: demod, mod: mod, hub: hub}
}

// HandleStatus serves a point-in-time JSON snapshot of modem state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	report := statusReport{}
	if h.demod != nil {
		report.Demodulator = h.demod.Snapshot()
	}
	if h.mod != nil {
		report.Sent = h.mod.Sent()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// HandleWebSocket upgrades the request and subscribes the connection to
// the diagnostics event feed. The feed is read-only: messages sent by the
// client are discarded.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.hub.addClient(conn)
	go func() {
		defer h.hub.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
