// Package api exposes the engine's read models and operator commands over
// HTTP. Commands are forwarded to the pipeline; nothing here mutates state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"futures-enginev1/internal/metrics"
	"futures-enginev1/internal/model"
	"futures-enginev1/internal/pipeline"
)

// Engine is the slice of the pipeline the API needs.
type Engine interface {
	pipeline.Commander
	Snapshot() model.PortfolioSnapshot
	States() map[string]model.MachineContext
	Risk() model.RiskSettings
}

// Deps wires the router. Health and Stream may be nil.
type Deps struct {
	Engine  Engine
	Signals model.SignalStore
	Orders  model.OrderStore
	Health  *metrics.HealthStatus
	Stream  http.Handler // websocket event stream
	Log     *zap.Logger
}

type handlers struct {
	Deps
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(d Deps) *http.ServeMux {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	h := &handlers{Deps: d}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", h.health)
	mux.HandleFunc("GET /api/v1/portfolio", h.portfolio)
	mux.HandleFunc("GET /api/v1/state", h.state)
	mux.HandleFunc("GET /api/v1/signals", h.signals)
	mux.HandleFunc("GET /api/v1/orders", h.orders)
	mux.HandleFunc("POST /api/v1/positions/{id}/close", h.closePosition)
	mux.HandleFunc("POST /api/v1/account/reset", h.resetAccount)
	mux.HandleFunc("PUT /api/v1/risk", h.updateRisk)
	if d.Stream != nil {
		mux.Handle("GET /api/v1/stream", d.Stream)
	}
	return mux
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	if h.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	r := h.Health.Report()
	code := http.StatusOK
	if r.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, r)
}

func (h *handlers) portfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Snapshot())
}

func (h *handlers) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.States())
}

func (h *handlers) signals(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out, err := h.Signals.QuerySignals(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) orders(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out, err := h.Orders.QueryOrders(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type closeRequest struct {
	Price float64 `json:"price"`
}

func (h *handlers) closePosition(w http.ResponseWriter, r *http.Request) {
	var body closeRequest
	if err := decodeOptional(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	h.execute(w, r.Context(), model.Command{
		Type:       model.CmdManualClose,
		PositionID: r.PathValue("id"),
		Price:      body.Price,
	})
}

func (h *handlers) resetAccount(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r.Context(), model.Command{Type: model.CmdResetAccount})
}

// updateRisk applies a partial update: fields missing from the body keep
// their current values.
func (h *handlers) updateRisk(w http.ResponseWriter, r *http.Request) {
	rs := h.Engine.Risk()
	if err := json.NewDecoder(r.Body).Decode(&rs); err != nil {
		h.writeError(w, fmt.Errorf("%w: decode risk settings: %v", model.ErrInvalidOrder, err))
		return
	}
	h.execute(w, r.Context(), model.Command{Type: model.CmdUpdateRisk, Risk: &rs})
}

func (h *handlers) execute(w http.ResponseWriter, ctx context.Context, cmd model.Command) {
	if err := h.Engine.Execute(ctx, cmd); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"command":   cmd.Type,
		"portfolio": h.Engine.Snapshot(),
	})
}

// parseQuery reads status, symbol, from, to, limit and offset. Times are
// RFC3339.
func parseQuery(r *http.Request) (model.Query, error) {
	v := r.URL.Query()
	q := model.Query{Symbol: strings.ToUpper(strings.TrimSpace(v.Get("symbol")))}
	if s := v.Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			if st = strings.ToUpper(strings.TrimSpace(st)); st != "" {
				q.Statuses = append(q.Statuses, st)
			}
		}
	}
	var err error
	if q.From, err = parseTime(v.Get("from"), "from"); err != nil {
		return q, err
	}
	if q.To, err = parseTime(v.Get("to"), "to"); err != nil {
		return q, err
	}
	if q.Limit, err = parseInt(v.Get("limit"), "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = parseInt(v.Get("offset"), "offset"); err != nil {
		return q, err
	}
	return q, nil
}

func parseTime(s, name string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", model.ErrInvalidOrder, name)
	}
	return t, nil
}

func parseInt(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", model.ErrInvalidOrder, name)
	}
	return n, nil
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", model.ErrInvalidOrder, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrRiskLimitExceeded), errors.Is(err, model.ErrInvalidStatus):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.Log.Error("api request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "code": model.ReasonCode(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
