package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"futures-enginev1/internal/model"
	"futures-enginev1/internal/store/memory"
)

type fakeEngine struct {
	cmds []model.Command
	err  error
}

func (f *fakeEngine) Execute(_ context.Context, cmd model.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	f.cmds = append(f.cmds, cmd)
	return f.err
}

func (f *fakeEngine) Snapshot() model.PortfolioSnapshot {
	return model.PortfolioSnapshot{Balance: 10000}
}

func (f *fakeEngine) Risk() model.RiskSettings { return model.DefaultRiskSettings() }

func (f *fakeEngine) States() map[string]model.MachineContext {
	return map[string]model.MachineContext{"BTCUSDT": {State: "SCANNING"}}
}

func newTestRouter(t *testing.T) (*http.ServeMux, *fakeEngine, *memory.Store) {
	t.Helper()
	eng := &fakeEngine{}
	st := memory.New()
	return NewRouter(Deps{Engine: eng, Signals: st, Orders: st}), eng, st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_ReadModels(t *testing.T) {
	mux, _, _ := newTestRouter(t)

	rec := do(t, mux, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: got %d", rec.Code)
	}

	rec = do(t, mux, http.MethodGet, "/api/v1/portfolio", "")
	var snap model.PortfolioSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil || snap.Balance != 10000 {
		t.Fatalf("portfolio: %v %+v", err, snap)
	}

	rec = do(t, mux, http.MethodGet, "/api/v1/state", "")
	var states map[string]model.MachineContext
	if err := json.NewDecoder(rec.Body).Decode(&states); err != nil || states["BTCUSDT"].State != "SCANNING" {
		t.Fatalf("state: %v %+v", err, states)
	}
}

func TestRouter_SignalsQuery(t *testing.T) {
	mux, _, st := newTestRouter(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	statuses := []model.SignalStatus{model.SignalExecuted, model.SignalExpired, model.SignalExecuted}
	for i, s := range statuses {
		sig := model.TradingSignal{
			ID:          fmt.Sprintf("sig-%d", i),
			Symbol:      "BTCUSDT",
			Status:      s,
			GeneratedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := st.SaveSignal(context.Background(), sig); err != nil {
			t.Fatal(err)
		}
	}

	rec := do(t, mux, http.MethodGet, "/api/v1/signals?status=executed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body)
	}
	var got []model.TradingSignal
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "sig-2" {
		t.Fatalf("unexpected signals: %+v", got)
	}

	rec = do(t, mux, http.MethodGet, "/api/v1/signals?from=2024-03-01T01:00:00Z&limit=1", "")
	got = nil
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "sig-2" {
		t.Fatalf("unexpected page: %+v", got)
	}

	for _, q := range []string{"from=yesterday", "limit=-1", "offset=x"} {
		if rec := do(t, mux, http.MethodGet, "/api/v1/signals?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d", q, rec.Code)
		}
	}
}

func TestRouter_Orders(t *testing.T) {
	mux, _, st := newTestRouter(t)
	for i, s := range []model.OrderStatus{model.OrderOpen, model.OrderClosed} {
		o := model.Order{ID: fmt.Sprintf("ord-%d", i), Symbol: "BTCUSDT", Status: s}
		if err := st.SaveOrder(context.Background(), o); err != nil {
			t.Fatal(err)
		}
	}
	rec := do(t, mux, http.MethodGet, "/api/v1/orders?status=OPEN", "")
	var got []model.Order
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "ord-0" {
		t.Fatalf("unexpected orders: %+v", got)
	}
}

func TestRouter_Commands(t *testing.T) {
	mux, eng, _ := newTestRouter(t)

	rec := do(t, mux, http.MethodPost, "/api/v1/positions/ord-1/close", `{"price": 101.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: got %d: %s", rec.Code, rec.Body)
	}
	rec = do(t, mux, http.MethodPost, "/api/v1/positions/ord-2/close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close without body: got %d: %s", rec.Code, rec.Body)
	}
	rec = do(t, mux, http.MethodPost, "/api/v1/account/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: got %d", rec.Code)
	}
	rs := model.DefaultRiskSettings()
	rs.MaxOpenPositions = 5
	body, _ := json.Marshal(rs)
	rec = do(t, mux, http.MethodPut, "/api/v1/risk", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("risk: got %d: %s", rec.Code, rec.Body)
	}

	if len(eng.cmds) != 4 {
		t.Fatalf("expected 4 commands, got %d", len(eng.cmds))
	}
	if c := eng.cmds[0]; c.Type != model.CmdManualClose || c.PositionID != "ord-1" || c.Price != 101.5 {
		t.Fatalf("unexpected close command: %+v", c)
	}
	if c := eng.cmds[1]; c.PositionID != "ord-2" || c.Price != 0 {
		t.Fatalf("unexpected close command: %+v", c)
	}
	if eng.cmds[2].Type != model.CmdResetAccount {
		t.Fatalf("expected reset, got %s", eng.cmds[2].Type)
	}
	if c := eng.cmds[3]; c.Type != model.CmdUpdateRisk || c.Risk.MaxOpenPositions != 5 {
		t.Fatalf("unexpected risk command: %+v", c)
	}
}

func TestRouter_PartialRiskUpdateKeepsOtherFields(t *testing.T) {
	mux, eng, _ := newTestRouter(t)

	rec := do(t, mux, http.MethodPut, "/api/v1/risk", `{"max_open_positions": 7, "cooldown_candles": 5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("partial risk: got %d: %s", rec.Code, rec.Body)
	}
	if len(eng.cmds) != 1 || eng.cmds[0].Risk == nil {
		t.Fatalf("expected one risk command, got %+v", eng.cmds)
	}
	got, want := *eng.cmds[0].Risk, model.DefaultRiskSettings()
	if got.MaxOpenPositions != 7 || got.CooldownCandles != 5 {
		t.Fatalf("updated fields not applied: %+v", got)
	}
	if got.RiskPerTrade != want.RiskPerTrade || got.Leverage != want.Leverage || got.MinRiskReward != want.MinRiskReward {
		t.Fatalf("omitted fields must keep current values, got %+v", got)
	}
	if len(got.TPMultiples) != len(want.TPMultiples) || got.TrailingTrailPct != want.TrailingTrailPct {
		t.Fatalf("omitted targets and trailing must keep current values, got %+v", got)
	}
}

func TestRouter_ErrorMapping(t *testing.T) {
	mux, eng, _ := newTestRouter(t)

	if rec := do(t, mux, http.MethodPut, "/api/v1/risk", "{"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed risk: got %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodPut, "/api/v1/risk", `{"risk_per_trade": -1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid risk: got %d", rec.Code)
	}

	eng.err = fmt.Errorf("%w: position ord-9", model.ErrNotFound)
	rec := do(t, mux, http.MethodPost, "/api/v1/positions/ord-9/close", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing position: got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != model.ReasonCode(eng.err) {
		t.Fatalf("unexpected code %q", body["code"])
	}

	eng.err = fmt.Errorf("%w: disk full", model.ErrPersistence)
	if rec := do(t, mux, http.MethodPost, "/api/v1/account/reset", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("persistence: got %d", rec.Code)
	}

	if rec := do(t, mux, http.MethodGet, "/api/v1/account/reset", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: got %d", rec.Code)
	}
}
