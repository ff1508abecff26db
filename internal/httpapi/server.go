package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autobuy/internal/config"
	"autobuy/internal/engine"
	"autobuy/internal/logbus"
	"autobuy/internal/model"
	"autobuy/internal/notify"
	"autobuy/internal/store/sqlite"
	"autobuy/internal/ws"
)

type Options struct {
	Cfg     config.Config
	Bus     *logbus.Bus
	Store   *sqlite.Store
	Events  *logbus.EventLog
	Manager *engine.Manager
}

type Server struct {
	cfg     config.Config
	bus     *logbus.Bus
	store   *sqlite.Store
	events  *logbus.EventLog
	manager *engine.Manager
	ws      *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:     opts.Cfg,
		bus:     opts.Bus,
		store:   opts.Store,
		events:  opts.Events,
		manager: opts.Manager,
		ws:      ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/engine/start", s.handleEngineStart)
	api.HandleFunc("/api/v1/engine/stop", s.handleEngineStop)
	api.HandleFunc("/api/v1/engine/state", s.handleEngineState)
	api.HandleFunc("/api/v1/history", s.handleHistory)
	api.HandleFunc("/api/v1/history/import", s.handleHistoryImport)
	api.HandleFunc("/api/v1/history/export.csv", s.handleHistoryExportCSV)
	api.HandleFunc("/api/v1/history/export.json", s.handleHistoryExportJSON)
	api.HandleFunc("/api/v1/history/export.jsonl", s.handleHistoryExportJSONL)
	api.HandleFunc("/api/v1/history/summary", s.handleHistorySummary)
	api.HandleFunc("/api/v1/stats", s.handleStats)
	api.HandleFunc("/api/v1/override", s.handleOverride)
	api.HandleFunc("/api/v1/settings/email", s.handleEmailSettings)
	api.HandleFunc("/api/v1/settings/email/test", s.handleEmailTest)
	api.HandleFunc("/api/v1/settings/webhook", s.handleWebhookSettings)
	api.HandleFunc("/api/v1/settings/webhook/test", s.handleWebhookTest)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ── 引擎控制 ─────────────────────────────────────────────────

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.manager.StartAll(r.Context()); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.manager.StopAll(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleEngineState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"running":  s.manager.Running(),
		"accounts": s.manager.States(),
		"limiters": s.manager.LimiterSnapshots(),
		"health":   s.manager.HealthSnapshots(),
	}})
}

// ── 历史 ─────────────────────────────────────────────────────

func historyFilter(r *http.Request) (model.HistoryFilter, error) {
	q := r.URL.Query()
	f := model.HistoryFilter{
		Site:     strings.TrimSpace(q.Get("site")),
		Username: strings.TrimSpace(q.Get("username")),
	}
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid from")
		}
		f.From = t
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid to")
		}
		f.To = t
	}
	return f, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f, err := historyFilter(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		records, err := s.store.ListHistory(r.Context(), f)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": records})
	case http.MethodDelete:
		if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
			ok, err := s.store.DeleteHistory(r.Context(), id)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": ok})
			return
		}
		if err := s.store.ClearHistory(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleHistoryImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	n, err := s.store.ImportHistoryJSON(r.Context(), data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"imported": n}})
}

func (s *Server) handleHistoryExportCSV(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "text/csv; charset=utf-8", "history.csv", s.store.ExportHistoryCSV)
}

func (s *Server) handleHistoryExportJSON(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "application/json", "history.json", s.store.ExportHistoryJSON)
}

func (s *Server) handleHistoryExportJSONL(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "application/x-ndjson", "history.jsonl", s.store.ExportHistoryJSONL)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request, contentType, filename string,
	fn func(context.Context, model.HistoryFilter) ([]byte, error)) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	f, err := historyFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	data, err := fn(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_, _ = w.Write(data)
}

func (s *Server) handleHistorySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	f, err := historyFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	summary, err := s.store.HistorySummary(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": summary})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	days := 7
	if v := strings.TrimSpace(r.URL.Query().Get("days")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid days"})
			return
		}
		days = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.events.GetStats(days)})
}

// ── 热更新 ───────────────────────────────────────────────────

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		Site  string                     `json:"site"`
		Patch map[string]json.RawMessage `json:"patch"`
	}
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if body.Site == "" || len(body.Patch) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "site and patch are required"})
		return
	}

	if err := config.SaveOverride(s.cfg.Sites.OverridePath, body.Site, body.Patch); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	// 直接下发给运行中的引擎，不等 watcher 的下一轮轮询
	changed := s.manager.ApplyPatch(body.Site, body.Patch)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"changed": changed}})
}

// ── 通知设置 ─────────────────────────────────────────────────

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		val.AuthCode = "" // 授权码不回显
		writeJSON(w, http.StatusOK, map[string]any{"data": val})
	case http.MethodPost:
		var body model.EmailSettings
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := s.store.SaveEmailSettings(r.Context(), body); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	settings, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	err = notify.SendBoughtSummaryEmail(ctx, settings, []notify.BoughtEvent{{
		At: time.Now(), Site: "test", Username: "test", ItemID: "测试商品", Price: 0.01,
	}})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWebhookSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, err := s.store.GetWebhookSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": val})
	case http.MethodPost:
		var body model.WebhookSettings
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := s.store.SaveWebhookSettings(r.Context(), body); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	hook := notify.NewWebhook(s.store, s.bus)
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	hook.OnBought(ctx, notify.BoughtEvent{
		At: time.Now(), Site: "test", Username: "test", ItemID: "测试商品", Price: 0.01,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ── 工具 ─────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}
