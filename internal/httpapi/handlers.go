package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"typerace/broker/internal/logging"
	"typerace/broker/internal/networking"
	"typerace/broker/internal/raceengine"
	"typerace/broker/internal/replay"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative event-delivery and client statistics.
type StatsFunc func() (events, clients int)

// GamesLister returns the lightweight projection of every active session,
// backing the admin /api/monitor/games endpoint.
type GamesLister func() []raceengine.GameSummary

// ReplayDumper triggers a replay dump and optionally returns the artifact location.
type ReplayDumper interface {
	DumpReplay(ctx context.Context, sessionID string) (string, error)
}

// ReplayDumperFunc adapts a function into a ReplayDumper.
type ReplayDumperFunc func(ctx context.Context, sessionID string) (string, error)

// DumpReplay implements ReplayDumper.
func (f ReplayDumperFunc) DumpReplay(ctx context.Context, sessionID string) (string, error) {
	return f(ctx, sessionID)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// deniedCounter is implemented by RateLimiter values that track refusals;
// checked with a type assertion since it is not part of every RateLimiter.
type deniedCounter interface {
	Denied() int64
}

// QueueDepthFunc reports how many createGame requests are currently
// backlogged awaiting the creation queue's drain loop.
type QueueDepthFunc func() int

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Games       GamesLister
	Bandwidth   *networking.ProgressBandwidthRegulator
	Replay      ReplayDumper
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	ReplayStats func() replay.Stats
	QueueDepth  QueueDepthFunc
}

// HandlerSet bundles the admin/monitoring HTTP handlers. Every handler
// below liveness/readiness requires the admin token, matching the
// teacher's own admin-token gate on its replay-dump endpoint, except the
// metrics and event-catalogue handlers, which are served without it.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	games       GamesLister
	bandwidth   *networking.ProgressBandwidthRegulator
	replay      ReplayDumper
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	replayStats func() replay.Stats
	queueDepth  QueueDepthFunc
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		games:       opts.Games,
		bandwidth:   opts.Bandwidth,
		replay:      opts.Replay,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		replayStats: opts.ReplayStats,
		queueDepth:  opts.QueueDepth,
	}
}

// Register attaches every handler to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/api/monitor/games", h.GamesHandler())
	mux.HandleFunc("/api/monitor/events", h.EventCatalogueHandler())
	mux.HandleFunc("/api/monitor/replays/dump", h.ReplayDumpHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including client counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, clients := h.metricsStats()
		pending, uptime := h.pendingAndUptime()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP typerace_uptime_seconds Broker uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE typerace_uptime_seconds gauge\n")
		fmt.Fprintf(w, "typerace_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP typerace_clients Current connected WebSocket clients.\n")
		fmt.Fprintf(w, "# TYPE typerace_clients gauge\n")
		fmt.Fprintf(w, "typerace_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP typerace_pending_clients Pending WebSocket handshakes awaiting upgrade.\n")
		fmt.Fprintf(w, "# TYPE typerace_pending_clients gauge\n")
		fmt.Fprintf(w, "typerace_pending_clients %d\n", pending)

		fmt.Fprintf(w, "# HELP typerace_events_delivered_total Total outbound events delivered.\n")
		fmt.Fprintf(w, "# TYPE typerace_events_delivered_total counter\n")
		fmt.Fprintf(w, "typerace_events_delivered_total %d\n", events)

		if h.games != nil {
			fmt.Fprintf(w, "# HELP typerace_active_games Current number of registered game sessions.\n")
			fmt.Fprintf(w, "# TYPE typerace_active_games gauge\n")
			fmt.Fprintf(w, "typerace_active_games %d\n", len(h.games()))
		}

		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP typerace_progress_bytes_per_second Observed progress_update throughput per player in bytes per second.\n")
				fmt.Fprintf(w, "# TYPE typerace_progress_bytes_per_second gauge\n")
				for playerID, sample := range usage {
					fmt.Fprintf(w, "typerace_progress_bytes_per_second{player=%q} %.2f\n", playerID, sample.ProgressBytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP typerace_progress_frames_dropped_total Total throttled progress_update deliveries per player.\n")
				fmt.Fprintf(w, "# TYPE typerace_progress_frames_dropped_total counter\n")
				for playerID, sample := range usage {
					fmt.Fprintf(w, "typerace_progress_frames_dropped_total{player=%q} %d\n", playerID, sample.ProgressFramesDropped)
				}
				fmt.Fprintf(w, "# HELP typerace_critical_bytes_bypassed_total Total critical-event bytes delivered per player, exempt from progress throttling.\n")
				fmt.Fprintf(w, "# TYPE typerace_critical_bytes_bypassed_total counter\n")
				for playerID, sample := range usage {
					fmt.Fprintf(w, "typerace_critical_bytes_bypassed_total{player=%q} %d\n", playerID, sample.CriticalBytesBypassed)
				}
			}
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			fmt.Fprintf(w, "# HELP typerace_replay_buffered_sessions Sessions with a buffered replay.\n")
			fmt.Fprintf(w, "# TYPE typerace_replay_buffered_sessions gauge\n")
			fmt.Fprintf(w, "typerace_replay_buffered_sessions %d\n", stats.Sessions)
			fmt.Fprintf(w, "# HELP typerace_replay_buffered_frames Buffered progress-snapshot frames awaiting eviction.\n")
			fmt.Fprintf(w, "# TYPE typerace_replay_buffered_frames gauge\n")
			fmt.Fprintf(w, "typerace_replay_buffered_frames %d\n", stats.BufferedFrames)
			fmt.Fprintf(w, "# HELP typerace_replay_dumps_total Replay dumps completed successfully.\n")
			fmt.Fprintf(w, "# TYPE typerace_replay_dumps_total counter\n")
			fmt.Fprintf(w, "typerace_replay_dumps_total %d\n", stats.Dumps)
		}
		if counter, ok := h.rateLimiter.(deniedCounter); ok {
			fmt.Fprintf(w, "# HELP typerace_admin_requests_denied_total Admin requests refused by the rate limiter.\n")
			fmt.Fprintf(w, "# TYPE typerace_admin_requests_denied_total counter\n")
			fmt.Fprintf(w, "typerace_admin_requests_denied_total %d\n", counter.Denied())
		}
		if h.queueDepth != nil {
			fmt.Fprintf(w, "# HELP typerace_creation_queue_depth Backlogged createGame requests awaiting the drain loop.\n")
			fmt.Fprintf(w, "# TYPE typerace_creation_queue_depth gauge\n")
			fmt.Fprintf(w, "typerace_creation_queue_depth %d\n", h.queueDepth())
		}
	}
}

// GamesHandler lists every active game session, admin-token gated like the
// replay-dump endpoint.
func (h *HandlerSet) GamesHandler() http.HandlerFunc {
	type gameResponse struct {
		ID          string `json:"id"`
		PlayerCount int    `json:"playerCount"`
		State       string `json:"state"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.requireAdmin(w, r, "list_games") {
			return
		}
		if h.games == nil {
			writeJSON(w, http.StatusOK, []gameResponse{})
			return
		}
		games := h.games()
		out := make([]gameResponse, 0, len(games))
		for _, g := range games {
			out = append(out, gameResponse{ID: g.ID, PlayerCount: g.PlayerCount, State: g.State.String()})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type eventCatalogueEntry struct {
	ID          string `json:"id"`
	Direction   string `json:"direction"`
	Description string `json:"description"`
}

// eventCatalogue documents the wire event contract so operators and client
// developers can discover it without reading the source, mirroring the
// teacher's control-legend endpoint but for this domain's events instead
// of flight controls.
var eventCatalogue = []eventCatalogueEntry{
	{ID: "create_game", Direction: "inbound", Description: "Start a new session as its first player."},
	{ID: "join_game", Direction: "inbound", Description: "Join an existing session, or any joinable one when gameId is omitted."},
	{ID: "player_ready", Direction: "inbound", Description: "Mark the caller ready to start."},
	{ID: "update_progress", Direction: "inbound", Description: "Report typing progress while Racing."},
	{ID: "player_finished", Direction: "inbound", Description: "Report the caller crossed the finish line."},
	{ID: "get_game_state", Direction: "inbound", Description: "Request a fresh snapshot of a session."},
	{ID: "get_all_games", Direction: "inbound", Description: "Request the lightweight listing of every active session."},
	{ID: "get_replay", Direction: "inbound", Description: "Request the buffered replay for a finished session."},
	{ID: "set_system_config", Direction: "inbound", Description: "Adjust Controller tunables at runtime."},
	{ID: "player_joined", Direction: "outbound", Description: "Broadcast when a player or spectator is seated."},
	{ID: "player_left", Direction: "outbound", Description: "Broadcast when a player disconnects or is removed."},
	{ID: "game_countdown", Direction: "outbound", Description: "Broadcast once per second while Countdown is active."},
	{ID: "game_started", Direction: "outbound", Description: "Broadcast exactly once, on entry to Racing."},
	{ID: "progress_update", Direction: "outbound", Description: "Broadcast per updateProgress call, subject to adaptive throttling."},
	{ID: "game_finished", Direction: "outbound", Description: "Broadcast exactly once, on entry to Finished, with the final summary."},
	{ID: "game_terminated", Direction: "outbound", Description: "Broadcast when a session is destroyed, by the post-race cleanup delay or by idle termination."},
	{ID: "game_state_update", Direction: "outbound", Description: "Reply to get_game_state, create_game and join_game; also carries progress_update broadcasts and system_status."},
	{ID: "all_games", Direction: "outbound", Description: "Direct reply to get_all_games."},
	{ID: "replay_data", Direction: "outbound", Description: "Direct reply to get_replay."},
	{ID: "error", Direction: "outbound", Description: "Direct reply carrying {message, code} for a failed inbound request."},
}

// EventCatalogueHandler serves the inbound/outbound event documentation.
// Unlike the other /api/monitor endpoints this is not admin-gated: it
// describes the wire contract, not operational state.
func (h *HandlerSet) EventCatalogueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eventCatalogue)
	}
}

// ReplayDumpHandler authorises and triggers a compressed replay export for
// the session named by the "session" query parameter.
func (h *HandlerSet) ReplayDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.requireAdmin(w, r, "replay_dump") {
			return
		}
		reqLogger := h.logger.With(
			logging.String("handler", "replay_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
		if sessionID == "" {
			http.Error(w, "missing session query parameter", http.StatusBadRequest)
			return
		}
		if h.replay == nil {
			reqLogger.Warn("replay dump denied: no dumper configured")
			http.Error(w, "replay dumping is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.DumpReplay(r.Context(), sessionID)
		if err != nil {
			reqLogger.Error("replay dump trigger failed", logging.Error(err), logging.String("session", sessionID))
			http.Error(w, "failed to trigger replay dump", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay dump triggered", logging.String("session", sessionID))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

// requireAdmin enforces the api-key/bearer-token gate and rate limit
// shared by every admin/monitoring handler below liveness and readiness
// other than the metrics and event-catalogue handlers.
func (h *HandlerSet) requireAdmin(w http.ResponseWriter, r *http.Request, handlerName string) bool {
	reqLogger := h.logger.With(logging.String("handler", handlerName), logging.String("remote_addr", r.RemoteAddr))
	if h.adminToken == "" {
		reqLogger.Warn("admin request denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return false
	}
	if !h.authorise(r) {
		reqLogger.Warn("admin request denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow() {
		reqLogger.Warn("admin request denied: rate limit exceeded")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (h *HandlerSet) metricsStats() (events, clients int) {
	if h.stats != nil {
		return h.stats()
	}
	if h.readiness != nil {
		clients, _ = h.readiness.SnapshotClientCounts()
	}
	return
}

func (h *HandlerSet) pendingAndUptime() (pending int, uptime float64) {
	if h.readiness == nil {
		return 0, 0
	}
	_, pending = h.readiness.SnapshotClientCounts()
	return pending, h.readiness.Uptime().Seconds()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Api-Key"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1 {
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
