package metrics

import "time"

// DaemonMetrics holds all collabd-specific metrics.
type DaemonMetrics struct {
	registry *Registry

	// Counters
	MessagesTotal      *Counter
	ChangesTotal       *Counter
	ConflictsTotal     *Counter
	ResolutionsTotal   *Counter
	LocksDeclinedTotal *Counter
	CommentsTotal      *Counter
	ErrorsTotal        *Counter

	// Gauges
	OpenConnections *Gauge
	ActiveSessions  *Gauge
	OnlineUsers     *Gauge
	HeldLocks       *Gauge

	// Histograms
	DispatchDuration *Histogram
}

// NewDaemonMetrics creates and registers all collabd metrics.
func NewDaemonMetrics(registry *Registry) *DaemonMetrics {
	if registry == nil {
		registry = NewRegistry("collabd")
	}

	return &DaemonMetrics{
		registry: registry,

		MessagesTotal: registry.RegisterCounter(
			"messages_total",
			"Total inbound websocket messages handled",
			nil,
		),
		ChangesTotal: registry.RegisterCounter(
			"changes_total",
			"Total change proposals accepted",
			nil,
		),
		ConflictsTotal: registry.RegisterCounter(
			"conflicts_total",
			"Total stale-base conflicts surfaced",
			nil,
		),
		ResolutionsTotal: registry.RegisterCounter(
			"resolutions_total",
			"Total conflicts settled via conflict:resolve",
			nil,
		),
		LocksDeclinedTotal: registry.RegisterCounter(
			"locks_declined_total",
			"Total lock acquisitions declined due to contention",
			nil,
		),
		CommentsTotal: registry.RegisterCounter(
			"comments_total",
			"Total comments posted",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total error frames returned to clients",
			nil,
		),

		OpenConnections: registry.RegisterGauge(
			"open_connections",
			"Websocket connections currently open",
			nil,
		),
		ActiveSessions: registry.RegisterGauge(
			"active_sessions",
			"Collaboration sessions with at least one participant",
			nil,
		),
		OnlineUsers: registry.RegisterGauge(
			"online_users",
			"Users currently visible in presence",
			nil,
		),
		HeldLocks: registry.RegisterGauge(
			"held_locks",
			"Field locks currently held across all sessions",
			nil,
		),

		DispatchDuration: registry.RegisterHistogram(
			"dispatch_duration_seconds",
			"Time spent handling one inbound message",
			nil,
			DurationBuckets,
		),
	}
}

// Registry exposes the underlying registry, for the scrape endpoint.
func (m *DaemonMetrics) Registry() *Registry {
	return m.registry
}

// MessageHandled records one inbound message and its handling time.
func (m *DaemonMetrics) MessageHandled(d time.Duration) {
	m.MessagesTotal.Inc()
	m.DispatchDuration.ObserveDuration(d)
}

// ChangeAccepted records an accepted change proposal.
func (m *DaemonMetrics) ChangeAccepted() {
	m.ChangesTotal.Inc()
}

// ConflictDetected records a surfaced conflict.
func (m *DaemonMetrics) ConflictDetected() {
	m.ConflictsTotal.Inc()
}

// ConflictSettled records a resolved conflict.
func (m *DaemonMetrics) ConflictSettled() {
	m.ResolutionsTotal.Inc()
}

// LockDeclined records a contended lock acquisition.
func (m *DaemonMetrics) LockDeclined() {
	m.LocksDeclinedTotal.Inc()
}

// CommentPosted records a new comment.
func (m *DaemonMetrics) CommentPosted() {
	m.CommentsTotal.Inc()
}

// ErrorReturned records an error frame sent to a client.
func (m *DaemonMetrics) ErrorReturned() {
	m.ErrorsTotal.Inc()
}

// ConnectionOpened tracks the connection gauge.
func (m *DaemonMetrics) ConnectionOpened() {
	m.OpenConnections.Inc()
}

// ConnectionClosed tracks the connection gauge.
func (m *DaemonMetrics) ConnectionClosed() {
	m.OpenConnections.Dec()
}
