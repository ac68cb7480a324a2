package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexuspc",
		Subsystem: "chat",
		Name:      "messages_appended_total",
		Help:      "Messages durably appended, by conversation class.",
	}, []string{"class"})

	messagesEdited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexuspc",
		Subsystem: "chat",
		Name:      "messages_edited_total",
		Help:      "In-window text edits applied.",
	})

	messagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexuspc",
		Subsystem: "chat",
		Name:      "messages_deleted_total",
		Help:      "Messages hard-deleted by their sender.",
	})

	reactionsToggled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexuspc",
		Subsystem: "chat",
		Name:      "reactions_toggled_total",
		Help:      "Reaction toggle operations applied.",
	})

	windowWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexuspc",
		Subsystem: "chat",
		Name:      "window_watchers",
		Help:      "Active window subscriptions across all conversations.",
	})

	sendsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexuspc",
		Subsystem: "chat",
		Name:      "sends_failed_total",
		Help:      "Durable appends that failed and rolled back an optimistic entry.",
	})

	pendingFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexuspc",
		Subsystem: "chat",
		Name:      "pending_flushed_total",
		Help:      "Offline pending messages flushed after reconnect.",
	})
)
