// Package metrics holds the Prometheus instruments shared by the admission
// paths; the promhttp handler in cmd/api exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts admission decisions by path ("self_mark", "approval",
	// "direct") and outcome ("admitted", "rejected", "error").
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_admissions_total",
		Help: "Attendance admission decisions by path and outcome.",
	}, []string{"path", "outcome"})

	// NotificationsCreated counts deduplicated notification inserts.
	NotificationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_notifications_created_total",
		Help: "Daily absence notifications actually created (dedup hits excluded).",
	})

	// WindowsOpened counts self-attendance windows opened.
	WindowsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_self_windows_opened_total",
		Help: "Self-attendance windows opened by teachers.",
	})
)
