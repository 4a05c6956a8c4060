package main

import (
	"time"

	"github.com/fentz26/linecook/internal/transport"
)

// newAPI returns a transport client for one-shot CLI commands.
func newAPI() *transport.Client {
	cc := cfg.Client
	return transport.New(cc.Server, transport.Settings{
		Timeout:         cc.RequestTimeout,
		BreakerFailures: cc.BreakerFailures,
		BreakerTimeout:  cc.BreakerTimeout,
	}, transport.WithLogger(logger))
}

// --- Helpers ---

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
