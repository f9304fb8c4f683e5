package notify

import (
	"time"

	"pingrelay/pkg/tgui"
)

// FormatAlert renders the Telegram HTML body for a monitoring alert.
func FormatAlert(a Alert) string {
	statusEmoji := "🔴"
	statusText := "❌ Down"
	if a.Status == StatusUp {
		statusEmoji = "🟢"
		statusText = "✅ Recovered"
	}

	at := a.At
	if at.IsZero() {
		at = time.Now()
	}

	parts := []tgui.H{
		tgui.Raw(statusEmoji + " ") + tgui.B("PingTower alert"),
		"",
		tgui.B("Service:") + " " + tgui.Code(a.ServiceName),
	}
	if a.ServiceURL != "" {
		parts = append(parts, tgui.B("URL:")+" "+tgui.Esc(a.ServiceURL))
	}
	parts = append(parts, tgui.B("Status:")+" "+tgui.Esc(statusText))
	if a.Message != "" {
		parts = append(parts, tgui.B("Details:")+" "+tgui.Esc(a.Message))
	}
	parts = append(parts, tgui.B("Time:")+" "+tgui.Esc(at.Format("02.01.2006 15:04:05")))

	return tgui.Lines(parts...).String()
}
