package bot

import (
	"pingrelay/internal/linking"
	"pingrelay/pkg/tgui"
)

// renderOutcome turns a linking outcome into the user-facing reply. The
// switch is exhaustive over the closed Kind set; KindNoOp renders empty and
// the caller sends nothing.
func renderOutcome(o linking.Outcome) string {
	switch o.Kind {
	case linking.KindNoOp:
		return ""

	case linking.KindTokenNotFound:
		return tgui.Esc("Could not find an account for this code. Check the code on your PingTower dashboard.").String()

	case linking.KindTokenUsedByOtherChat:
		return tgui.Esc("This code was already used from another chat. Generate a new one on the dashboard.").String()

	case linking.KindTokenExpired:
		return tgui.Esc("This link has expired. Generate a fresh code on the dashboard.").String()

	case linking.KindChatBoundToOtherAccount:
		return tgui.Lines(
			tgui.Raw("This chat is already linked to ")+tgui.Code(o.BoundUsername)+tgui.Raw("."),
			tgui.Esc("Unlink it first, then try again."),
		).String()

	case linking.KindRelinked:
		return tgui.Lines(
			tgui.B("Account link updated"),
			"",
			tgui.Raw("User: ")+tgui.Code(o.Username),
			tgui.Esc("All notifications for this account now arrive in this chat."),
		).String()

	case linking.KindAlreadyLinkedSameChat, linking.KindAlreadyLinkedSameAccount:
		return tgui.Lines(
			tgui.Esc("This chat is already linked to your PingTower account."),
			"",
			tgui.Raw("User: ")+tgui.Code(o.Username),
		).String()

	case linking.KindLinkedNew:
		return tgui.Lines(
			tgui.B("Your PingTower account is linked to this chat"),
			"",
			tgui.Raw("User: ")+tgui.Code(o.Username),
			tgui.Esc("Alerts will be delivered here."),
		).String()

	default:
		return tgui.Esc("Could not link this chat. Generate a fresh code on the dashboard and try again.").String()
	}
}
