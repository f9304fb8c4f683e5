package notify

import (
	"errors"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"pingrelay/pkg/logx"
)

// EmailConfig configures the SMTP alert channel.
type EmailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Emailer sends alert emails over plain SMTP with optional AUTH. Delivery is
// best-effort: the relay logs failures and never propagates them to the
// platform request.
type Emailer struct {
	cfg EmailConfig
	log logx.Logger

	// send is replaceable in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailer(cfg EmailConfig, log logx.Logger) *Emailer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Emailer{cfg: cfg, log: log, send: smtp.SendMail}
}

func (e *Emailer) Enabled() bool { return e != nil && e.cfg.Enabled }

// SendAlert delivers the alert to the address. Returns an error for logging;
// callers are expected to treat it as non-fatal.
func (e *Emailer) SendAlert(to string, a Alert) error {
	if !e.Enabled() {
		return errors.New("email channel disabled")
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("recipient address is empty")
	}

	port := e.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(port))

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	msg := buildAlertMail(e.cfg.From, to, a)
	if err := e.send(addr, auth, e.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	e.log.Info("alert email sent", logx.String("to", to), logx.String("service", a.ServiceName))
	return nil
}

func buildAlertMail(from, to string, a Alert) []byte {
	statusEmoji := "🔴"
	statusText := "Down"
	if a.Status == StatusUp {
		statusEmoji = "🟢"
		statusText = "Recovered"
	}
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}

	subject := fmt.Sprintf("%s PingTower Alert: %s - %s", statusEmoji, a.ServiceName, statusText)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")

	esc := html.EscapeString
	b.WriteString("<html><body>\n")
	fmt.Fprintf(&b, "<h2>%s PingTower alert</h2>\n", statusEmoji)
	b.WriteString("<table>\n")
	fmt.Fprintf(&b, "<tr><td><b>User:</b></td><td>%s</td></tr>\n", esc(a.Username))
	fmt.Fprintf(&b, "<tr><td><b>Service:</b></td><td>%s</td></tr>\n", esc(a.ServiceName))
	if a.ServiceURL != "" {
		fmt.Fprintf(&b, "<tr><td><b>URL:</b></td><td><a href=\"%s\">%s</a></td></tr>\n", esc(a.ServiceURL), esc(a.ServiceURL))
	}
	fmt.Fprintf(&b, "<tr><td><b>Status:</b></td><td>%s %s</td></tr>\n", statusEmoji, esc(statusText))
	if a.Message != "" {
		fmt.Fprintf(&b, "<tr><td><b>Details:</b></td><td>%s</td></tr>\n", esc(a.Message))
	}
	fmt.Fprintf(&b, "<tr><td><b>Time:</b></td><td>%s</td></tr>\n", at.Format("02.01.2006 15:04:05"))
	b.WriteString("</table>\n</body></html>\r\n")

	return []byte(b.String())
}
