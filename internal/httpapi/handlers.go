package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pingrelay/internal/linking"
	"pingrelay/internal/notify"
	"pingrelay/internal/storage"
	"pingrelay/pkg/logx"
)

// API is the platform-facing HTTP surface: the monitoring backend calls it to
// issue deep links and to push alerts toward linked chats.
type API struct {
	engine   *linking.Engine
	store    *storage.Store
	notifier *notify.Service
	emailer  *notify.Emailer
	log      logx.Logger

	botUsername string
}

func NewAPI(engine *linking.Engine, store *storage.Store, notifier *notify.Service, emailer *notify.Emailer, botUsername string, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{
		engine:      engine,
		store:       store,
		notifier:    notifier,
		emailer:     emailer,
		log:         log,
		botUsername: strings.TrimPrefix(strings.TrimSpace(botUsername), "@"),
	}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/generate_link", a.handleGenerateLink)
	r.Post("/send_notification", a.handleSendNotification)
	r.Get("/health", a.handleHealth)
	return r
}

type generateLinkRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type generateLinkResponse struct {
	Link          string `json:"link"`
	Token         string `json:"token"`
	BotUsername   string `json:"bot_username"`
	AlreadyLinked bool   `json:"already_linked"`
	ChatID        *int64 `json:"chat_id,omitempty"`
}

func (a *API) handleGenerateLink(w http.ResponseWriter, r *http.Request) {
	var req generateLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rcpt, err := a.engine.Issue(r.Context(), req.Username, req.Token)
	switch {
	case errors.Is(err, linking.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.log.Error("link issuance failed", logx.Err(err), logx.String("username", req.Username))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	resp := generateLinkResponse{
		Link:          "https://t.me/" + a.botUsername + "?start=" + rcpt.Token,
		Token:         rcpt.Token,
		BotUsername:   a.botUsername,
		AlreadyLinked: rcpt.AlreadyLinked,
	}
	if rcpt.AlreadyLinked {
		id := rcpt.ChatID
		resp.ChatID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendNotificationRequest struct {
	Username    string `json:"username"`
	ServiceName string `json:"service_name"`
	ServiceURL  string `json:"service_url,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`

	// Email, when present, additionally delivers the alert over SMTP.
	Email string `json:"email,omitempty"`
}

func (a *API) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req sendNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.ServiceName = strings.TrimSpace(req.ServiceName)
	if req.Username == "" || req.ServiceName == "" {
		writeError(w, http.StatusBadRequest, "username and service_name are required")
		return
	}

	acc, err := a.store.AccountByUsername(r.Context(), req.Username)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !acc.Registered) {
		writeError(w, http.StatusNotFound, "user is not registered with the bot")
		return
	}
	if err != nil {
		a.log.Error("account lookup failed", logx.Err(err), logx.String("username", req.Username))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	alert := notify.Alert{
		Username:    req.Username,
		ServiceName: req.ServiceName,
		ServiceURL:  req.ServiceURL,
		Status:      notify.ParseStatus(req.Status),
		Message:     req.Message,
		At:          time.Now(),
	}

	if err := a.notifier.Send(r.Context(), acc.ChatID, notify.FormatAlert(alert)); err != nil {
		a.log.Error("alert enqueue failed", logx.Err(err),
			logx.String("username", req.Username),
			logx.String("service", req.ServiceName))
		writeError(w, http.StatusServiceUnavailable, "delivery pipeline unavailable")
		return
	}

	// SMTP is a secondary channel and never fails the request.
	if req.Email != "" && a.emailer.Enabled() {
		if err := a.emailer.SendAlert(req.Email, alert); err != nil {
			a.log.Warn("alert email failed", logx.Err(err), logx.String("to", req.Email))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "queued"})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"bot":    a.botUsername,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
