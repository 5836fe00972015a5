package httpapi

import (
	"net/http"
	"time"

	"fleetbot/internal/engine"
	"fleetbot/internal/platform"
)

type credentialsBody struct {
	AccountID string `json:"account_id"`
	APIID     int    `json:"api_id"`
	APIHash   string `json:"api_hash"`
}

func (b credentialsBody) creds() platform.Credentials {
	return platform.Credentials{AccountID: b.AccountID, APIID: b.APIID, APIHash: b.APIHash}
}

func (b credentialsBody) validate() string {
	switch {
	case b.AccountID == "":
		return "account_id is required"
	case b.APIID == 0:
		return "api_id is required"
	case b.APIHash == "":
		return "api_hash is required"
	}
	return ""
}

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		credentialsBody
		Phone string `json:"phone"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if body.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}

	if err := s.auth.RequestCode(r.Context(), body.creds(), body.Phone); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "code_sent"})
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountID string `json:"account_id"`
		Code      string `json:"code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AccountID == "" || body.Code == "" {
		writeError(w, http.StatusBadRequest, "account_id and code are required")
		return
	}

	res, err := s.auth.VerifyCode(r.Context(), body.AccountID, body.Code)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if res.PasswordRequired {
		writeJSON(w, http.StatusOK, map[string]string{"status": "password_required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized", "session": res.Token})
}

func (s *Server) handleVerifyPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountID string `json:"account_id"`
		Password  string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AccountID == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "account_id and password are required")
		return
	}

	token, err := s.auth.VerifyPassword(r.Context(), body.AccountID, body.Password)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized", "session": token})
}

func (s *Server) handleIssueQR(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if !decodeBody(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ch, err := s.auth.IssueQR(r.Context(), body.creds())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":        ch.URI,
		"expires_at": ch.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePollQR(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	st, err := s.auth.PollQR(r.Context(), account)
	if err != nil {
		writeFailure(w, err)
		return
	}

	switch st.State {
	case platform.QRAuthorized:
		writeJSON(w, http.StatusOK, map[string]string{"status": "authorized", "session": st.Token})
	case platform.QRPasswordRequired:
		writeJSON(w, http.StatusOK, map[string]string{"status": "password_required"})
	case platform.QRExpired:
		writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
	}
}

func (s *Server) handleRefreshQR(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	ch, err := s.auth.RefreshQR(r.Context(), account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":        ch.URI,
		"expires_at": ch.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		credentialsBody
		Session string `json:"session"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if body.Session == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}

	id, err := s.auth.ValidateSession(r.Context(), body.creds(), body.Session)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "valid", "identity": id})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	s.auth.Abandon(r.PathValue("account"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
}

// startBotBody mirrors the frontend's bot form. Delays are seconds; days use
// Monday=0 through Sunday=6.
type startBotBody struct {
	credentialsBody
	Session         string   `json:"session"`
	Messages        []string `json:"messages"`
	MinDelaySec     int      `json:"min_delay"`
	MaxDelaySec     int      `json:"max_delay"`
	Channels        []int64  `json:"channels"`
	AutoReply       bool     `json:"auto_reply"`
	AutoReplyText   string   `json:"auto_reply_text"`
	ScheduleEnabled bool     `json:"schedule_enabled"`
	StartHour       int      `json:"start_hour"`
	EndHour         int      `json:"end_hour"`
	Days            []int    `json:"days"`
	DailyLimit      int      `json:"daily_limit"`
}

func (b *startBotBody) config(botID string) (engine.BotConfig, string) {
	if msg := b.validate(); msg != "" {
		return engine.BotConfig{}, msg
	}
	cfg := engine.BotConfig{
		BotID:             botID,
		Credentials:       b.creds(),
		SessionToken:      b.Session,
		MessageVariants:   b.Messages,
		MinDelay:          time.Duration(b.MinDelaySec) * time.Second,
		MaxDelay:          time.Duration(b.MaxDelaySec) * time.Second,
		Channels:          b.Channels,
		AutoReply:         b.AutoReply,
		AutoReplyText:     b.AutoReplyText,
		ScheduleEnabled:   b.ScheduleEnabled,
		ScheduleStartHour: b.StartHour,
		ScheduleEndHour:   b.EndHour,
		DailyLimit:        b.DailyLimit,
	}
	if len(b.Days) > 0 {
		cfg.ScheduleDays = map[time.Weekday]bool{}
		for _, d := range b.Days {
			if d < 0 || d > 6 {
				return engine.BotConfig{}, "days must be within [0,6]"
			}
			// Monday=0 on the wire; time.Weekday has Sunday=0.
			cfg.ScheduleDays[time.Weekday((d+1)%7)] = true
		}
	}
	return cfg, ""
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	var body startBotBody
	if !decodeBody(w, r, &body) {
		return
	}
	cfg, msg := body.config(r.PathValue("id"))
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	st, err := s.engine.Start(r.Context(), cfg)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status(r.PathValue("id")))
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bots": s.engine.List()})
}

func (s *Server) handleBotHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, errHistoryDisabled.Error())
		return
	}
	recs, err := s.history.RecentSends(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": recs})
}

func (s *Server) handleListDialogs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		credentialsBody
		Session string `json:"session"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if body.Session == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}

	dialogs, err := s.engine.ListDialogs(r.Context(), body.creds(), body.Session)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": dialogs})
}

func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		credentialsBody
		Session   string `json:"session"`
		ChannelID int64  `json:"channel_id"`
		Text      string `json:"text"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	switch {
	case body.Session == "":
		writeError(w, http.StatusBadRequest, "session is required")
		return
	case body.ChannelID == 0:
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	case body.Text == "":
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.engine.TestSend(r.Context(), body.creds(), body.Session, body.ChannelID, body.Text); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (b *startBotBody) validate() string {
	if msg := b.credentialsBody.validate(); msg != "" {
		return msg
	}
	switch {
	case b.Session == "":
		return "session is required"
	case len(b.Messages) == 0:
		return "at least one message is required"
	case b.MinDelaySec < 0 || b.MaxDelaySec < 0:
		return "delays must be >= 0"
	case b.MinDelaySec > b.MaxDelaySec:
		return "min_delay must be <= max_delay"
	}
	return ""
}
