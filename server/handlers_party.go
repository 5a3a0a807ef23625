package server

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/watchparty/party"
	"github.com/onnwee/watchparty/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var partyPage = template.Must(template.New("party").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Channel}} watch party</title>
</head>
<body data-party-id="{{.PartyID}}" data-channel="{{.Channel}}" data-socket="/ws">
<iframe src="https://player.kick.com/{{.Channel}}" allowfullscreen title="{{.Channel}}"></iframe>
<div id="chat"></div>
</body>
</html>
`))

// handlePartyPage serves the viewer shell; the client app does the rest.
func (h *handlers) handlePartyPage(w http.ResponseWriter, r *http.Request) {
	v, ok := h.Parties.GetParty(r.PathValue("id"))
	if !ok {
		http.Error(w, "This watch party has ended or never existed.", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := partyPage.Execute(w, v); err != nil {
		slog.Warn("render party page", slog.String("party", v.PartyID), slog.Any("err", err))
	}
}

func (h *handlers) handlePartyGet(w http.ResponseWriter, r *http.Request) {
	v, ok := h.Parties.GetParty(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "party not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type injectRequest struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

// handlePartyMessage injects a system message into a party room.
func (h *handlers) handlePartyMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req injectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Author == "" {
		req.Author = "System"
	}
	_, span := telemetry.StartSpan(r.Context(), "http-server", "inject-message", telemetry.PartyAttr(id))
	defer span.End()
	if !h.Parties.PostMessage(r.Context(), id, req.Author, req.Message, party.OriginSystem) {
		writeError(w, http.StatusNotFound, "party not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}
