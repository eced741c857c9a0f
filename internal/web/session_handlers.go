package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"social-duel/server/internal/engine"
	"social-duel/server/internal/generators"
	"social-duel/server/internal/models"
)

const maxVoiceBytes = 10 << 20

// CreateSessionRequest creates a session or reopens a stored one
type CreateSessionRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Player    models.Persona `json:"player"`
	Opponent  models.Persona `json:"opponent"`
}

// MessageRequest carries a typed chat line
type MessageRequest struct {
	Text string `json:"text"`
}

// SelectRequest carries an action or final choice tag
type SelectRequest struct {
	Tag string `json:"tag"`
}

// SessionView is what clients see of a session
type SessionView struct {
	SessionID     string           `json:"session_id"`
	Setup         models.Setup     `json:"setup"`
	State         models.GameState `json:"state"`
	Pending       string           `json:"pending"`
	ResumePending bool             `json:"resume_pending"`
}

// CreateSessionResponse adds what Start found in the slot
type CreateSessionResponse struct {
	SessionView
	Restored    bool `json:"restored"`
	NeedsPrompt bool `json:"needs_prompt"`
}

func viewOf(o *engine.Orchestrator) SessionView {
	return SessionView{
		SessionID:     o.ID(),
		Setup:         o.Setup(),
		State:         o.View(),
		Pending:       o.Pending().String(),
		ResumePending: o.ResumePending(),
	}
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*engine.Orchestrator, bool) {
	o, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return o, true
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	o, result, err := h.sessions.Open(r.Context(), req.SessionID, models.Setup{
		Player:   req.Player,
		Opponent: req.Opponent,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.hub != nil {
		h.hub.Watch(o)
	}

	writeData(w, CreateSessionResponse{
		SessionView: viewOf(o),
		Restored:    result.Found,
		NeedsPrompt: result.NeedsPrompt,
	})
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	o, ok := h.session(w, r)
	if !ok {
		return
	}
	writeData(w, viewOf(o))
}

// step runs one orchestrator operation and answers with the new view
func (h *Handlers) step(w http.ResponseWriter, r *http.Request, op func(o *engine.Orchestrator) error) {
	o, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := op(o); err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, viewOf(o))
}

func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.Resume(r.Context())
		return err
	})
}

func (h *Handlers) Discard(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.Discard(r.Context())
		return err
	})
}

func (h *Handlers) Restart(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.Restart(r.Context())
		return err
	})
}

func (h *Handlers) OpenRound(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.OpenRound(r.Context())
		return err
	})
}

func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.SendMessage(r.Context(), req.Text)
		return err
	})
}

func (h *Handlers) SendVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxVoiceBytes)
	if err := r.ParseMultipartForm(maxVoiceBytes); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "Missing audio file")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "Failed to read audio file")
		return
	}
	if len(audio) == 0 {
		writeFailure(w, http.StatusBadRequest, "Empty audio file")
		return
	}

	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.SendVoice(r.Context(), audio, header.Filename)
		return err
	})
}

func (h *Handlers) EndTurn(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.EndTurn(r.Context())
		return err
	})
}

func (h *Handlers) SelectAction(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.SelectAction(r.Context(), req.Tag)
		return err
	})
}

func (h *Handlers) SelectFinalChoice(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.step(w, r, func(o *engine.Orchestrator) error {
		_, err := o.SelectFinalChoice(r.Context(), req.Tag)
		return err
	})
}

func (h *Handlers) Share(w http.ResponseWriter, r *http.Request) {
	o, ok := h.session(w, r)
	if !ok {
		return
	}
	card, err := o.Share()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, card)
}

// Stream upgrades to a websocket that receives every state change of the
// session, starting with the current one
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeFailure(w, http.StatusServiceUnavailable, "State stream not available")
		return
	}
	o, ok := h.session(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:        uuid.NewString(),
		SessionID: o.ID(),
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		Hub:       h.hub,
	}
	if data, err := encodeState(o.ID(), o.View()); err == nil {
		client.Send <- data
	}

	h.hub.Watch(o)
	h.hub.register <- client
	client.readPump()
}

// CatalogView is the public part of the scenario; secret backstories and
// missions stay on the server
type CatalogView struct {
	StoryBackground string                                `json:"story_background"`
	Backgrounds     []string                              `json:"backgrounds"`
	MaxRounds       int                                   `json:"max_rounds"`
	RoundActions    [][]models.Action                     `json:"round_actions"`
	FinalChoices    map[string][]models.FinalChoiceOption `json:"final_choices"`
}

func (h *Handlers) GetCatalog(w http.ResponseWriter, r *http.Request) {
	c := h.sessions.Catalog()
	writeData(w, CatalogView{
		StoryBackground: c.StoryBackground,
		Backgrounds:     c.Backgrounds(),
		MaxRounds:       c.MaxRounds(),
		RoundActions:    c.RoundActions,
		FinalChoices:    c.FinalChoices,
	})
}

func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeFailure(w, http.StatusServiceUnavailable, "Result archive not connected")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeFailure(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	records, err := h.history.ListResults(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, records)
}

func (h *Handlers) GetAudio(w http.ResponseWriter, r *http.Request) {
	if h.audio == nil {
		writeFailure(w, http.StatusNotFound, "Audio not found")
		return
	}

	data, format, err := h.audio.Get(r.Context(), chi.URLParam(r, "key"))
	if errors.Is(err, generators.ErrCacheMiss) {
		writeFailure(w, http.StatusNotFound, "Audio not found")
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", generators.ContentType(format))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
