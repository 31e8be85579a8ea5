package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/foliolab/foliosync/internal/autosave"
	"github.com/foliolab/foliosync/internal/quota"
)

// Handler bridges scheduler events and quota warnings onto the
// WebSocket broadcast.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// stateChangeData is the payload for state-change messages.
type stateChangeData struct {
	State string `json:"state"`
}

// savedData is the payload for save-complete messages.
type savedData struct {
	CommitSHA string    `json:"commit_sha,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// conflictData is the payload for conflict messages.
type conflictData struct {
	Paths []string `json:"paths"`
	Kinds []string `json:"kinds"`
}

// quotaWarningData is the payload for quota warnings.
type quotaWarningData struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// OnSchedulerEvent forwards one autosave event to connected clients.
func (h *Handler) OnSchedulerEvent(ev autosave.Event) {
	switch ev.Type {
	case autosave.EventStateChange:
		h.send(MessageTypeStateChange, stateChangeData{State: ev.State.String()})

	case autosave.EventSaved:
		data := savedData{SavedAt: ev.SavedAt}
		if ev.Commit != nil {
			data.CommitSHA = ev.Commit.SHA
		}
		h.send(MessageTypeSaved, data)

	case autosave.EventConflict:
		data := conflictData{}
		for _, c := range ev.Conflicts {
			data.Paths = append(data.Paths, c.Path)
			data.Kinds = append(data.Kinds, string(c.Kind))
		}
		h.send(MessageTypeConflict, data)

	case autosave.EventError:
		h.send(MessageTypeError, map[string]string{"error": ev.Err.Error()})
	}
}

// OnQuotaWarning forwards a low-quota warning to connected clients.
func (h *Handler) OnQuotaWarning(w quota.Warning) {
	h.logger.Printf("Quota warning: %d/%d remaining", w.Remaining, w.Limit)
	h.send(MessageTypeQuotaWarning, quotaWarningData{
		Remaining: w.Remaining,
		Limit:     w.Limit,
		ResetAt:   w.ResetAt,
	})
}

func (h *Handler) send(typ MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s payload: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
