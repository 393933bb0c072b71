package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/MrWong99/concierge/internal/observe"
	"github.com/MrWong99/concierge/internal/turn"
)

const (
	defaultMaxUploadBytes = 25 << 20
	audioField            = "audio"
)

// Turner runs one turn-based exchange.
type Turner interface {
	Run(ctx context.Context, audio io.Reader, filename string) (turn.Result, error)
}

var _ Turner = (*turn.Pipeline)(nil)

// ChatHandler serves POST /api/chat.
type ChatHandler struct {
	turner         Turner
	maxUploadBytes int64
}

// NewChatHandler creates a handler over t. maxUploadBytes bounds the request
// body; zero uses 25 MiB.
func NewChatHandler(t Turner, maxUploadBytes int64) *ChatHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &ChatHandler{turner: t, maxUploadBytes: maxUploadBytes}
}

// Register adds the chat route to mux.
func (h *ChatHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.Chat)
}

// Chat transcribes the uploaded "audio" part, replies and returns the reply
// as text and speech.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, hdr, err := r.FormFile(audioField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Audio file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	res, err := h.turner.Run(r.Context(), file, hdr.Filename)
	if err != nil {
		observe.Logger(r.Context()).Error("api: chat turn failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Error processing audio")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
