package response

import (
	"encoding/json"
	"net/http"

	"github.com/edvin/pipejobs/internal/daemon"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteResult writes a lifecycle result. Failed results are answered with
// 409 Conflict and the same body.
func WriteResult(w http.ResponseWriter, res daemon.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	WriteJSON(w, status, res)
}

// WriteText writes a plain text body.
func WriteText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(text))
}
