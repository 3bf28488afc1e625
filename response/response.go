package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages"`
}

// WriteResponse will write the result as a JSON envelope with HTTP 200
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{
		Result:   result,
		Messages: []string{},
	})
}

// WriteError will write the Error with its status code as a JSON envelope
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	msgs := e.Messages
	if len(msgs) == 0 && len(e.Message) > 0 {
		msgs = []string{e.Message}
	}
	json.NewEncoder(w).Encode(envelope{
		Result:   e.Result,
		Messages: msgs,
	})
}
