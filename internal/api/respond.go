package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error envelope: {success:false, message, error:{code, data?}, meta:{timestamp}}

type errorDetail struct {
	Code string      `json:"code"`
	Data interface{} `json:"data,omitempty"`
}

type responseMeta struct {
	Timestamp time.Time `json:"timestamp"`
}

type errorEnvelope struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Error   errorDetail  `json:"error"`
	Meta    responseMeta `json:"meta"`
}

type dataEnvelope struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data"`
	Meta    responseMeta `json:"meta"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, dataEnvelope{
		Success: true,
		Data:    data,
		Meta:    responseMeta{Timestamp: time.Now().UTC()},
	})
}

func writeError(w http.ResponseWriter, status int, code, message string, data interface{}) {
	writeJSON(w, status, errorEnvelope{
		Message: message,
		Error:   errorDetail{Code: code, Data: data},
		Meta:    responseMeta{Timestamp: time.Now().UTC()},
	})
}
