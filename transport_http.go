package taskmesh

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// HTTP fallback transport. Devices that cannot hold a websocket POST
// envelopes one at a time and poll for queued commands; the outbox in the
// gateway bridges the two directions.
const (
	messagePath  = "/aip/v1/message"
	commandsPath = "/aip/v1/commands"

	snappyEncoding = "snappy"
	maxBodyBytes   = 1 << 20
)

// HTTPTransport serves the poll-mode AIP transport.
type HTTPTransport struct {
	gateway *Gateway
}

// NewHTTPTransport creates an HTTP transport over the gateway.
func NewHTTPTransport(gateway *Gateway) *HTTPTransport {
	return &HTTPTransport{gateway: gateway}
}

// Register installs the transport's routes on mux.
func (t *HTTPTransport) Register(mux *http.ServeMux) {
	mux.HandleFunc(messagePath, t.handleMessage)
	mux.HandleFunc(commandsPath, t.handleCommands)
}

// handleMessage accepts one envelope per request and answers with the reply
// envelope, when the message kind produces one. Bodies may be snappy
// compressed (Content-Encoding: snappy).
func (t *HTTPTransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	compressed := r.Header.Get("Content-Encoding") == snappyEncoding

	env, err := DecodeFrame(body, compressed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reply, err := t.gateway.HandleEnvelope(r.Context(), nil, env)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, ErrInvalidEnvelope) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeEnvelope(w, reply, compressed)
}

// handleCommands drains the device's outbox: queued commands accumulated
// while the device had no live connection.
func (t *HTTPTransport) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		http.Error(w, "device query parameter is required", http.StatusBadRequest)
		return
	}

	queued := t.gateway.DrainOutbox(deviceID)
	if queued == nil {
		queued = []*Envelope{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(queued); err != nil {
		slog.Warn("command poll encode failed", "device", deviceID, "err", err)
	}
}

func writeEnvelope(w http.ResponseWriter, env *Envelope, compress bool) {
	data, err := EncodeFrame(env, compress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if compress {
		w.Header().Set("Content-Encoding", snappyEncoding)
	}
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
