package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/driver"
)

// maxDownlinkPayload bounds the buffer handed to SendRecv
const maxDownlinkPayload = 242

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "LoRaWAN end device",
		"version": "1.0.0",
		"health":  "/api/v1/health",
		"node":    "/api/v1/node",
	})
}

// HandleRefresh issues a fresh token for the caller
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	refreshed, err := s.auth.RefreshToken(token)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": refreshed,
		"expires_in":   int(s.auth.TTL().Seconds()),
		"token_type":   "Bearer",
	})
}

// StatusResponse is the node status document
type StatusResponse struct {
	State    string `json:"state"`
	Joined   bool   `json:"joined"`
	Ready    bool   `json:"ready"`
	DevAddr  string `json:"dev_addr,omitempty"`
	FCntUp   uint32 `json:"fcnt_up"`
	FCntDown uint32 `json:"fcnt_down"`
}

// HandleGetStatus reports the driver state
func (s *RESTServer) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	st := s.node.State()

	resp := StatusResponse{
		State:    st.State.String(),
		Joined:   st.Joined,
		Ready:    st.Ready,
		FCntUp:   st.FCntUp,
		FCntDown: st.FCntDown,
	}
	if st.Joined {
		resp.DevAddr = st.DevAddr.String()
	}

	s.respondJSON(w, http.StatusOK, resp)
}

// JoinRequest asks the node to join
type JoinRequest struct {
	ConnectMode string `json:"connect_mode" validate:"omitempty,oneof=OTAA ABP otaa abp"`
	Wait        bool   `json:"wait"`
}

// HandleJoin starts a join and optionally waits for it
func (s *RESTServer) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := s.config.ConnectMode()
	if req.ConnectMode != "" {
		mode, _ = driver.ParseConnectMode(req.ConnectMode)
	}

	if err := s.node.Join(r.Context(), mode); err != nil {
		s.respondDriverError(w, err)
		return
	}

	if !req.Wait {
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "joining"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Device.JoinTimeout)
	defer cancel()
	if err := s.node.AwaitJoin(ctx); err != nil {
		s.respondDriverError(w, err)
		return
	}

	s.HandleGetStatus(w, r)
}

// UplinkRequest is an application uplink
type UplinkRequest struct {
	FPort     int    `json:"f_port" validate:"required,min=1,max=223"`
	Data      string `json:"data" validate:"omitempty,hexadecimal,max=484"`
	Confirmed bool   `json:"confirmed"`
	// Wait blocks until the receive windows closed and returns any downlink
	Wait bool `json:"wait"`
}

// UplinkResponse reports the outcome of an uplink
type UplinkResponse struct {
	Status   string `json:"status"`
	Downlink string `json:"downlink,omitempty"`
}

// HandleUplink sends an application uplink
func (s *RESTServer) HandleUplink(w http.ResponseWriter, r *http.Request) {
	var req UplinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := hex.DecodeString(req.Data)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "data: must be hex encoded")
		return
	}
	qos := driver.Unconfirmed
	if req.Confirmed {
		qos = driver.Confirmed
	}
	port := uint8(req.FPort)

	if !req.Wait {
		if err := s.node.Send(r.Context(), qos, port, data); err != nil {
			s.respondDriverError(w, err)
			return
		}
		s.respondJSON(w, http.StatusAccepted, UplinkResponse{Status: "queued"})
		return
	}

	rx := make([]byte, maxDownlinkPayload)
	n, err := s.node.SendRecv(r.Context(), qos, port, data, rx)
	if err != nil {
		s.respondDriverError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, UplinkResponse{
		Status:   "sent",
		Downlink: hex.EncodeToString(rx[:n]),
	})
}

// respondDriverError maps a driver error kind to an HTTP status
func (s *RESTServer) respondDriverError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, driver.ErrNotInitialized):
		status = http.StatusConflict
	case errors.Is(err, driver.ErrNotImplemented):
		status = http.StatusNotImplemented
	case errors.Is(err, driver.ErrRecvTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, driver.ErrSend):
		status = http.StatusServiceUnavailable
	}

	log.Warn().Err(err).Int("status", status).Msg("node request failed")
	s.respondError(w, status, err.Error())
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
