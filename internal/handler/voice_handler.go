package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/openhouseai/realty-voice-service/internal/config"
	"github.com/openhouseai/realty-voice-service/internal/domain"
	"github.com/openhouseai/realty-voice-service/internal/repository"
	"github.com/openhouseai/realty-voice-service/internal/services/call"
	"github.com/openhouseai/realty-voice-service/internal/transport"
	"github.com/openhouseai/realty-voice-service/pkg/logger"
	"github.com/openhouseai/realty-voice-service/pkg/redis"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio does not send an Origin header on media stream connections.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const inboundTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="wss://%s/media-stream">
            <Parameter name="caller_phone" value="%s"/>
            <Parameter name="realtor_id" value="%s"/>
            <Parameter name="direction" value="inbound"/>
        </Stream>
    </Connect>
</Response>`

const outboundTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="wss://%s/media-stream">
            <Parameter name="lead_id" value="%s"/>
            <Parameter name="realtor_id" value="%s"/>
            <Parameter name="direction" value="outbound"/>
        </Stream>
    </Connect>
</Response>`

// VoiceHandler serves the Twilio webhooks and the media stream socket.
type VoiceHandler struct {
	cfg         *config.Config
	service     *call.Service
	realtorRepo repository.RealtorRepository
	redisSvc    redis.RedisServiceInterface
}

func NewVoiceHandler(cfg *config.Config, service *call.Service, realtorRepo repository.RealtorRepository, redisSvc redis.RedisServiceInterface) *VoiceHandler {
	return &VoiceHandler{
		cfg:         cfg,
		service:     service,
		realtorRepo: realtorRepo,
		redisSvc:    redisSvc,
	}
}

// HandleInboundCall answers Twilio's incoming-call webhook with TwiML that
// connects the call to our media stream. The dialed number picks the realtor.
func (h *VoiceHandler) HandleInboundCall(w http.ResponseWriter, r *http.Request) {
	from := r.FormValue("From")
	to := r.FormValue("To")
	callSID := r.FormValue("CallSid")

	logger.Base().Info("Incoming call",
		zap.String("call_sid", callSID),
		zap.String("from", from),
		zap.String("to", to))

	realtorID := ""
	if to != "" {
		realtor, err := h.realtorRepo.GetByPhoneNumber(r.Context(), to)
		if err != nil {
			logger.Base().Error("Realtor lookup failed", zap.String("to", to), zap.Error(err))
		} else if realtor != nil {
			realtorID = realtor.ID
		}
	}

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, inboundTwiML, h.cfg.PublicHost, from, realtorID)
}

// HandleOutboundAnswer serves TwiML for an outbound call the dialer placed.
// Lead and realtor ids ride the answer URL query.
func (h *VoiceHandler) HandleOutboundAnswer(w http.ResponseWriter, r *http.Request) {
	leadID := r.URL.Query().Get("lead_id")
	realtorID := r.URL.Query().Get("realtor_id")

	logger.Base().Info("Outbound call answered",
		zap.String("call_sid", r.FormValue("CallSid")),
		zap.String("lead_id", leadID))

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, outboundTwiML, h.cfg.PublicHost, leadID, realtorID)
}

// HandleMediaStream upgrades the media stream WebSocket and runs the call.
func (h *VoiceHandler) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	cs := h.service.NewCallSession()
	sess := transport.NewSession(conn, cs, logger.Base())
	cs.Bind(sess)
	sess.Run(r.Context())
}

type makeCallRequest struct {
	LeadID    string `json:"lead_id"`
	RealtorID string `json:"realtor_id"`
}

// HandleMakeCall starts an outbound call to a lead. JWT protected.
func (h *VoiceHandler) HandleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req makeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.LeadID == "" {
		http.Error(w, `{"error": "lead_id is required"}`, http.StatusBadRequest)
		return
	}

	callSID, err := h.service.StartOutboundCall(r.Context(), req.LeadID, req.RealtorID)
	if err != nil {
		logger.Base().Error("Outbound call failed", zap.String("lead_id", req.LeadID), zap.Error(err))
		http.Error(w, `{"error": "failed to start call"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"call_sid": callSID})
}

// HandleCallStatus receives Twilio status callbacks and closes out records
// for calls that never reached the media stream.
func (h *VoiceHandler) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")

	logger.Base().Info("Call status callback",
		zap.String("call_sid", callSID),
		zap.String("status", callStatus))

	var status domain.CallStatus
	switch callStatus {
	case "completed":
		status = domain.CallStatusCompleted
	case "no-answer", "busy":
		status = domain.CallStatusNoAnswer
	case "failed", "canceled":
		status = domain.CallStatusFailed
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.service.FinalizeBySID(r.Context(), callSID, status); err != nil {
		logger.Base().Error("Failed to finalize call from status callback",
			zap.String("call_sid", callSID), zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

// HandleLiveTranscript returns the in-progress transcript for a call.
func (h *VoiceHandler) HandleLiveTranscript(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["callSid"]

	entries, err := h.redisSvc.GetTranscript(r.Context(), callSID)
	if err != nil {
		http.Error(w, `{"error": "failed to load transcript"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"call_sid":   callSID,
		"transcript": entries,
	})
}

// HandleHealth reports liveness and the number of active calls on this pod.
func (h *VoiceHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"active_calls": h.service.ActiveCalls(),
	})
}
