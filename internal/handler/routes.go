package handler

import (
	"context"

	"github.com/gorilla/mux"
	"github.com/openhouseai/realty-voice-service/internal/config"
	"github.com/openhouseai/realty-voice-service/internal/core/session"
	"github.com/openhouseai/realty-voice-service/internal/core/task"
	"github.com/openhouseai/realty-voice-service/internal/repository"
	"github.com/openhouseai/realty-voice-service/internal/services/call"
	"github.com/openhouseai/realty-voice-service/pkg/logger"
	"github.com/openhouseai/realty-voice-service/pkg/redis"
	"github.com/openhouseai/realty-voice-service/pkg/twilio"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HandlerManager wires repositories, services and handlers together.
type HandlerManager struct {
	cfg     *config.Config
	service *call.Service
	voice   *VoiceHandler
}

// NewHandlerManager builds the full service graph from the loaded config and
// open database handle.
func NewHandlerManager(cfg *config.Config, db *gorm.DB) (*HandlerManager, error) {
	leadRepo := repository.NewGormLeadRepository(db)
	realtorRepo := repository.NewGormRealtorRepository(db)
	callRepo := repository.NewGormCallRepository(db)

	redisCfg := cfg.RedisConfig()
	redisSvc, err := redis.NewRedisService(&redisCfg)
	if err != nil {
		return nil, err
	}

	sessionManager := session.NewManager(redisSvc, cfg.PodID)
	taskBus := task.NewRedisBus(redisSvc)
	dialer := twilio.NewDialer(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioCallerID)

	service := call.NewService(cfg, leadRepo, realtorRepo, callRepo, redisSvc, sessionManager, taskBus, dialer)
	if err := service.Start(context.Background()); err != nil {
		logger.Base().Error("Failed to start task processor", zap.Error(err))
		return nil, err
	}

	return &HandlerManager{
		cfg:     cfg,
		service: service,
		voice:   NewVoiceHandler(cfg, service, realtorRepo, redisSvc),
	}, nil
}

// SetupRoutes registers all routes with their middleware.
func (hm *HandlerManager) SetupRoutes(router *mux.Router) {
	router.Use(LoggingMiddleware)

	// Twilio webhooks
	twilioRoutes := router.NewRoute().Subrouter()
	twilioRoutes.Use(TwilioSignatureMiddleware(hm.cfg.TwilioAuthToken, hm.cfg.ValidateTwilioSignature))
	twilioRoutes.HandleFunc("/inbound-call", hm.voice.HandleInboundCall).Methods("POST")
	twilioRoutes.HandleFunc("/outbound-answer", hm.voice.HandleOutboundAnswer).Methods("POST")
	twilioRoutes.HandleFunc("/call-status", hm.voice.HandleCallStatus).Methods("POST")

	// Media stream socket. Twilio cannot sign WebSocket upgrades.
	router.HandleFunc("/media-stream", hm.voice.HandleMediaStream)

	// Operator API
	apiRoutes := router.PathPrefix("/api").Subrouter()
	apiRoutes.Use(JWTAuthMiddleware(hm.cfg.JWTSecret))
	apiRoutes.HandleFunc("/make-call", hm.voice.HandleMakeCall).Methods("POST")
	apiRoutes.HandleFunc("/calls/{callSid}/transcript", hm.voice.HandleLiveTranscript).Methods("GET")

	router.HandleFunc("/health", hm.voice.HandleHealth).Methods("GET")
}
