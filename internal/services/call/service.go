package call

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openhouseai/realty-voice-service/internal/audio"
	"github.com/openhouseai/realty-voice-service/internal/config"
	"github.com/openhouseai/realty-voice-service/internal/core/model/gemini"
	"github.com/openhouseai/realty-voice-service/internal/core/model/provider"
	"github.com/openhouseai/realty-voice-service/internal/core/orchestrator"
	"github.com/openhouseai/realty-voice-service/internal/core/session"
	"github.com/openhouseai/realty-voice-service/internal/core/task"
	"github.com/openhouseai/realty-voice-service/internal/crm"
	"github.com/openhouseai/realty-voice-service/internal/domain"
	"github.com/openhouseai/realty-voice-service/internal/notify"
	"github.com/openhouseai/realty-voice-service/internal/prompts"
	"github.com/openhouseai/realty-voice-service/internal/repository"
	"github.com/openhouseai/realty-voice-service/internal/stt"
	"github.com/openhouseai/realty-voice-service/internal/transport"
	"github.com/openhouseai/realty-voice-service/internal/tts"
	"github.com/openhouseai/realty-voice-service/internal/turn"
	"github.com/openhouseai/realty-voice-service/pkg/logger"
	"github.com/openhouseai/realty-voice-service/pkg/redis"
	"github.com/openhouseai/realty-voice-service/pkg/twilio"
	"go.uber.org/zap"
)

const transcriptTTL = 2 * time.Hour

// finalizePayload is the task payload queued when a call ends. The transcript
// travels with the task so persistence does not depend on this pod staying up.
type finalizePayload struct {
	CallSID string            `json:"call_sid"`
	Status  domain.CallStatus `json:"status"`
	EndedAt time.Time         `json:"ended_at"`
	Turns   []provider.Turn   `json:"turns"`
}

// Service manages live voice calls: it binds each media stream to a
// recognizer, turn detector and orchestrator, and runs the post-call
// pipeline off the task bus.
type Service struct {
	cfg *config.Config

	leadRepo    repository.LeadRepository
	realtorRepo repository.RealtorRepository
	callRepo    repository.CallRepository

	prompts  *prompts.Store
	redisSvc redis.RedisServiceInterface
	sessions *session.Manager
	taskBus  task.Bus
	crm      *crm.Client
	notifier *notify.Notifier
	dialer   *twilio.Dialer

	gen provider.Generator

	mu     sync.RWMutex
	active map[string]*CallSession
}

func NewService(
	cfg *config.Config,
	leadRepo repository.LeadRepository,
	realtorRepo repository.RealtorRepository,
	callRepo repository.CallRepository,
	redisSvc redis.RedisServiceInterface,
	sessions *session.Manager,
	taskBus task.Bus,
	dialer *twilio.Dialer,
) *Service {
	svc := &Service{
		cfg:         cfg,
		leadRepo:    leadRepo,
		realtorRepo: realtorRepo,
		callRepo:    callRepo,
		prompts:     prompts.NewStore(redisSvc),
		redisSvc:    redisSvc,
		sessions:    sessions,
		taskBus:     taskBus,
		crm:         crm.NewClient(),
		notifier:    notify.NewNotifier(),
		dialer:      dialer,
		gen:         gemini.NewClient(cfg.GeminiConfig(), logger.Base()),
		active:      make(map[string]*CallSession),
	}

	if sessions != nil {
		sessions.SubscribeToCleanup(context.Background(), func(callSID string) {
			if cs := svc.GetSession(callSID); cs != nil {
				logger.Base().Info("Received cleanup broadcast for local call", zap.String("call_sid", callSID))
				cs.Close()
			}
		})
	}

	return svc
}

// Start subscribes the post-call task handlers. Called once all
// collaborators are wired, before the server accepts traffic.
func (s *Service) Start(ctx context.Context) error {
	return s.taskBus.Subscribe(ctx, s.handleTask)
}

// GetSession returns the live session for a call SID, or nil.
func (s *Service) GetSession(callSID string) *CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[callSID]
}

// ActiveCalls returns the number of calls currently handled by this pod.
func (s *Service) ActiveCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func (s *Service) register(cs *CallSession) {
	s.mu.Lock()
	s.active[cs.callSID] = cs
	s.mu.Unlock()
}

func (s *Service) unregister(callSID string) {
	s.mu.Lock()
	delete(s.active, callSID)
	s.mu.Unlock()
}

// StartOutboundCall dials a lead on behalf of a realtor. The answer webhook
// carries the lead and realtor IDs so the media stream can pick them up.
func (s *Service) StartOutboundCall(ctx context.Context, leadID, realtorID string) (string, error) {
	if !s.cfg.EnableOutbound {
		return "", fmt.Errorf("outbound calling is disabled")
	}

	lead, err := s.leadRepo.GetByID(ctx, leadID)
	if err != nil {
		return "", err
	}
	if lead == nil {
		return "", fmt.Errorf("lead %s not found", leadID)
	}

	answerURL := fmt.Sprintf("https://%s/outbound-answer?lead_id=%s&realtor_id=%s", s.cfg.PublicHost, leadID, realtorID)
	statusURL := fmt.Sprintf("https://%s/call-status", s.cfg.PublicHost)

	callSID, err := s.dialer.StartCall(lead.Phone, answerURL, statusURL)
	if err != nil {
		return "", err
	}

	record := &domain.CallRecord{
		CallSID:   callSID,
		LeadID:    leadID,
		RealtorID: realtorID,
		Direction: domain.CallDirectionOutbound,
		Status:    domain.CallStatusInProgress,
		StartedAt: time.Now(),
	}
	if err := s.callRepo.Create(ctx, record); err != nil {
		logger.Base().Error("Failed to create outbound call record", zap.String("call_sid", callSID), zap.Error(err))
	}

	return callSID, nil
}

// FinalizeBySID closes out a call record from a Twilio status callback. Used
// for calls that never reached the media stream (busy, no answer).
func (s *Service) FinalizeBySID(ctx context.Context, callSID string, status domain.CallStatus) error {
	record, err := s.callRepo.GetByCallSID(ctx, callSID)
	if err != nil {
		return err
	}
	if record == nil || record.Status != domain.CallStatusInProgress {
		return nil
	}
	return s.callRepo.Finalize(ctx, callSID, status, time.Now(), "")
}

// NewCallSession prepares a session for an incoming media stream. The
// session implements transport.Handler; collaborators are built lazily in
// OnStart once Twilio has told us who is calling.
func (s *Service) NewCallSession() *CallSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallSession{
		svc:    s,
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Base(),
	}
}

// CallSession is the per-call binding between the Twilio media stream and
// the conversation pipeline.
type CallSession struct {
	svc    *Service
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	transport *transport.Session

	mu         sync.Mutex
	callSID    string
	streamSID  string
	lead       *domain.Lead
	realtor    *domain.Realtor
	record     *domain.CallRecord
	detector   *turn.Detector
	recognizer *stt.DeepgramClient
	orch       *orchestrator.Orchestrator

	started  bool
	stopOnce sync.Once
}

// Bind attaches the transport session. Must be called before Run.
func (cs *CallSession) Bind(t *transport.Session) {
	cs.transport = t
}

// Close tears the call down from outside the transport read loop.
func (cs *CallSession) Close() {
	if cs.transport != nil {
		cs.transport.Close()
	}
}

// OnStart resolves the caller, builds the pipeline and starts the
// conversation.
func (cs *CallSession) OnStart(info transport.StartInfo) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.callSID = info.CallSID
	cs.streamSID = info.StreamSID

	leadID := info.CustomParameters["lead_id"]
	realtorID := info.CustomParameters["realtor_id"]
	callerPhone := info.CustomParameters["caller_phone"]
	direction := domain.CallDirectionInbound
	if info.CustomParameters["direction"] == string(domain.CallDirectionOutbound) {
		direction = domain.CallDirectionOutbound
	}

	ctx, cancel := context.WithTimeout(cs.ctx, 5*time.Second)
	defer cancel()

	var err error
	if realtorID != "" {
		cs.realtor, err = cs.svc.realtorRepo.GetByID(ctx, realtorID)
		if err != nil {
			logger.Base().Error("Failed to load realtor", zap.String("realtor_id", realtorID), zap.Error(err))
		}
	}

	switch {
	case leadID != "":
		cs.lead, err = cs.svc.leadRepo.GetByID(ctx, leadID)
	case callerPhone != "":
		cs.lead, err = cs.svc.leadRepo.GetOrCreateByPhone(ctx, callerPhone, realtorID)
	}
	if err != nil {
		logger.Base().Error("Failed to resolve lead", zap.String("call_sid", info.CallSID), zap.Error(err))
	}

	leadIDVal := ""
	if cs.lead != nil {
		leadIDVal = cs.lead.ID
	}
	cs.log = logger.ForCall(info.CallSID, leadIDVal)
	cs.log.Info("Media stream started",
		zap.String("stream_sid", info.StreamSID),
		zap.String("direction", string(direction)))

	// An outbound call already has a record from the dial.
	cs.record, _ = cs.svc.callRepo.GetByCallSID(ctx, info.CallSID)
	if cs.record == nil {
		cs.record = &domain.CallRecord{
			CallSID:   info.CallSID,
			StreamSID: info.StreamSID,
			LeadID:    leadIDVal,
			RealtorID: realtorID,
			Direction: direction,
			Status:    domain.CallStatusInProgress,
			StartedAt: time.Now(),
		}
		if err := cs.svc.callRepo.Create(ctx, cs.record); err != nil {
			cs.log.Error("Failed to create call record", zap.Error(err))
		}
	}

	if cs.svc.sessions != nil {
		cs.svc.sessions.Register(ctx, session.CallInfo{
			CallSID:   info.CallSID,
			StreamSID: info.StreamSID,
			LeadID:    leadIDVal,
			RealtorID: realtorID,
			Direction: string(direction),
		})
	}

	cs.buildPipeline()
	cs.svc.register(cs)
	cs.started = true
}

// buildPipeline wires detector, recognizer, synthesizer and orchestrator for
// this call. Caller holds cs.mu.
func (cs *CallSession) buildPipeline() {
	cs.detector = turn.NewDetector(cs.svc.cfg.TurnConfig(), cs.log)
	cs.recognizer = stt.NewDeepgramClient(cs.svc.cfg.DeepgramConfig(), cs.log)

	ttsCfg := cs.svc.cfg.TTSConfig()
	if cs.realtor != nil && cs.realtor.VoiceID != "" {
		ttsCfg.VoiceID = cs.realtor.VoiceID
	}
	synth, err := tts.NewStreamer(ttsCfg, cs.log)
	if err != nil {
		cs.log.Error("Failed to build synthesizer, falling back to default", zap.Error(err))
		ttsCfg.Backend = tts.BackendCartesia
		synth, _ = tts.NewStreamer(ttsCfg, cs.log)
	}

	template := cs.svc.prompts.Template(cs.ctx, cs.recordRealtorID())
	systemPrompt := prompts.Render(template, cs.lead, cs.realtor)

	cs.orch = orchestrator.New(orchestrator.Config{
		SystemPrompt:   systemPrompt,
		Greeting:       cs.svc.cfg.Greeting,
		GenTimeout:     time.Duration(cs.svc.cfg.GenTimeoutSeconds) * time.Second,
		MaxGenFailures: cs.svc.cfg.MaxGenFailures,
	}, cs.svc.gen, synth, cs.transport, cs.detector, cs.log)

	if err := cs.recognizer.Start(cs.ctx); err != nil {
		// The call stays up without recognition; the orchestrator degrades
		// instead of leaving the caller with a dead line.
		cs.log.Error("Recognizer failed to start", zap.Error(err))
		cs.orch.OnRecognitionLost(err)
	} else {
		go cs.readRecognizer()
	}
	go cs.orch.Run(cs.ctx)
	go cs.watchConversation()
}

func (cs *CallSession) recordRealtorID() string {
	if cs.realtor != nil {
		return cs.realtor.ID
	}
	return ""
}

// readRecognizer feeds transcription events into the turn detector and
// mirrors final fragments to the live transcript in Redis.
func (cs *CallSession) readRecognizer() {
	for ev := range cs.recognizer.Events() {
		if ev.Err != nil {
			cs.log.Warn("Recognition lost", zap.Error(ev.Err))
			cs.orch.OnRecognitionLost(ev.Err)
			return
		}
		cs.detector.OnRecognition(ev)
		if ev.Final && ev.Text != "" {
			cs.mirrorTranscript(ev.Text)
		}
	}
}

// mirrorTranscript pushes recognized caller speech to Redis so dashboards
// can follow the call while it is still up. Best effort only.
func (cs *CallSession) mirrorTranscript(text string) {
	ctx, cancel := context.WithTimeout(cs.ctx, 2*time.Second)
	defer cancel()
	entry := redis.TranscriptEntry{
		Role:    domain.UtteranceRoleCaller,
		Content: text,
		AtMs:    time.Now().UnixMilli(),
	}
	if err := cs.svc.redisSvc.AppendTranscript(ctx, cs.callSID, []redis.TranscriptEntry{entry}, transcriptTTL); err != nil {
		cs.log.Debug("Live transcript append failed", zap.Error(err))
	}
}

// watchConversation closes the media stream once the orchestrator finishes,
// whether by policy (repeated failures) or by external stop.
func (cs *CallSession) watchConversation() {
	select {
	case <-cs.orch.Done():
		if err := cs.orch.Err(); err != nil {
			cs.log.Warn("Conversation terminated", zap.Error(err))
		}
		cs.Close()
	case <-cs.ctx.Done():
	}
}

// OnFrame runs on the transport read loop. Everything here is non-blocking:
// the recognizer queue drops oldest when full and the detector is a pure
// state machine.
func (cs *CallSession) OnFrame(f audio.Frame) {
	// Media before start means a misbehaving peer; drop it.
	if cs.recognizer == nil {
		return
	}
	cs.recognizer.Feed(f)
	if ev, ok := cs.detector.Observe(f); ok {
		cs.orch.OnTurnEvent(ev)
	}
}

func (cs *CallSession) OnMark(name string) {
	if cs.orch != nil {
		cs.orch.OnMark(name)
	}
}

// OnStop runs exactly once, on whichever teardown path fires first.
func (cs *CallSession) OnStop() {
	cs.stopOnce.Do(func() {
		cs.mu.Lock()
		started := cs.started
		callSID := cs.callSID
		cs.mu.Unlock()

		if !started {
			cs.cancel()
			return
		}

		cs.log.Info("Call ended, running teardown")

		cs.orch.Stop()
		<-cs.orch.Done()
		history := cs.orch.History()

		cs.cancel()
		if err := cs.recognizer.Stop(); err != nil {
			cs.log.Warn("Recognizer stop failed", zap.Error(err))
		}

		cs.svc.unregister(callSID)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if cs.svc.sessions != nil {
			cs.svc.sessions.Unregister(ctx, callSID)
		}

		payload, err := json.Marshal(finalizePayload{
			CallSID: callSID,
			Status:  domain.CallStatusCompleted,
			EndedAt: time.Now(),
			Turns:   history,
		})
		if err != nil {
			cs.log.Error("Failed to marshal finalize payload", zap.Error(err))
			return
		}
		if err := cs.svc.taskBus.Publish(ctx, task.CallTask{
			Type:    task.TaskTypePersistTranscript,
			CallSID: callSID,
			Payload: payload,
		}); err != nil {
			cs.log.Error("Failed to queue finalize task, persisting inline", zap.Error(err))
			cs.svc.finalizeCall(ctx, callSID, domain.CallStatusCompleted, time.Now(), history)
		}
	})
}

// handleTask dispatches post-call pipeline tasks from the bus.
func (s *Service) handleTask(t task.CallTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch t.Type {
	case task.TaskTypePersistTranscript:
		var p finalizePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			logger.Base().Error("Bad finalize payload", zap.String("call_sid", t.CallSID), zap.Error(err))
			return
		}
		s.finalizeCall(ctx, p.CallSID, p.Status, p.EndedAt, p.Turns)

	case task.TaskTypeCRMSync:
		s.syncCRM(ctx, t.CallSID)

	case task.TaskTypeNotifyRealtor:
		s.notifyRealtor(ctx, t.CallSID)
	}
}

// finalizeCall persists the transcript and queues the downstream tasks.
func (s *Service) finalizeCall(ctx context.Context, callSID string, status domain.CallStatus, endedAt time.Time, turns []provider.Turn) {
	record, err := s.callRepo.GetByCallSID(ctx, callSID)
	if err != nil || record == nil {
		logger.Base().Error("Finalize: call record not found", zap.String("call_sid", callSID), zap.Error(err))
		return
	}
	if record.Status != domain.CallStatusInProgress {
		// Already finalized, likely a duplicate task delivery.
		return
	}

	summary := summarize(turns)
	if err := s.callRepo.Finalize(ctx, callSID, status, endedAt, summary); err != nil {
		logger.Base().Error("Finalize failed", zap.String("call_sid", callSID), zap.Error(err))
		return
	}

	utterances := make([]*domain.Utterance, 0, len(turns))
	for _, t := range turns {
		role := domain.UtteranceRoleCaller
		if t.Role == provider.RoleAgent {
			role = domain.UtteranceRoleAgent
		}
		utterances = append(utterances, &domain.Utterance{Role: role, Content: t.Text})
	}
	if err := s.callRepo.AppendUtterances(ctx, record.ID, utterances); err != nil {
		logger.Base().Error("Failed to persist utterances", zap.String("call_sid", callSID), zap.Error(err))
	}

	if err := s.redisSvc.ClearTranscript(ctx, callSID); err != nil && err != redis.ErrKeyNotExist {
		logger.Base().Warn("Failed to clear live transcript", zap.String("call_sid", callSID), zap.Error(err))
	}

	for _, tt := range []task.TaskType{task.TaskTypeCRMSync, task.TaskTypeNotifyRealtor} {
		if err := s.taskBus.Publish(ctx, task.CallTask{Type: tt, CallSID: callSID}); err != nil {
			logger.Base().Error("Failed to queue post-call task", zap.String("type", string(tt)), zap.Error(err))
		}
	}
}

func (s *Service) syncCRM(ctx context.Context, callSID string) {
	record, lead, realtor := s.loadCallParties(ctx, callSID)
	if record == nil || realtor == nil || realtor.CRMWebhook == "" {
		return
	}
	utterances, err := s.callRepo.GetUtterances(ctx, record.ID)
	if err != nil {
		logger.Base().Error("CRM sync: failed to load utterances", zap.String("call_sid", callSID), zap.Error(err))
		return
	}
	if err := s.crm.Sync(ctx, realtor.CRMWebhook, lead, record, utterances); err != nil {
		logger.Base().Error("CRM sync failed", zap.String("call_sid", callSID), zap.Error(err))
		return
	}
	logger.Base().Info("CRM sync completed", zap.String("call_sid", callSID))
}

func (s *Service) notifyRealtor(ctx context.Context, callSID string) {
	record, lead, realtor := s.loadCallParties(ctx, callSID)
	if record == nil {
		return
	}
	if err := s.notifier.CallEnded(ctx, realtor, lead, record); err != nil {
		logger.Base().Error("Realtor notification failed", zap.String("call_sid", callSID), zap.Error(err))
	}
}

func (s *Service) loadCallParties(ctx context.Context, callSID string) (*domain.CallRecord, *domain.Lead, *domain.Realtor) {
	record, err := s.callRepo.GetByCallSID(ctx, callSID)
	if err != nil || record == nil {
		logger.Base().Error("Post-call task: record not found", zap.String("call_sid", callSID), zap.Error(err))
		return nil, nil, nil
	}
	var lead *domain.Lead
	if record.LeadID != "" {
		lead, _ = s.leadRepo.GetByID(ctx, record.LeadID)
	}
	var realtor *domain.Realtor
	if record.RealtorID != "" {
		realtor, _ = s.realtorRepo.GetByID(ctx, record.RealtorID)
	}
	return record, lead, realtor
}

// summarize produces a one-line call summary from the transcript.
func summarize(turns []provider.Turn) string {
	var callerLines []string
	for _, t := range turns {
		if t.Role == provider.RoleCaller {
			callerLines = append(callerLines, t.Text)
		}
	}
	if len(callerLines) == 0 {
		return "Caller did not speak."
	}
	joined := strings.Join(callerLines, " ")
	if len(joined) > 240 {
		joined = joined[:240]
	}
	return "Caller said: " + joined
}
