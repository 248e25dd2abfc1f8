// Package prompts assembles the per-call system prompt from templates with
// lead and realtor context substituted in.
package prompts

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/domain"
	"github.com/openhouseai/realty-voice-service/pkg/logger"
	"github.com/openhouseai/realty-voice-service/pkg/redis"
)

const defaultTemplate = `You are a friendly real estate assistant answering calls on behalf of {{realtor_name}}{{agency_clause}}.
You speak with prospective buyers and sellers over the phone, so keep replies short, natural and conversational, one to three sentences.
Your goals, in order: understand what the caller is looking for, collect their name and contact details if you do not have them, and offer to schedule a follow-up with {{realtor_name}}.
Caller details on file: {{lead_context}}.
Never invent listings, prices or availability. If you do not know something, say you will have {{realtor_name}} follow up.`

const cacheTTL = 10 * time.Minute

// Store retrieves prompt templates, caching them in Redis so edits made
// through the dashboard take effect without a deploy.
type Store struct {
	redis redis.RedisServiceInterface
	log   *zap.Logger
}

func NewStore(redisSvc redis.RedisServiceInterface) *Store {
	return &Store{redis: redisSvc, log: logger.Base().With(zap.String("component", "prompts"))}
}

// Template returns the prompt template for a realtor, preferring a cached
// per-realtor override and falling back to the built-in default.
func (s *Store) Template(ctx context.Context, realtorID string) string {
	if s.redis == nil || realtorID == "" {
		return defaultTemplate
	}

	key := s.redis.GenerateKey(redis.PROMPT_TEMPLATE, realtorID)
	val, err := s.redis.GetValue(ctx, key)
	if err != nil {
		if err != redis.ErrKeyNotExist {
			s.log.Warn("prompt template lookup failed, using default", zap.Error(err))
		}
		return defaultTemplate
	}
	if strings.TrimSpace(val) == "" {
		return defaultTemplate
	}
	return val
}

// SetTemplate stores a per-realtor template override.
func (s *Store) SetTemplate(ctx context.Context, realtorID, template string) error {
	key := s.redis.GenerateKey(redis.PROMPT_TEMPLATE, realtorID)
	return s.redis.SetValue(ctx, key, template, cacheTTL)
}

// Render substitutes lead and realtor context into a template.
func Render(template string, lead *domain.Lead, realtor *domain.Realtor) string {
	realtorName := "the realtor"
	agencyClause := ""
	if realtor != nil {
		if realtor.Name != "" {
			realtorName = realtor.Name
		}
		if realtor.Agency != "" {
			agencyClause = " at " + realtor.Agency
		}
	}

	out := strings.ReplaceAll(template, "{{realtor_name}}", realtorName)
	out = strings.ReplaceAll(out, "{{agency_clause}}", agencyClause)
	out = strings.ReplaceAll(out, "{{lead_context}}", leadContext(lead))
	return out
}

func leadContext(lead *domain.Lead) string {
	if lead == nil {
		return "unknown caller, no record on file"
	}

	var parts []string
	if lead.Name != "" {
		parts = append(parts, "name "+lead.Name)
	}
	if lead.Phone != "" {
		parts = append(parts, "phone "+lead.Phone)
	}
	if lead.Email != "" {
		parts = append(parts, "email "+lead.Email)
	}
	if lead.Notes != "" {
		parts = append(parts, "notes: "+lead.Notes)
	}
	if len(parts) == 0 {
		return "returning caller, no details on file"
	}
	return strings.Join(parts, ", ")
}
