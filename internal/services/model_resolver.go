package services

import (
	"strings"

	types "github.com/planloom/planloom-backend/internal/domain"
	"github.com/planloom/planloom-backend/internal/platform/logger"
	"github.com/planloom/planloom-backend/internal/platform/openai"
)

// Fallback reasons reported when the requested model was not honored.
const (
	FallbackNotSpecified = "not_specified"
	FallbackInvalidModel = "invalid_model"
	FallbackTierDenied   = "tier_denied"
)

// ModelResolution says which provider will serve the call and whether the
// requested model was swapped for a fallback.
type ModelResolution struct {
	Provider openai.Client
	Model    string
	Fallback bool
	Reason   string
}

type ModelResolverService interface {
	Resolve(tier string, requestedModel string) ModelResolution
}

type modelResolverService struct {
	base openai.Client
	log  *logger.Logger
}

func NewModelResolverService(base openai.Client, baseLog *logger.Logger) ModelResolverService {
	return &modelResolverService{
		base: base,
		log:  baseLog.With("service", "ModelResolverService"),
	}
}

var tierRank = map[string]int{
	types.TierFree: 0,
	types.TierPro:  1,
	types.TierTeam: 2,
}

// minTierByModel gates which subscription tiers may request which models.
var minTierByModel = map[string]string{
	"gpt-4o-mini": types.TierFree,
	"gpt-4o":      types.TierPro,
	"gpt-4.1":     types.TierPro,
	"o3":          types.TierTeam,
}

var defaultModelByTier = map[string]string{
	types.TierFree: "gpt-4o-mini",
	types.TierPro:  "gpt-4o",
	types.TierTeam: "gpt-4o",
}

// Resolve picks the concrete provider for a call. Unknown or denied model
// requests fall back to the tier default; the resolution records why so the
// caller can surface it.
func (s *modelResolverService) Resolve(tier string, requestedModel string) ModelResolution {
	if _, ok := tierRank[tier]; !ok {
		tier = types.TierFree
	}
	fallbackModel := defaultModelByTier[tier]
	requestedModel = strings.TrimSpace(requestedModel)

	if requestedModel == "" {
		return ModelResolution{
			Provider: openai.WithModel(s.base, fallbackModel),
			Model:    fallbackModel,
			Fallback: true,
			Reason:   FallbackNotSpecified,
		}
	}

	minTier, known := minTierByModel[strings.ToLower(requestedModel)]
	if !known {
		s.log.Info("Unknown model requested, falling back", "tier", tier)
		return ModelResolution{
			Provider: openai.WithModel(s.base, fallbackModel),
			Model:    fallbackModel,
			Fallback: true,
			Reason:   FallbackInvalidModel,
		}
	}
	if tierRank[tier] < tierRank[minTier] {
		return ModelResolution{
			Provider: openai.WithModel(s.base, fallbackModel),
			Model:    fallbackModel,
			Fallback: true,
			Reason:   FallbackTierDenied,
		}
	}

	return ModelResolution{
		Provider: openai.WithModel(s.base, requestedModel),
		Model:    requestedModel,
	}
}
