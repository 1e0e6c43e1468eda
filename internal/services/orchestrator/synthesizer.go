// -----------------------------------------------------------------------
// Synthesizer - Merge per-agent outputs into one coordinator answer
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// SynthesisSkipped is the sentinel returned when the remaining budget is
// too thin for a model call. The job still completes.
const SynthesisSkipped = "synthesis skipped due to time constraints"

// chunkSeparator joins per-chunk summaries in the oversize path.
const chunkSeparator = "\n\n---\n\n"

// synthesizer turns accumulated agent results into one answer text.
// Input size picks the tier; oversize input is chunked through mid-tier
// summaries instead of one giant call.
type synthesizer struct {
	config *common.SynthesisConfig
	llm    interfaces.LLMService
	logger arbor.ILogger
}

func newSynthesizer(config *common.SynthesisConfig, llm interfaces.LLMService, logger arbor.ILogger) *synthesizer {
	return &synthesizer{
		config: config,
		llm:    llm,
		logger: logger,
	}
}

func (s *synthesizer) minTime() time.Duration {
	return common.DurationOr(s.config.MinTime, 30*time.Second)
}

func (s *synthesizer) chunkSize() int {
	if s.config.ChunkSize > 0 {
		return s.config.ChunkSize
	}
	return 100 * 1024
}

// tierFor scales the model tier with input size: small payloads do not
// need the expensive tier to be summarized faithfully.
func (s *synthesizer) tierFor(size int) models.ModelTier {
	lowMax := s.config.LowTierMax
	if lowMax <= 0 {
		lowMax = 20 * 1024
	}
	midMax := s.config.MidTierMax
	if midMax <= 0 {
		midMax = 50 * 1024
	}

	switch {
	case size < lowMax:
		return models.TierLowest
	case size < midMax:
		return models.TierMid
	default:
		return models.TierHighest
	}
}

// Synthesize produces the coordinator answer for the run. It never
// fails the job: time starvation returns the skip sentinel and call
// failures come back as descriptive text.
func (s *synthesizer) Synthesize(ctx context.Context, data []models.AgentResult, params models.JobParams, deadline time.Time) string {
	remaining := time.Until(deadline)
	if remaining < s.minTime() {
		s.logger.Info().
			Dur("remaining", remaining).
			Dur("min_time", s.minTime()).
			Msg("Skipping synthesis, not enough time left")
		return SynthesisSkipped
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("synthesis failed: could not serialize extracted data: %v", err)
	}

	synthCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if len(serialized) <= s.chunkSize() {
		return s.synthesizeSingle(synthCtx, serialized, params)
	}
	return s.synthesizeChunked(synthCtx, data, params, deadline)
}

// synthesizeSingle is the small-payload path: one call with full context
// at a size-scaled tier.
func (s *synthesizer) synthesizeSingle(ctx context.Context, serialized []byte, params models.JobParams) string {
	tier := s.tierFor(len(serialized))

	s.logger.Debug().
		Int("payload_bytes", len(serialized)).
		Str("tier", string(tier)).
		Msg("Synthesizing in one call")

	text, _, err := s.llm.CompleteWithFallback(ctx, models.RouteRequest{
		Complexity:     0.4,
		OutputFormat:   models.OutputFormatText,
		TierPreference: tier,
	}, interfaces.CompletionRequest{
		System:    "You are the coordinator of a web extraction run. Write a concise synthesis of the extracted data: what was found, notable patterns, gaps.",
		Prompt:    fmt.Sprintf("Extraction goal: %s\n\nExtracted data:\n%s", params.ExtractionInstructions, serialized),
		Operation: "synthesize",
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Synthesis call failed")
		return fmt.Sprintf("synthesis failed: %v", err)
	}
	return strings.TrimSpace(text)
}

// synthesizeChunked splits oversize data on result boundaries and
// summarizes each piece at the mid tier under its own short deadline.
// A failed chunk becomes a marker line; the rest still merge.
func (s *synthesizer) synthesizeChunked(ctx context.Context, data []models.AgentResult, params models.JobParams, deadline time.Time) string {
	chunks := chunkResults(data, s.chunkSize())

	s.logger.Debug().
		Int("chunks", len(chunks)).
		Int("chunk_size", s.chunkSize()).
		Msg("Synthesizing in chunks")

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if time.Until(deadline) < 5*time.Second {
			summaries = append(summaries, fmt.Sprintf("Chunk %d: synthesis failed: out of time", i+1))
			continue
		}

		chunkCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		text, _, err := s.llm.CompleteWithFallback(chunkCtx, models.RouteRequest{
			Complexity:     0.3,
			OutputFormat:   models.OutputFormatText,
			TierPreference: models.TierMid,
		}, interfaces.CompletionRequest{
			System:    "Summarize this portion of extracted web data in a few sentences. Keep concrete values.",
			Prompt:    fmt.Sprintf("Extraction goal: %s\n\nData portion %d of %d:\n%s", params.ExtractionInstructions, i+1, len(chunks), chunk),
			Operation: "synthesize",
		})
		cancel()

		if err != nil {
			s.logger.Warn().Int("chunk", i+1).Err(err).Msg("Chunk synthesis failed")
			summaries = append(summaries, fmt.Sprintf("Chunk %d: synthesis failed: %v", i+1, err))
			continue
		}
		summaries = append(summaries, strings.TrimSpace(text))
	}

	return strings.Join(summaries, chunkSeparator)
}

// chunkResults packs serialized agent results into pieces no larger than
// limit, splitting only on result boundaries. A single result larger
// than the limit becomes its own truncated chunk.
func chunkResults(data []models.AgentResult, limit int) []string {
	var chunks []string
	var current strings.Builder

	for i := range data {
		piece, err := json.Marshal(data[i])
		if err != nil {
			continue
		}
		if len(piece) > limit {
			piece = append(piece[:limit-12], []byte(`"[truncated]`)...)
		}

		if current.Len() > 0 && current.Len()+len(piece) > limit {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.Write(piece)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
