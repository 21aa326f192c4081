package phi

import (
	"context"
	"errors"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/comprehendmedical"
	"github.com/aws/aws-sdk-go-v2/service/comprehendmedical/types"
	"github.com/aws/smithy-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/resilience"
)

// DefaultMaxChunkBytes keeps each DetectPHI request under the service's
// 20,000 byte limit.
const DefaultMaxChunkBytes = 19000

// DefaultChunkOverlapBytes is how much of the previous chunk is resent so an
// entity cut by a chunk boundary is seen whole by the next request.
const DefaultChunkOverlapBytes = 200

// detectAPI is the subset of the Comprehend Medical client used here.
type detectAPI interface {
	DetectPHI(ctx context.Context, in *comprehendmedical.DetectPHIInput, optFns ...func(*comprehendmedical.Options)) (*comprehendmedical.DetectPHIOutput, error)
}

// ComprehendOptions tunes the Comprehend Medical classifier.
type ComprehendOptions struct {
	MaxChunkBytes int
	// ChunkOverlapBytes defaults to DefaultChunkOverlapBytes; negative
	// disables overlap. It is capped at half of MaxChunkBytes.
	ChunkOverlapBytes int
	MinScore          float64
	RequestsPerSecond float64
	Burst             int
}

// ComprehendClassifier detects PHI with AWS Comprehend Medical.
type ComprehendClassifier struct {
	api      detectAPI
	limiter  *rate.Limiter
	maxChunk int
	overlap  int
	minScore float64
}

// AWSConfig holds credentials for the Comprehend Medical client. Empty keys
// fall back to the default AWS credential chain.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// NewComprehendClient builds a Comprehend Medical client.
func NewComprehendClient(ctx context.Context, cfg AWSConfig) (*comprehendmedical.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "phi: load aws config")
	}
	return comprehendmedical.NewFromConfig(awsCfg, func(o *comprehendmedical.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewComprehendClassifier wraps a Comprehend Medical client.
func NewComprehendClassifier(api detectAPI, opts ComprehendOptions) *ComprehendClassifier {
	if opts.MaxChunkBytes <= 0 || opts.MaxChunkBytes > DefaultMaxChunkBytes {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	switch {
	case opts.ChunkOverlapBytes < 0:
		opts.ChunkOverlapBytes = 0
	case opts.ChunkOverlapBytes == 0:
		opts.ChunkOverlapBytes = DefaultChunkOverlapBytes
	}
	opts.ChunkOverlapBytes = min(opts.ChunkOverlapBytes, opts.MaxChunkBytes/2)
	return &ComprehendClassifier{
		api:      api,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		maxChunk: opts.MaxChunkBytes,
		overlap:  opts.ChunkOverlapBytes,
		minScore: opts.MinScore,
	}
}

// DetectPHI implements Classifier. Long text is split on whitespace into
// overlapping chunks and the entity offsets are shifted back into text.
// Entities seen by more than one chunk are reported once.
func (c *ComprehendClassifier) DetectPHI(ctx context.Context, text string) ([]model.PHIEntity, error) {
	chunks := chunkText(text, c.maxChunk, c.overlap)
	var out []model.PHIEntity
	for _, ch := range chunks {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "phi: comprehend rate limit wait")
		}

		resp, err := c.api.DetectPHI(ctx, &comprehendmedical.DetectPHIInput{Text: aws.String(ch.text)})
		if err != nil {
			return nil, eris.Wrap(classifyAWSError(err), "phi: comprehend detect")
		}

		offsets := runeByteOffsets(ch.text)
		for _, ent := range resp.Entities {
			e, ok := c.convert(ent, ch, offsets)
			if !ok {
				continue
			}
			out = append(out, e)
		}
	}

	if len(chunks) > 1 {
		out = mergeChunkEntities(out)
	}
	zap.L().Debug("phi: comprehend detected entities", zap.Int("count", len(out)))
	return out, nil
}

// mergeChunkEntities drops duplicate spans, keeping the higher score, and
// spans contained in a wider one. A name split by a chunk boundary is found
// partially by one chunk and whole by the next.
func mergeChunkEntities(ents []model.PHIEntity) []model.PHIEntity {
	sort.SliceStable(ents, func(i, j int) bool {
		if ents[i].BeginOffset != ents[j].BeginOffset {
			return ents[i].BeginOffset < ents[j].BeginOffset
		}
		if ents[i].EndOffset != ents[j].EndOffset {
			return ents[i].EndOffset > ents[j].EndOffset
		}
		return ents[i].Score > ents[j].Score
	})

	out := ents[:0]
	maxEnd := -1
	for _, e := range ents {
		if e.EndOffset <= maxEnd {
			continue
		}
		out = append(out, e)
		maxEnd = e.EndOffset
	}
	return out
}

func (c *ComprehendClassifier) convert(ent types.Entity, ch chunk, offsets []int) (model.PHIEntity, bool) {
	score := float64(aws.ToFloat32(ent.Score))
	if score < c.minScore {
		return model.PHIEntity{}, false
	}
	begin := int(aws.ToInt32(ent.BeginOffset))
	end := int(aws.ToInt32(ent.EndOffset))
	if begin < 0 || end < begin || end >= len(offsets) {
		return model.PHIEntity{}, false
	}

	e := model.PHIEntity{
		Text:        aws.ToString(ent.Text),
		Category:    string(ent.Category),
		Type:        string(ent.Type),
		Score:       score,
		BeginOffset: ch.base + offsets[begin],
		EndOffset:   ch.base + offsets[end],
	}
	for _, t := range ent.Traits {
		e.Traits = append(e.Traits, model.PHITrait{Name: string(t.Name), Score: float64(aws.ToFloat32(t.Score))})
	}
	return e, true
}

// classifyAWSError tags request-shape errors as validation and everything
// else (throttling, server faults, network) as transient.
func classifyAWSError(err error) error {
	var invalid *types.InvalidRequestException
	var tooLarge *types.TextSizeLimitExceededException
	var encoding *types.InvalidEncodingException
	if errors.As(err, &invalid) || errors.As(err, &tooLarge) || errors.As(err, &encoding) {
		return resilience.Validation(err)
	}

	var throttled *types.TooManyRequestsException
	if errors.As(err, &throttled) {
		return resilience.NewTransientError(err, 429)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		zap.L().Warn("phi: comprehend client fault", zap.String("code", apiErr.ErrorCode()))
	}
	return resilience.Transient(err)
}

type chunk struct {
	text string
	base int
}

// chunkText splits text into pieces of at most limit bytes, preferring to cut
// after whitespace and never inside a UTF-8 sequence. Each chunk after the
// first starts up to overlap bytes before the previous cut, at a word start
// when one is in range.
func chunkText(text string, limit, overlap int) []chunk {
	if len(text) <= limit {
		return []chunk{{text: text}}
	}

	var out []chunk
	base, prevCut := 0, 0
	for base < len(text) {
		end := base + limit
		if end >= len(text) {
			out = append(out, chunk{text: text[base:], base: base})
			break
		}
		for end > base && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == base {
			_, size := utf8.DecodeRuneInString(text[base:])
			end = base + size
		}
		cut := end
		for i := end; i > base; {
			r, size := utf8.DecodeLastRuneInString(text[base:i])
			if unicode.IsSpace(r) {
				cut = i
				break
			}
			i -= size
		}
		// Cutting at or before the previous cut would resend the same text.
		if cut <= prevCut || cut == base {
			cut = end
		}
		out = append(out, chunk{text: text[base:cut], base: base})
		prevCut = cut
		base = overlapStart(text, base, cut, overlap)
	}
	return out
}

// overlapStart picks where the chunk after text[prev:cut] begins: the first
// word start in the last overlap bytes, else the first rune start there.
// The result is always past prev.
func overlapStart(text string, prev, cut, overlap int) int {
	if overlap <= 0 {
		return cut
	}
	start := max(cut-overlap, prev+1)
	for start < cut && !utf8.RuneStart(text[start]) {
		start++
	}
	for i := start; i < cut; {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if unicode.IsSpace(r) {
			return i
		}
	}
	return start
}

// runeByteOffsets maps a rune index to its byte offset in s. The slice has
// one extra entry for the end of s.
func runeByteOffsets(s string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(s)+1)
	for i := range s {
		offsets = append(offsets, i)
	}
	return append(offsets, len(s))
}
