package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoMatchingWorkflow is returned when no template applies to a request.
var ErrNoMatchingWorkflow = errors.New("no workflow template matches the request")

// Classifier maps a free-text request to a workflow template id.
// Intent classification is a pluggable capability; an LLM-backed
// implementation can be dropped in without touching the engine.
type Classifier interface {
	Classify(ctx context.Context, request string) (string, error)
}

// KeywordClassifier scores templates by keyword hits against the request
// text. Ties go to the template registered first.
type KeywordClassifier struct {
	catalog *Catalog
}

// NewKeywordClassifier builds the default classifier over a catalog.
func NewKeywordClassifier(c *Catalog) *KeywordClassifier {
	return &KeywordClassifier{catalog: c}
}

// Classify returns the best-scoring template id or ErrNoMatchingWorkflow.
func (k *KeywordClassifier) Classify(_ context.Context, request string) (string, error) {
	text := strings.ToLower(request)

	best := ""
	bestScore := 0
	for _, t := range k.catalog.List() {
		score := 0
		for _, kw := range t.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			best = t.ID
			bestScore = score
		}
	}
	if best == "" {
		return "", ErrNoMatchingWorkflow
	}
	return best, nil
}

// CachedClassifier memoizes classification results in Redis, keyed by a
// hash of the request text. Cache failures fall through to the inner
// classifier; a classification miss is never cached.
type CachedClassifier struct {
	inner  Classifier
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

const classifyKeyPrefix = "bazaar:classify:"

// NewCachedClassifier wraps a classifier with a Redis result cache.
func NewCachedClassifier(inner Classifier, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedClassifier {
	return &CachedClassifier{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func classifyKey(request string) string {
	sum := sha256.Sum256([]byte(request))
	return classifyKeyPrefix + hex.EncodeToString(sum[:])
}

// Classify consults the cache before delegating to the inner classifier.
func (c *CachedClassifier) Classify(ctx context.Context, request string) (string, error) {
	key := classifyKey(request)
	if cached, err := c.rdb.Get(ctx, key).Result(); err == nil && cached != "" {
		c.logger.Debug("classifier cache hit", zap.String("template", cached))
		return cached, nil
	}

	id, err := c.inner.Classify(ctx, request)
	if err != nil {
		return "", err
	}
	if setErr := c.rdb.Set(ctx, key, id, c.ttl).Err(); setErr != nil {
		c.logger.Warn("classifier cache write failed", zap.Error(setErr))
	}
	return id, nil
}
