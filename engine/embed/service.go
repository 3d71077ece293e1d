package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
	"github.com/BabylonML/babylon-pipeline/pkg/fn"
)

// ServiceOpts configures the batching layer over an Embedder.
type ServiceOpts struct {
	// BatchSize is the max texts per backend call.
	BatchSize int
	// MaxTextBytes is the per-text input limit; oversize records are skipped.
	MaxTextBytes int
	// Workers bounds concurrent sub-batch calls within one pipeline batch.
	Workers int
	// RatePerSec limits backend calls. Zero disables limiting.
	RatePerSec float64
	Burst      int
}

// DefaultServiceOpts provides sensible defaults.
var DefaultServiceOpts = ServiceOpts{
	BatchSize:    64,
	MaxTextBytes: 8192,
	Workers:      4,
}

// Service wraps an Embedder with sub-batching, bounded concurrency, rate
// limiting, per-record skip semantics, and an optional cache. Callers must
// not assume a 1:1 backend call per text.
type Service struct {
	emb     Embedder
	cache   *Cache // nil disables caching
	limiter *rate.Limiter
	pool    *ants.Pool
	opts    ServiceOpts
	log     *slog.Logger
}

// NewService creates the batching layer. cache may be nil.
func NewService(emb Embedder, cache *Cache, opts ServiceOpts, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultServiceOpts.BatchSize
	}
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = DefaultServiceOpts.MaxTextBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultServiceOpts.Workers
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("embed: worker pool: %w", err)
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}

	return &Service{
		emb:     emb,
		cache:   cache,
		limiter: limiter,
		pool:    pool,
		opts:    opts,
		log:     log.With("component", "embed"),
	}, nil
}

// Close releases the worker pool. The cache is owned by the caller.
func (s *Service) Close() {
	s.pool.Release()
}

func (s *Service) ModelID() string { return s.emb.ModelID() }

func (s *Service) Dimensions() int { return s.emb.Dimensions() }

// EmbedRecords embeds a batch of records. Per-record defects (empty text,
// oversize input) are skipped, not fatal; a backend failure fails the whole
// call and is retried upstream. Returned vectors align with the records that
// were not skipped, in input order.
func (s *Service) EmbedRecords(ctx context.Context, records []domain.Record) ([]domain.IndexedVector, []domain.SkippedRecord, error) {
	var (
		eligible []domain.Record
		skipped  []domain.SkippedRecord
	)
	for _, r := range records {
		if err := domain.ValidateRecord(r); err != nil {
			skipped = append(skipped, domain.SkippedRecord{RecordID: r.ID, Reason: err.Error()})
			s.log.Warn("skipping record", "record_id", r.ID, "reason", err)
			continue
		}
		if len(r.Text) > s.opts.MaxTextBytes {
			skipped = append(skipped, domain.SkippedRecord{
				RecordID: r.ID,
				Reason:   fmt.Sprintf("%v: %d bytes", domain.ErrInputTooLarge, len(r.Text)),
			})
			s.log.Warn("skipping record", "record_id", r.ID, "reason", domain.ErrInputTooLarge, "bytes", len(r.Text))
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil, skipped, nil
	}

	vectors := make([]domain.Embedding, len(eligible))
	var misses []int
	for i, r := range eligible {
		if s.cache != nil {
			if vec, ok := s.cache.Get(s.ModelID(), r.Text); ok {
				vectors[i] = vec
				continue
			}
		}
		misses = append(misses, i)
	}

	if err := s.embedMisses(ctx, eligible, vectors, misses); err != nil {
		return nil, nil, err
	}

	out := make([]domain.IndexedVector, len(eligible))
	for i, r := range eligible {
		out[i] = domain.IndexedVector{
			RecordID:  r.ID,
			ModelID:   s.ModelID(),
			Embedding: vectors[i],
			Metadata:  r.Metadata,
		}
	}
	return out, skipped, nil
}

// embedMisses fills vectors at the miss indexes, calling the backend in
// sub-batches through the worker pool. All sub-calls settle before return.
func (s *Service) embedMisses(ctx context.Context, records []domain.Record, vectors []domain.Embedding, misses []int) error {
	if len(misses) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, group := range fn.Chunk(misses, s.opts.BatchSize) {
		group := group
		wg.Add(1)
		submitErr := s.pool.Submit(func() {
			defer wg.Done()

			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed || ctx.Err() != nil {
				return
			}

			texts := fn.Map(group, func(i int) string { return records[i].Text })
			vecs, err := s.embedBatch(ctx, texts)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			for j, i := range group {
				vectors[i] = vecs[j]
				if s.cache != nil {
					if err := s.cache.Put(s.ModelID(), records[i].Text, vecs[j]); err != nil {
						s.log.Warn("cache write failed", "record_id", records[i].ID, "error", err)
					}
				}
			}
		})
		if submitErr != nil {
			// In-flight sub-batches still write into vectors and the cache;
			// settle them before returning.
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("embed: submit sub-batch: %w", submitErr)
			}
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	vecs, err := s.emb.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: backend returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}
