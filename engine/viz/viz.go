// Package viz projects indexed vectors into 2D/3D points for external
// plotting. It is a read-only consumer of the vector store, off the
// pipeline's critical path.
package viz

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
	"github.com/BabylonML/babylon-pipeline/engine/store"
)

// DefaultLabelKeys is the metadata fallback chain for point labels,
// matching the keys the lake attaches to records.
var DefaultLabelKeys = []string{"type", "source_collection"}

// powerIterations bounds the per-component power iteration.
const powerIterations = 100

// Opts configures an Exporter.
type Opts struct {
	// Seed fixes the projection's random initialization so plots are
	// reproducible.
	Seed int64
	// LabelKeys is the metadata fallback chain for labels; a point whose
	// metadata has none of them is labeled with its record id.
	LabelKeys []string
}

// Exporter projects a model's stored vectors via principal components,
// computed with seeded power iteration.
type Exporter struct {
	store store.Adapter
	opts  Opts
	log   *slog.Logger
}

// NewExporter creates an exporter over st.
func NewExporter(st store.Adapter, opts Opts, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	if len(opts.LabelKeys) == 0 {
		opts.LabelKeys = DefaultLabelKeys
	}
	return &Exporter{store: st, opts: opts, log: log.With("component", "viz")}
}

// Export reads every vector indexed under modelID and returns its
// projection into dims dimensions (2 or 3). Deterministic for a fixed seed.
func (e *Exporter) Export(ctx context.Context, modelID string, dims int) ([]domain.Point, error) {
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("viz: dims must be 2 or 3, got %d", dims)
	}

	vectors, err := e.store.ExportAll(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("viz: export model %s: %w", modelID, err)
	}
	if len(vectors) < 2 {
		return nil, fmt.Errorf("viz: model %s has %d vectors: %w",
			modelID, len(vectors), domain.ErrInsufficientData)
	}
	e.log.Info("projecting vectors", "model_id", modelID, "count", len(vectors), "dims", dims)

	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		row := make([]float64, len(v.Embedding))
		for j, x := range v.Embedding {
			row[j] = float64(x)
		}
		rows[i] = row
	}
	coords := project(rows, dims, e.opts.Seed)

	points := make([]domain.Point, len(vectors))
	for i, v := range vectors {
		points[i] = domain.Point{
			RecordID: v.RecordID,
			Coords:   coords[i],
			Label:    e.label(v),
		}
	}
	return points, nil
}

func (e *Exporter) label(v domain.IndexedVector) string {
	for _, key := range e.opts.LabelKeys {
		switch tv := v.Metadata[key].(type) {
		case nil:
		case string:
			if tv != "" {
				return tv
			}
		default:
			return fmt.Sprint(tv)
		}
	}
	return v.RecordID
}

// project mean-centers rows and returns their scores on the top `dims`
// principal components, extracted one at a time by power iteration with
// deflation. The rng initialization makes the result deterministic per seed
// (components may flip sign between seeds, which plotting tolerates).
func project(rows [][]float64, dims int, seed int64) [][]float64 {
	n := len(rows)
	width := len(rows[0])
	rng := rand.New(rand.NewSource(seed))

	// Mean-center a working copy; deflation mutates it.
	work := make([][]float64, n)
	mean := make([]float64, width)
	for _, row := range rows {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	for i, row := range rows {
		work[i] = make([]float64, width)
		for j, v := range row {
			work[i][j] = v - mean[j]
		}
	}

	coords := make([][]float64, n)
	for i := range coords {
		coords[i] = make([]float64, dims)
	}

	for c := 0; c < dims; c++ {
		comp := principalComponent(work, rng)
		if comp == nil {
			// Degenerate data (e.g. identical vectors): remaining
			// coordinates stay zero.
			break
		}
		for i, row := range work {
			score := dot(row, comp)
			coords[i][c] = score
			for j := range row {
				row[j] -= score * comp[j]
			}
		}
	}
	return coords
}

// principalComponent runs power iteration on the covariance of centered
// rows, returning a unit vector, or nil when the data has no variance left.
func principalComponent(rows [][]float64, rng *rand.Rand) []float64 {
	width := len(rows[0])
	v := make([]float64, width)
	for j := range v {
		v[j] = rng.NormFloat64()
	}
	if !normalize(v) {
		return nil
	}

	next := make([]float64, width)
	for iter := 0; iter < powerIterations; iter++ {
		for j := range next {
			next[j] = 0
		}
		// next = Xᵀ X v, without materializing the covariance matrix.
		for _, row := range rows {
			s := dot(row, v)
			for j, x := range row {
				next[j] += s * x
			}
		}
		if !normalize(next) {
			return nil
		}
		copy(v, next)
	}
	return v
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func normalize(v []float64) bool {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm < 1e-12 {
		return false
	}
	for i := range v {
		v[i] /= norm
	}
	return true
}
