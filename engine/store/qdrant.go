package store

import (
	"context"
	"fmt"
	"log/slog"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
	"github.com/BabylonML/babylon-pipeline/pkg/fn"
)

// upsertChunkSize is the number of points per upsert call. Qdrant upserts
// are atomic per call, so this is also the granularity of partial failure.
const upsertChunkSize = 64

// scrollPageSize is the page size for full exports.
const scrollPageSize = 256

// Qdrant is the vector store adapter over Qdrant's gRPC API.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dims        int
	log         *slog.Logger
}

// NewQdrant connects to Qdrant at the given gRPC address. dims is the
// configured dimensionality every upserted vector must match.
func NewQdrant(addr, collection string, dims int, log *slog.Logger) (*Qdrant, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("store: dial qdrant %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dims:        dims,
		log:         log.With("component", "store"),
	}, nil
}

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

// EnsureCollection creates the cosine-distance collection if absent.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("store: list collections: %v: %w", err, domain.ErrStoreUnavailable)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("store: create collection %s: %v: %w", q.collection, err, domain.ErrStoreUnavailable)
	}
	return nil
}

// Upsert implements Adapter. Vectors are written in fixed-size chunks; a
// failed chunk contributes its record ids to UpsertResult.Failed and the
// remaining chunks still go through. A dimension mismatch aborts before any
// write.
func (q *Qdrant) Upsert(ctx context.Context, vectors []domain.IndexedVector) (domain.UpsertResult, error) {
	var result domain.UpsertResult
	if len(vectors) == 0 {
		return result, nil
	}
	if err := validateDims(vectors, q.dims); err != nil {
		return result, err
	}

	wait := true
	for _, chunk := range fn.Chunk(vectors, upsertChunkSize) {
		points := fn.Map(chunk, q.toPoint)
		ids := fn.Map(chunk, func(v domain.IndexedVector) string { return v.RecordID })

		_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: q.collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			q.log.Warn("upsert chunk failed", "points", len(chunk), "error", err)
			result.Failed = append(result.Failed, ids...)
			continue
		}
		result.Succeeded = append(result.Succeeded, ids...)
	}
	return result, nil
}

func (q *Qdrant) toPoint(v domain.IndexedVector) *pb.PointStruct {
	payload := map[string]*pb.Value{
		"record_id": {Kind: &pb.Value_StringValue{StringValue: v.RecordID}},
		"model_id":  {Kind: &pb.Value_StringValue{StringValue: v.ModelID}},
	}
	for k, val := range v.Metadata {
		payload[k] = toValue(val)
	}
	return &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(v.RecordID, v.ModelID)},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: v.Embedding},
			},
		},
		Payload: payload,
	}
}

// Query implements Adapter.
func (q *Qdrant) Query(ctx context.Context, embedding domain.Embedding, k int, modelID string, filter map[string]string) ([]domain.Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("store: non-positive k %d", k)
	}
	if len(embedding) != q.dims {
		return nil, fmt.Errorf("store: query embedding has %d dims, store configured for %d: %w",
			len(embedding), q.dims, domain.ErrDimensionMismatch)
	}

	must := []*pb.Condition{fieldMatch("model_id", modelID)}
	for key, val := range filter {
		must = append(must, fieldMatch(key, val))
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         embedding,
		Limit:          uint64(k),
		Filter:         &pb.Filter{Must: must},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("store: search: %v: %w", err, domain.ErrStoreUnavailable)
	}

	return fn.Map(resp.GetResult(), func(r *pb.ScoredPoint) domain.Match {
		return domain.Match{
			RecordID: r.GetPayload()["record_id"].GetStringValue(),
			Score:    r.GetScore(),
		}
	}), nil
}

// ExportAll implements Adapter, paging through the scroll API.
func (q *Qdrant) ExportAll(ctx context.Context, modelID string) ([]domain.IndexedVector, error) {
	var (
		out    []domain.IndexedVector
		offset *pb.PointId
	)
	limit := uint32(scrollPageSize)
	filter := &pb.Filter{Must: []*pb.Condition{fieldMatch("model_id", modelID)}}

	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, fmt.Errorf("store: scroll: %v: %w", err, domain.ErrStoreUnavailable)
		}

		for _, p := range resp.GetResult() {
			out = append(out, retrievedToVector(p, modelID))
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

func retrievedToVector(p *pb.RetrievedPoint, modelID string) domain.IndexedVector {
	v := domain.IndexedVector{
		ModelID:   modelID,
		Embedding: p.GetVectors().GetVector().GetData(),
		Metadata:  make(map[string]any),
	}
	for k, val := range p.GetPayload() {
		switch k {
		case "record_id":
			v.RecordID = val.GetStringValue()
		case "model_id":
		default:
			v.Metadata[k] = fromValue(val)
		}
	}
	return v
}

// Count implements Adapter.
func (q *Qdrant) Count(ctx context.Context, modelID string) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{
		CollectionName: q.collection,
		Filter:         &pb.Filter{Must: []*pb.Condition{fieldMatch("model_id", modelID)}},
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("store: count: %v: %w", err, domain.ErrStoreUnavailable)
	}
	return int(resp.GetResult().GetCount()), nil
}

// DeleteModel removes every point indexed under modelID. Operator-driven
// pruning after a model change; the pipeline itself never calls this.
func (q *Qdrant) DeleteModel(ctx context.Context, modelID string) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch("model_id", modelID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("store: delete model %s: %v: %w", modelID, err, domain.ErrStoreUnavailable)
	}
	return nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromValue(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}
