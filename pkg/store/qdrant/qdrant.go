// Package qdrant implements the chunk-store capability on Qdrant over gRPC.
// The corpus name maps to a collection. Qdrant has no relational side, so
// document and session operations return store.ErrNotSupported; deployments
// that need them pair this backend with the postgres one.
package qdrant

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/types"
)

// scrollPageSize is the page size used for full-corpus scrolls.
const scrollPageSize = 256

// Config holds Qdrant-specific configuration.
type Config struct {
	// Host is the Qdrant server hostname
	Host string

	// GRPCPort is the gRPC port (default: 6334)
	GRPCPort int

	// APIKey authenticates requests when set
	APIKey string

	// UseTLS enables TLS for the connection
	UseTLS bool
}

// Store implements store.ChunkStore against Qdrant.
type Store struct {
	cfg    Config
	conn   *grpc.ClientConn
	points pb.PointsClient
}

// New connects to Qdrant and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = 6334
	}

	var opts []grpc.DialOption
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s: %w", addr, err)
	}

	return &Store{
		cfg:    cfg,
		conn:   conn,
		points: pb.NewPointsClient(conn),
	}, nil
}

// Ping verifies the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	// A zero-limit scroll on a nonexistent collection still exercises the
	// transport; connection errors surface here.
	_, err := s.points.Scroll(s.auth(ctx), &pb.ScrollPoints{
		CollectionName: "_ping",
		Limit:          ptrUint32(1),
	})
	if err != nil && strings.Contains(err.Error(), "connection") {
		return err
	}
	return nil
}

// Close releases the gRPC connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// VectorMatch retrieves the matchCount most similar chunks.
func (s *Store) VectorMatch(ctx context.Context, corpus string, embedding []float32, matchCount int) ([]types.Chunk, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	if matchCount <= 0 {
		matchCount = 10
	}

	resp, err := s.points.Search(s.auth(ctx), &pb.SearchPoints{
		CollectionName: corpus,
		Vector:         embedding,
		Limit:          uint64(matchCount),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	chunks := make([]types.Chunk, 0, len(resp.Result))
	for _, point := range resp.Result {
		c := chunkFromPayload(point.Payload)
		c.ID = pointIDString(point.Id)
		c.Score = point.Score
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// ClusterMatch returns up to matchCount chunks assigned to clusterID.
func (s *Store) ClusterMatch(ctx context.Context, corpus string, clusterID, matchCount int) ([]types.Chunk, error) {
	if matchCount <= 0 {
		matchCount = 5
	}

	filter := &pb.Filter{
		Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: "metadata.cluster_id",
					Match: &pb.Match{
						MatchValue: &pb.Match_Integer{Integer: int64(clusterID)},
					},
				},
			},
		}},
	}

	resp, err := s.points.Scroll(s.auth(ctx), &pb.ScrollPoints{
		CollectionName: corpus,
		Filter:         filter,
		Limit:          ptrUint32(uint32(matchCount)),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cluster scroll failed: %w", err)
	}

	chunks := make([]types.Chunk, 0, len(resp.Result))
	for _, point := range resp.Result {
		c := chunkFromPayload(point.Payload)
		c.ID = pointIDString(point.Id)
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// ScanVigente scrolls the whole corpus and applies the vigente predicate
// client-side. Qdrant holds no document records, so only the chunk's own
// metadata status participates in the rule.
func (s *Store) ScanVigente(ctx context.Context, corpus string) ([]types.Chunk, error) {
	return s.scrollAll(ctx, corpus, func(c *types.Chunk) bool {
		return store.Vigente("", false, c.MetaString("status"))
	})
}

// FilterSubstring scrolls the corpus and keeps chunks whose title or content
// contains needle, case-insensitively.
func (s *Store) FilterSubstring(ctx context.Context, corpus, needle string) ([]types.Chunk, error) {
	if needle == "" {
		return nil, nil
	}
	lowered := strings.ToLower(needle)
	return s.scrollAll(ctx, corpus, func(c *types.Chunk) bool {
		return strings.Contains(strings.ToLower(c.Title), lowered) ||
			strings.Contains(strings.ToLower(c.Content), lowered)
	})
}

// InsertChunk upserts a chunk point, assigning a UUID when the ID is empty.
func (s *Store) InsertChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	return s.upsert(ctx, corpus, chunk)
}

// UpdateChunk rewrites a stored chunk; in Qdrant this is the same upsert.
func (s *Store) UpdateChunk(ctx context.Context, corpus string, chunk *types.Chunk) error {
	if chunk.ID == "" {
		return fmt.Errorf("chunk id is required for update")
	}
	return s.upsert(ctx, corpus, chunk)
}

// DeleteChunk removes a chunk point by ID.
func (s *Store) DeleteChunk(ctx context.Context, corpus, id string) error {
	wait := true
	_, err := s.points.Delete(s.auth(ctx), &pb.DeletePoints{
		CollectionName: corpus,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(id)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// InsertDocument is not available on this backend.
func (s *Store) InsertDocument(ctx context.Context, doc *types.Document) (int64, error) {
	return 0, store.ErrNotSupported
}

// GetDocument is not available on this backend.
func (s *Store) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	return nil, store.ErrNotSupported
}

// GetDocumentByURL is not available on this backend.
func (s *Store) GetDocumentByURL(ctx context.Context, url string) (*types.Document, error) {
	return nil, store.ErrNotSupported
}

// UpdateDocumentStatus is not available on this backend.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	return store.ErrNotSupported
}

// CreateSession is not available on this backend.
func (s *Store) CreateSession(ctx context.Context, session *types.ConversationSession) error {
	return store.ErrNotSupported
}

// GetSession is not available on this backend.
func (s *Store) GetSession(ctx context.Context, id string) (*types.ConversationSession, error) {
	return nil, store.ErrNotSupported
}

// UpdateSessionMetadata is not available on this backend.
func (s *Store) UpdateSessionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	return store.ErrNotSupported
}

// SaveMessageBatch is not available on this backend.
func (s *Store) SaveMessageBatch(ctx context.Context, batch *types.MessageBatch) error {
	return store.ErrNotSupported
}

// LoadMessageBatches is not available on this backend.
func (s *Store) LoadMessageBatches(ctx context.Context, sessionID string, limit int) ([]types.MessageBatch, error) {
	return nil, store.ErrNotSupported
}

func (s *Store) upsert(ctx context.Context, corpus string, chunk *types.Chunk) error {
	payload := map[string]*pb.Value{
		"url":          valueString(chunk.URL),
		"chunk_number": valueInt(int64(chunk.ChunkNumber)),
		"title":        valueString(chunk.Title),
		"summary":      valueString(chunk.Summary),
		"content":      valueString(chunk.Content),
		"metadata":     valueMap(chunk.Metadata),
	}

	wait := true
	_, err := s.points.Upsert(s.auth(ctx), &pb.UpsertPoints{
		CollectionName: corpus,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: pointID(chunk.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: chunk.Embedding},
				},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

func (s *Store) scrollAll(ctx context.Context, corpus string, keep func(*types.Chunk) bool) ([]types.Chunk, error) {
	var chunks []types.Chunk
	var offset *pb.PointId

	for {
		resp, err := s.points.Scroll(s.auth(ctx), &pb.ScrollPoints{
			CollectionName: corpus,
			Limit:          ptrUint32(scrollPageSize),
			Offset:         offset,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("scroll failed: %w", err)
		}

		for _, point := range resp.Result {
			c := chunkFromPayload(point.Payload)
			c.ID = pointIDString(point.Id)
			if keep(&c) {
				chunks = append(chunks, c)
			}
		}

		if resp.NextPageOffset == nil || len(resp.Result) == 0 {
			return chunks, nil
		}
		offset = resp.NextPageOffset
	}
}

// auth attaches the API key to the outgoing context when configured.
func (s *Store) auth(ctx context.Context) context.Context {
	if s.cfg.APIKey != "" {
		return metadata.AppendToOutgoingContext(ctx, "api-key", s.cfg.APIKey)
	}
	return ctx
}

func chunkFromPayload(payload map[string]*pb.Value) types.Chunk {
	var c types.Chunk
	if payload == nil {
		return c
	}
	fields := payloadToMap(payload)

	if v, ok := fields["url"].(string); ok {
		c.URL = v
	}
	if v, ok := fields["chunk_number"].(int64); ok {
		c.ChunkNumber = int(v)
	}
	if v, ok := fields["title"].(string); ok {
		c.Title = v
	}
	if v, ok := fields["summary"].(string); ok {
		c.Summary = v
	}
	if v, ok := fields["content"].(string); ok {
		c.Content = v
	}
	if v, ok := fields["metadata"].(map[string]interface{}); ok {
		c.Metadata = v
	}
	return c
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func pointIDString(id *pb.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *pb.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	case *pb.PointId_Uuid:
		return v.Uuid
	}
	return ""
}

func ptrUint32(v uint32) *uint32 { return &v }

func valueString(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func valueInt(i int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: i}}
}

func valueMap(m map[string]interface{}) *pb.Value {
	fields := make(map[string]*pb.Value, len(m))
	for k, v := range m {
		fields[k] = goValue(v)
	}
	return &pb.Value{Kind: &pb.Value_StructValue{
		StructValue: &pb.Struct{Fields: fields},
	}}
}

func goValue(v interface{}) *pb.Value {
	switch val := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}
	case string:
		return valueString(val)
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
	case int:
		return valueInt(int64(val))
	case int64:
		return valueInt(val)
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
	case []interface{}:
		items := make([]*pb.Value, len(val))
		for i, item := range val {
			items[i] = goValue(item)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{
			ListValue: &pb.ListValue{Values: items},
		}}
	case map[string]interface{}:
		return valueMap(val)
	default:
		return valueString(fmt.Sprintf("%v", val))
	}
}

func payloadToMap(payload map[string]*pb.Value) map[string]interface{} {
	if payload == nil {
		return nil
	}
	result := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		result[k] = fromValue(v)
	}
	return result
}

func fromValue(v *pb.Value) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *pb.Value_NullValue:
		return nil
	case *pb.Value_DoubleValue:
		return val.DoubleValue
	case *pb.Value_IntegerValue:
		return val.IntegerValue
	case *pb.Value_StringValue:
		return val.StringValue
	case *pb.Value_BoolValue:
		return val.BoolValue
	case *pb.Value_ListValue:
		if val.ListValue == nil {
			return nil
		}
		list := make([]interface{}, len(val.ListValue.Values))
		for i, item := range val.ListValue.Values {
			list[i] = fromValue(item)
		}
		return list
	case *pb.Value_StructValue:
		if val.StructValue == nil {
			return nil
		}
		return payloadToMap(val.StructValue.Fields)
	default:
		return nil
	}
}
