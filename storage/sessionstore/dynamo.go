package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mcplane/mcplane/shared/mcp/schema"
	"go.uber.org/zap"
)

var _ SessionStorage = (*DynamoStorage)(nil)

// DynamoAPI is the subset of the DynamoDB client the storage uses,
// extracted so tests can fake it.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStorage is the serverless session storage: one sessions table and
// one events table with (session_id, event_id) keys. Concurrency uses
// conditional writes; event ids come from an atomic counter on the
// session item.
type DynamoStorage struct {
	client       DynamoAPI
	sessionTable string
	eventTable   string
	eventBuffer  int
	logger       *zap.Logger
}

// NewDynamoStorage wraps an existing DynamoDB client. Tables are expected
// to exist (serverless deployments create them out of band).
func NewDynamoStorage(client DynamoAPI, sessionTable, eventTable string, logger *zap.Logger, eventBuffer int) *DynamoStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventBuffer <= 0 {
		eventBuffer = DefaultEventBufferSize
	}
	return &DynamoStorage{
		client:       client,
		sessionTable: sessionTable,
		eventTable:   eventTable,
		eventBuffer:  eventBuffer,
		logger:       logger.Named("sessionstore-dynamo"),
	}
}

// NewDynamoStorageFromEnv builds the client from the default AWS
// credential chain, the usual path for Lambda deployments.
func NewDynamoStorageFromEnv(ctx context.Context, sessionTable, eventTable string, logger *zap.Logger, eventBuffer int) (*DynamoStorage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewDynamoStorage(dynamodb.NewFromConfig(awsCfg), sessionTable, eventTable, logger, eventBuffer), nil
}

func (s *DynamoStorage) sessionKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func (s *DynamoStorage) CreateSession(ctx context.Context, serverCaps schema.ServerCapabilities) (*SessionRecord, error) {
	capsJSON, err := json.Marshal(serverCaps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server capabilities: %w", err)
	}
	now := time.Now()
	record := &SessionRecord{
		ID:                 NewSessionID(),
		ServerCapabilities: serverCaps,
		CreatedAt:          now,
		LastActivity:       now,
		State:              map[string]json.RawMessage{},
		Metadata:           map[string]json.RawMessage{},
		LogLevel:           schema.LoggingLevelInfo,
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.sessionTable),
		Item: map[string]types.AttributeValue{
			"id":            &types.AttributeValueMemberS{Value: record.ID},
			"server_caps":   &types.AttributeValueMemberS{Value: string(capsJSON)},
			"log_level":     &types.AttributeValueMemberS{Value: string(record.LogLevel)},
			"state":         &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
			"metadata":      &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
			"next_event_id": &types.AttributeValueMemberN{Value: "0"},
			"created_at":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			"last_activity": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put session item: %w", err)
	}
	return record, nil
}

func (s *DynamoStorage) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.sessionTable),
		Key:            s.sessionKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrSessionNotFound
	}
	return itemToRecord(out.Item)
}

func itemToRecord(item map[string]types.AttributeValue) (*SessionRecord, error) {
	record := &SessionRecord{
		State:    map[string]json.RawMessage{},
		Metadata: map[string]json.RawMessage{},
		LogLevel: schema.LoggingLevelInfo,
	}
	if v, ok := item["id"].(*types.AttributeValueMemberS); ok {
		record.ID = v.Value
	}
	if v, ok := item["protocol_version"].(*types.AttributeValueMemberS); ok {
		record.ProtocolVersion = v.Value
	}
	if v, ok := item["log_level"].(*types.AttributeValueMemberS); ok {
		record.LogLevel = schema.LoggingLevel(v.Value)
	}
	if v, ok := item["server_caps"].(*types.AttributeValueMemberS); ok {
		if err := json.Unmarshal([]byte(v.Value), &record.ServerCapabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal server capabilities: %w", err)
		}
	}
	if v, ok := item["client_info"].(*types.AttributeValueMemberS); ok {
		var info schema.Implementation
		if err := json.Unmarshal([]byte(v.Value), &info); err == nil {
			record.ClientInfo = &info
		}
	}
	if v, ok := item["client_caps"].(*types.AttributeValueMemberS); ok {
		var caps schema.ClientCapabilities
		if err := json.Unmarshal([]byte(v.Value), &caps); err == nil {
			record.ClientCapabilities = &caps
		}
	}
	if v, ok := item["state"].(*types.AttributeValueMemberM); ok {
		for k, av := range v.Value {
			if sv, ok := av.(*types.AttributeValueMemberS); ok {
				record.State[k] = json.RawMessage(sv.Value)
			}
		}
	}
	if v, ok := item["metadata"].(*types.AttributeValueMemberM); ok {
		for k, av := range v.Value {
			if sv, ok := av.(*types.AttributeValueMemberS); ok {
				record.Metadata[k] = json.RawMessage(sv.Value)
			}
		}
	}
	if v, ok := item["created_at"].(*types.AttributeValueMemberN); ok {
		if ms, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			record.CreatedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := item["last_activity"].(*types.AttributeValueMemberN); ok {
		if ms, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			record.LastActivity = time.UnixMilli(ms)
		}
	}
	return record, nil
}

// updateSession runs an UpdateItem guarded on the session existing,
// translating the conditional failure into ErrSessionNotFound.
func (s *DynamoStorage) updateSession(ctx context.Context, id string, input *dynamodb.UpdateItemInput) error {
	input.TableName = aws.String(s.sessionTable)
	input.Key = s.sessionKey(id)
	if input.ConditionExpression == nil {
		input.ConditionExpression = aws.String("attribute_exists(id)")
	}
	_, err := s.client.UpdateItem(ctx, input)
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrSessionNotFound
	}
	return err
}

func nowAttr() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)}
}

func (s *DynamoStorage) TouchSession(ctx context.Context, id string) error {
	return s.updateSession(ctx, id, &dynamodb.UpdateItemInput{
		UpdateExpression:          aws.String("SET last_activity = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": nowAttr()},
	})
}

func (s *DynamoStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.sessionTable),
		Key:          s.sessionKey(id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, err
	}
	existed := len(out.Attributes) > 0

	// Cascade: drop buffered events for the session.
	events, _, qErr := s.EventsAfter(ctx, id, 0)
	if qErr == nil {
		for _, e := range events {
			s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{ //nolint:errcheck
				TableName: aws.String(s.eventTable),
				Key: map[string]types.AttributeValue{
					"session_id": &types.AttributeValueMemberS{Value: id},
					"event_id":   &types.AttributeValueMemberN{Value: strconv.FormatInt(e.ID, 10)},
				},
			})
		}
	}
	return existed, nil
}

func (s *DynamoStorage) SetInitialized(ctx context.Context, id string, version string, clientInfo schema.Implementation, clientCaps schema.ClientCapabilities) error {
	infoJSON, err := json.Marshal(clientInfo)
	if err != nil {
		return err
	}
	capsJSON, err := json.Marshal(clientCaps)
	if err != nil {
		return err
	}
	return s.updateSession(ctx, id, &dynamodb.UpdateItemInput{
		UpdateExpression: aws.String("SET protocol_version = :v, client_info = :ci, client_caps = :cc, last_activity = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   &types.AttributeValueMemberS{Value: version},
			":ci":  &types.AttributeValueMemberS{Value: string(infoJSON)},
			":cc":  &types.AttributeValueMemberS{Value: string(capsJSON)},
			":now": nowAttr(),
		},
	})
}

func (s *DynamoStorage) SetLogLevel(ctx context.Context, id string, level schema.LoggingLevel) error {
	return s.updateSession(ctx, id, &dynamodb.UpdateItemInput{
		UpdateExpression:          aws.String("SET log_level = :l"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":l": &types.AttributeValueMemberS{Value: string(level)}},
	})
}

func (s *DynamoStorage) setMapEntry(ctx context.Context, id, column, key string, value json.RawMessage) error {
	return s.updateSession(ctx, id, &dynamodb.UpdateItemInput{
		UpdateExpression:         aws.String("SET #col.#k = :v"),
		ExpressionAttributeNames: map[string]string{"#col": column, "#k": key},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: string(value)},
		},
	})
}

func (s *DynamoStorage) SetState(ctx context.Context, id, key string, value json.RawMessage) error {
	return s.setMapEntry(ctx, id, "state", key, value)
}

func (s *DynamoStorage) GetState(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	record, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	value, exists := record.State[key]
	return value, exists, nil
}

func (s *DynamoStorage) DeleteState(ctx context.Context, id, key string) error {
	return s.updateSession(ctx, id, &dynamodb.UpdateItemInput{
		UpdateExpression:         aws.String("REMOVE #col.#k"),
		ExpressionAttributeNames: map[string]string{"#col": "state", "#k": key},
	})
}

func (s *DynamoStorage) SetMetadata(ctx context.Context, id, key string, value json.RawMessage) error {
	return s.setMapEntry(ctx, id, "metadata", key, value)
}

func (s *DynamoStorage) GetMetadata(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	record, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	value, exists := record.Metadata[key]
	return value, exists, nil
}

func (s *DynamoStorage) StoreEvent(ctx context.Context, id string, event string, data json.RawMessage) (SseEvent, error) {
	// Atomically claim the next event id on the session item.
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.sessionTable),
		Key:                       s.sessionKey(id),
		UpdateExpression:          aws.String("ADD next_event_id :one"),
		ConditionExpression:       aws.String("attribute_exists(id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": &types.AttributeValueMemberN{Value: "1"}},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return SseEvent{}, ErrSessionNotFound
	}
	if err != nil {
		return SseEvent{}, err
	}
	next := int64(0)
	if v, ok := out.Attributes["next_event_id"].(*types.AttributeValueMemberN); ok {
		next, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if next == 0 {
		return SseEvent{}, fmt.Errorf("failed to assign event id for session %s", id)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.eventTable),
		Item: map[string]types.AttributeValue{
			"session_id": &types.AttributeValueMemberS{Value: id},
			"event_id":   &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
			"event":      &types.AttributeValueMemberS{Value: event},
			"data":       &types.AttributeValueMemberS{Value: string(data)},
		},
	})
	if err != nil {
		return SseEvent{}, err
	}

	// Drop the entry that fell off the ring.
	if evicted := next - int64(s.eventBuffer); evicted > 0 {
		s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{ //nolint:errcheck
			TableName: aws.String(s.eventTable),
			Key: map[string]types.AttributeValue{
				"session_id": &types.AttributeValueMemberS{Value: id},
				"event_id":   &types.AttributeValueMemberN{Value: strconv.FormatInt(evicted, 10)},
			},
		})
	}
	return SseEvent{ID: next, Event: event, Data: data}, nil
}

func (s *DynamoStorage) EventsAfter(ctx context.Context, id string, after int64) ([]SseEvent, bool, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.eventTable),
		KeyConditionExpression: aws.String("session_id = :sid AND event_id > :after"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid":   &types.AttributeValueMemberS{Value: id},
			":after": &types.AttributeValueMemberN{Value: strconv.FormatInt(after, 10)},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, false, err
	}
	var events []SseEvent
	for _, item := range out.Items {
		var e SseEvent
		if v, ok := item["event_id"].(*types.AttributeValueMemberN); ok {
			e.ID, _ = strconv.ParseInt(v.Value, 10, 64)
		}
		if v, ok := item["event"].(*types.AttributeValueMemberS); ok {
			e.Event = v.Value
		}
		if v, ok := item["data"].(*types.AttributeValueMemberS); ok {
			e.Data = json.RawMessage(v.Value)
		}
		events = append(events, e)
	}
	gap := len(events) > 0 && after > 0 && events[0].ID > after+1
	return events, gap, nil
}

func (s *DynamoStorage) SessionCount(ctx context.Context) (int, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.sessionTable),
		Select:    types.SelectCount,
	})
	if err != nil {
		return 0, err
	}
	return int(out.Count), nil
}

func (s *DynamoStorage) CleanupExpired(ctx context.Context, ttl time.Duration) (int, error) {
	deadline := time.Now().Add(-ttl).UnixMilli()
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.sessionTable),
		FilterExpression:          aws.String("last_activity < :deadline"),
		ProjectionExpression:      aws.String("id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":deadline": &types.AttributeValueMemberN{Value: strconv.FormatInt(deadline, 10)}},
	})
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, item := range out.Items {
		if v, ok := item["id"].(*types.AttributeValueMemberS); ok {
			if existed, err := s.DeleteSession(ctx, v.Value); err == nil && existed {
				swept++
			}
		}
	}
	return swept, nil
}

func (s *DynamoStorage) Close() error {
	return nil
}
