package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"guardrails-chat/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Archive.
// The archive is write-only, so no read calls are needed.
type dynamodbAPI interface {
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Archive writes rendered turns to a DynamoDB table. Nothing is ever read
// back, so no state crosses sessions.
type Archive struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new Archive.
func New(api dynamodbAPI, tableName string) (*Archive, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Archive{api: api, tableName: tableName}, nil
}

// sessionPK returns the partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK zero-pads the turn number so turns sort in order.
func turnSK(n int) string {
	return fmt.Sprintf("%s%06d", skPrefixTurn, n)
}

// ttlValue returns a Unix timestamp 30 days after ts.
func ttlValue(ts time.Time) int64 {
	return ts.Add(ttlDuration).Unix()
}

// ArchiveTurn writes the turn and the updated session metadata in one
// transaction. A turn number can only be written once.
func (a *Archive) ArchiveTurn(ctx context.Context, rec domain.TurnRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return errors.New("repository: ArchiveTurn: session id is required")
	}
	if rec.Number < 1 {
		return errors.New("repository: ArchiveTurn: turn number must be positive")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	turn, err := turnItem(rec)
	if err != nil {
		return fmt.Errorf("repository: ArchiveTurn: %w", err)
	}

	_, err = a.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(a.tableName),
					Item:                turn,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(a.tableName),
					Item:      metaItem(rec),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: ArchiveTurn: %w", err)
	}
	return nil
}

func turnItem(rec domain.TurnRecord) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(rec.SessionID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(rec.Number)},
		"sessionId": &types.AttributeValueMemberS{Value: rec.SessionID},
		"turn":      &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Number)},
		"prompt":    &types.AttributeValueMemberS{Value: rec.Prompt},
		"model":     &types.AttributeValueMemberS{Value: rec.Model},
		"raw":       &types.AttributeValueMemberS{Value: rec.Pair.Raw},
		"validated": &types.AttributeValueMemberS{Value: rec.Pair.Validated},
		"differs":   &types.AttributeValueMemberBOOL{Value: rec.Pair.Differs()},
		"createdAt": &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue(rec.CreatedAt))},
	}
	if rec.Pair.Report != nil {
		buf, err := json.Marshal(rec.Pair.Report)
		if err != nil {
			return nil, fmt.Errorf("marshal report: %w", err)
		}
		item["report"] = &types.AttributeValueMemberS{Value: string(buf)}
	}
	return item, nil
}

func metaItem(rec domain.TurnRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(rec.SessionID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":    &types.AttributeValueMemberS{Value: rec.SessionID},
		"lastActivity": &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339)},
		"turns":        &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Number)},
		"ttl":          &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue(rec.CreatedAt))},
	}
}
