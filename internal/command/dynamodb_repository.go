package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jarrod-lowe/cqrs-command-log/internal/dynamo"
)

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, input *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoDBRepository implements Store using one DynamoDB table per logical
// table and kind (command, data, history).
type DynamoDBRepository struct {
	client DynamoDBClient
	prefix string
	now    func() time.Time
}

// NewDynamoDBRepository creates a new DynamoDBRepository. Physical table names
// are {prefix}{table}-{kind}.
func NewDynamoDBRepository(client DynamoDBClient, prefix string) *DynamoDBRepository {
	return &DynamoDBRepository{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *DynamoDBRepository) tableName(table, kind string) *string {
	return aws.String(dynamo.TableName(r.prefix, table, kind))
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: pk},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// cancellationReason returns the cancellation code for the transaction item at
// index i, or "" when err is not a cancelled transaction.
func cancellationReason(err error, i int) string {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || i >= len(tce.CancellationReasons) {
		return ""
	}
	return aws.ToString(tce.CancellationReasons[i].Code)
}

// HeadVersion returns the highest accepted version of an entity, or 0.
func (r *DynamoDBRepository) HeadVersion(ctx context.Context, table string, key Key) (int, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      r.tableName(table, dynamo.TableKindCommand),
		Key:            itemKey(key.PK, key.SK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get head version: %w", err)
	}
	if output.Item == nil {
		return 0, nil
	}

	if v, ok := output.Item[AttrHeadVersion].(*types.AttributeValueMemberN); ok {
		head, err := strconv.Atoi(v.Value)
		if err != nil {
			return 0, fmt.Errorf("failed to parse head version: %w", err)
		}
		return head, nil
	}
	return 0, nil
}

// AppendCommand atomically writes the command record and advances the head
// version. It fails with a *VersionConflictError unless rec.Version is exactly
// one more than the current head.
func (r *DynamoDBRepository) AppendCommand(ctx context.Context, table string, rec *CommandRecord) error {
	if err := checkVersion(rec.Version); err != nil {
		return err
	}
	key := rec.Key()
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	headUpdate := &types.Update{
		TableName:        r.tableName(table, dynamo.TableKindCommand),
		Key:              itemKey(key.PK, key.SK),
		UpdateExpression: aws.String("SET " + AttrHeadVersion + " = :v, " + AttrUpdatedAt + " = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Version)},
			":now": &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339)},
		},
	}
	if rec.Version == 1 {
		headUpdate.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		headUpdate.ConditionExpression = aws.String(AttrHeadVersion + " = :prev")
		headUpdate.ExpressionAttributeValues[":prev"] = &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Version - 1)}
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           r.tableName(table, dynamo.TableKindCommand),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
				},
			},
			{Update: headUpdate},
		},
	})
	if err != nil {
		if cancellationReason(err, 0) == "ConditionalCheckFailed" || cancellationReason(err, 1) == "ConditionalCheckFailed" {
			current, headErr := r.HeadVersion(ctx, table, key)
			if headErr != nil {
				return headErr
			}
			return &VersionConflictError{Key: key, Proposed: rec.Version, Current: current}
		}
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	return nil
}

// GetCommand retrieves one command version. A version <= 0 means the head.
func (r *DynamoDBRepository) GetCommand(ctx context.Context, table string, key Key, version int) (*CommandRecord, error) {
	if version <= 0 {
		head, err := r.HeadVersion(ctx, table, key)
		if err != nil {
			return nil, err
		}
		if head == 0 {
			return nil, ErrNotFound
		}
		version = head
	}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      r.tableName(table, dynamo.TableKindCommand),
		Key:            itemKey(key.PK, key.CommandSK(version)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}

	var rec CommandRecord
	if err := attributevalue.UnmarshalMap(output.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return &rec, nil
}

// UpdateCommandStatus records pipeline progress on a command, with the
// failure detail when one is given.
func (r *DynamoDBRepository) UpdateCommandStatus(ctx context.Context, table string, key Key, version int, status Status, failure *Failure) error {
	updateExpr := "SET #status = :status, " + AttrUpdatedAt + " = :now"
	exprAttrValues := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: string(status)},
		":now":    &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339)},
	}
	if failure != nil {
		updateExpr += ", " + AttrFailedStage + " = :stage, " + AttrFailureReason + " = :reason"
		exprAttrValues[":stage"] = &types.AttributeValueMemberS{Value: failure.Stage}
		exprAttrValues[":reason"] = &types.AttributeValueMemberS{Value: failure.Reason}
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 r.tableName(table, dynamo.TableKindCommand),
		Key:                       itemKey(key.PK, key.CommandSK(version)),
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeNames:  map[string]string{"#status": AttrStatus},
		ExpressionAttributeValues: exprAttrValues,
		ConditionExpression:       aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update command status: %w", err)
	}
	return nil
}

// SetCommandTTL marks a command for expiry. A missing command is not an error.
func (r *DynamoDBRepository) SetCommandTTL(ctx context.Context, table string, key Key, version int, ttl int64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                r.tableName(table, dynamo.TableKindCommand),
		Key:                      itemKey(key.PK, key.CommandSK(version)),
		UpdateExpression:         aws.String("SET #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{"#ttl": AttrTTL},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("failed to set command ttl: %w", err)
	}
	return nil
}

// RegisterWaitToken stores a pending-wait token on a command, but only while
// the previous version is still in flight. Both conditions are checked in one
// transaction, so a predecessor that settles concurrently either sees the
// token or causes ErrPredecessorSettled.
func (r *DynamoDBRepository) RegisterWaitToken(ctx context.Context, table string, key Key, version int, token string) error {
	now := r.now().UTC()
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:                r.tableName(table, dynamo.TableKindCommand),
					Key:                      itemKey(key.PK, key.CommandSK(version-1)),
					ConditionExpression:      aws.String("attribute_exists(pk) AND NOT (#status IN (:finished, :failed))"),
					ExpressionAttributeNames: map[string]string{"#status": AttrStatus},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":finished": &types.AttributeValueMemberS{Value: string(StatusFinished)},
						":failed":   &types.AttributeValueMemberS{Value: string(StatusFailed)},
					},
				},
			},
			{
				Update: &types.Update{
					TableName:                r.tableName(table, dynamo.TableKindCommand),
					Key:                      itemKey(key.PK, key.CommandSK(version)),
					UpdateExpression:         aws.String("SET " + AttrTaskToken + " = :token, " + AttrWaitingSince + " = :since, #status = :waiting"),
					ExpressionAttributeNames: map[string]string{"#status": AttrStatus},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":token":   &types.AttributeValueMemberS{Value: token},
						":since":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
						":waiting": &types.AttributeValueMemberS{Value: string(StatusWaiting)},
					},
					ConditionExpression: aws.String("attribute_exists(pk)"),
				},
			},
		},
	})
	if err != nil {
		if cancellationReason(err, 0) == "ConditionalCheckFailed" {
			return ErrPredecessorSettled
		}
		if cancellationReason(err, 1) == "ConditionalCheckFailed" {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	return nil
}

// TakeWaitToken removes and returns the pending-wait token of a command.
// Only one caller can ever receive a given token; others get "".
func (r *DynamoDBRepository) TakeWaitToken(ctx context.Context, table string, key Key, version int) (string, error) {
	output, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           r.tableName(table, dynamo.TableKindCommand),
		Key:                 itemKey(key.PK, key.CommandSK(version)),
		UpdateExpression:    aws.String("REMOVE " + AttrTaskToken + ", " + AttrWaitingSince),
		ConditionExpression: aws.String("attribute_exists(" + AttrTaskToken + ")"),
		ReturnValues:        types.ReturnValueUpdatedOld,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to take wait token: %w", err)
	}

	if v, ok := output.Attributes[AttrTaskToken].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", nil
}

// ListWaiting returns commands that have been waiting since before the given time.
func (r *DynamoDBRepository) ListWaiting(ctx context.Context, table string, before time.Time) ([]*CommandRecord, error) {
	var (
		records  []*CommandRecord
		startKey map[string]types.AttributeValue
	)
	for {
		output, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        r.tableName(table, dynamo.TableKindCommand),
			FilterExpression: aws.String("attribute_exists(" + AttrTaskToken + ") AND " + AttrWaitingSince + " < :before"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(before.Unix(), 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan waiting commands: %w", err)
		}

		for _, item := range output.Items {
			var rec CommandRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal command: %w", err)
			}
			records = append(records, &rec)
		}

		if len(output.LastEvaluatedKey) == 0 {
			return records, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// GetData retrieves the latest projection of an entity.
func (r *DynamoDBRepository) GetData(ctx context.Context, table string, key Key) (*DataRecord, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      r.tableName(table, dynamo.TableKindData),
		Key:            itemKey(key.PK, key.SK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get data: %w", err)
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}

	var rec DataRecord
	if err := attributevalue.UnmarshalMap(output.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &rec, nil
}

// PutData writes the latest projection unless a newer version is already stored.
func (r *DynamoDBRepository) PutData(ctx context.Context, table string, rec *DataRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                r.tableName(table, dynamo.TableKindData),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(pk) OR #version <= :v"),
		ExpressionAttributeNames: map[string]string{"#version": AttrVersion},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Version)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("failed to put data: %w", err)
	}
	return nil
}

// ScanData calls fn for every projection in the table.
func (r *DynamoDBRepository) ScanData(ctx context.Context, table string, fn func(*DataRecord) error) error {
	var startKey map[string]types.AttributeValue
	for {
		output, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         r.tableName(table, dynamo.TableKindData),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return fmt.Errorf("failed to scan data: %w", err)
		}

		for _, item := range output.Items {
			var rec DataRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal data: %w", err)
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}

		if len(output.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// GetHistory retrieves the archived copy of one version.
func (r *DynamoDBRepository) GetHistory(ctx context.Context, table string, key Key, version int) (*HistoryRecord, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: r.tableName(table, dynamo.TableKindHistory),
		Key:       itemKey(key.PK, key.HistorySK(version)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	if output.Item == nil {
		return nil, ErrNotFound
	}

	var rec HistoryRecord
	if err := attributevalue.UnmarshalMap(output.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return &rec, nil
}

// PutHistory archives a version. History is written once; a repeated copy of
// the same version is a no-op.
func (r *DynamoDBRepository) PutHistory(ctx context.Context, table string, rec *HistoryRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           r.tableName(table, dynamo.TableKindHistory),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("failed to put history: %w", err)
	}
	return nil
}
