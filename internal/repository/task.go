package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pediatric-assistant/internal/domain"
)

// CreateTask stores a new task.
func (c *Client) CreateTask(ctx context.Context, t domain.Task) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.taskItem(t),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateTask: %w", err)
	}
	return nil
}

// GetTask returns nil, nil for an unknown id.
func (c *Client) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(taskPK(id), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetTask get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	t, err := itemToTask(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetTask: %w", err)
	}
	return &t, nil
}

// DueTasks queries the sparse pending-task index for tasks due at now.
func (c *Client) DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(taskIndex),
		KeyConditionExpression: aws.String("gsi1pk = :pending AND gsi1sk <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": strS(taskDueKey),
			":now":     timeS(now),
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: DueTasks query: %w", err)
	}
	tasks := make([]domain.Task, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTask(item)
		if err != nil {
			return nil, fmt.Errorf("repository: DueTasks unmarshal: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ClaimTask bumps the attempt counter of a pending task and hides it from
// DueTasks until leaseUntil.
func (c *Client) ClaimTask(ctx context.Context, id string, attempts int, leaseUntil time.Time) (bool, error) {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(taskPK(id), skMeta),
		ConditionExpression: aws.String("#status = :pending AND attempts = :attempts"),
		UpdateExpression:    aws.String("SET attempts = :next, runAfter = :lease, gsi1sk = :lease, updatedAt = :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":  strS(string(domain.TaskPending)),
			":attempts": numN(int64(attempts)),
			":next":     numN(int64(attempts + 1)),
			":lease":    timeS(leaseUntil),
			":now":      timeS(c.now()),
		},
	})
	if isConditionFailure(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: ClaimTask: %w", err)
	}
	return true, nil
}

// SaveTask replaces a task unless it was cancelled in the meantime.
func (c *Client) SaveTask(ctx context.Context, t domain.Task) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.taskItem(t),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #status <> :cancelled"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": strS(string(domain.TaskCancelled)),
		},
	})
	if isConditionFailure(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: SaveTask: %w", err)
	}
	return nil
}

// CancelTask cancels a pending task and removes it from the due index.
func (c *Client) CancelTask(ctx context.Context, id string, now time.Time) (bool, error) {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(taskPK(id), skMeta),
		ConditionExpression: aws.String("#status = :pending"),
		UpdateExpression:    aws.String("SET #status = :cancelled, updatedAt = :now REMOVE gsi1pk, gsi1sk"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":   strS(string(domain.TaskPending)),
			":cancelled": strS(string(domain.TaskCancelled)),
			":now":       timeS(now),
		},
	})
	if isConditionFailure(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: CancelTask: %w", err)
	}
	return true, nil
}

func (c *Client) taskItem(t domain.Task) map[string]types.AttributeValue {
	item := key(taskPK(t.ID), skMeta)
	item["taskId"] = strS(t.ID)
	item["kind"] = strS(t.Kind)
	item["conversationId"] = strS(t.ConversationID)
	item["userId"] = strS(t.UserID)
	item["payload"] = strMap(t.Payload)
	item["status"] = strS(string(t.Status))
	item["attempts"] = numN(int64(t.Attempts))
	item["lastError"] = strS(t.LastError)
	item["runAfter"] = timeS(t.RunAfter)
	item["createdAt"] = timeS(t.CreatedAt)
	item["updatedAt"] = timeS(t.UpdatedAt)
	item["ttl"] = numN(c.ttlValue())
	if t.Status == domain.TaskPending {
		item["gsi1pk"] = strS(taskDueKey)
		item["gsi1sk"] = timeS(t.RunAfter)
	}
	return item
}

func itemToTask(item map[string]types.AttributeValue) (domain.Task, error) {
	id, err := strAttr(item, "taskId")
	if err != nil {
		return domain.Task{}, err
	}
	kind, err := strAttr(item, "kind")
	if err != nil {
		return domain.Task{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Task{}, err
	}
	attempts, err := intAttr(item, "attempts")
	if err != nil {
		return domain.Task{}, err
	}
	payload, err := mapAttr(item, "payload")
	if err != nil {
		return domain.Task{}, err
	}
	runAfter, err := timeAttr(item, "runAfter")
	if err != nil {
		return domain.Task{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Task{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Task{}, err
	}
	conversationID, _ := strAttr(item, "conversationId") // allow empty
	userID, _ := strAttr(item, "userId")
	lastError, _ := strAttr(item, "lastError")

	return domain.Task{
		ID:             id,
		Kind:           kind,
		ConversationID: conversationID,
		UserID:         userID,
		Payload:        payload,
		Status:         domain.TaskStatus(status),
		Attempts:       attempts,
		LastError:      lastError,
		RunAfter:       runAfter,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}, nil
}
