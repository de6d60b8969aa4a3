package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pediatric-assistant/internal/domain"
)

// GetContext loads a conversation context. It returns nil, nil when the
// conversation does not exist.
func (c *Client) GetContext(ctx context.Context, conversationID string) (*domain.ConversationContext, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetContext get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	body, err := strAttr(out.Item, "body")
	if err != nil {
		return nil, fmt.Errorf("repository: GetContext: %w", err)
	}
	var cc domain.ConversationContext
	if err := json.Unmarshal([]byte(body), &cc); err != nil {
		return nil, fmt.Errorf("repository: GetContext decode body: %w", err)
	}
	return &cc, nil
}

// PutContext writes cc if the stored version still equals prevVersion
// (prevVersion 0 means the conversation must not exist yet). A mismatch is
// reported as domain.ErrVersionConflict. When cc carries a triage snapshot it
// is also appended to the conversation's decision history in the same
// transaction.
func (c *Client) PutContext(ctx context.Context, cc *domain.ConversationContext, prevVersion int64) error {
	if cc == nil || cc.ConversationID == "" {
		return fmt.Errorf("repository: PutContext: conversation id is required")
	}
	item, err := c.contextItem(cc)
	if err != nil {
		return fmt.Errorf("repository: PutContext: %w", err)
	}

	cond := "attribute_not_exists(PK)"
	values := map[string]types.AttributeValue(nil)
	if prevVersion > 0 {
		cond = "version = :prev"
		values = map[string]types.AttributeValue{":prev": numN(prevVersion)}
	}

	if cc.Triage == nil {
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(c.tableName),
			Item:                      item,
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeValues: values,
		})
		if isConditionFailure(err) {
			return domain.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("repository: PutContext: %w", err)
		}
		return nil
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:                 aws.String(c.tableName),
					Item:                      item,
					ConditionExpression:       aws.String(cond),
					ExpressionAttributeValues: values,
				},
			},
			{
				// Same snapshot, same key: rewriting it is idempotent.
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      c.triageItem(cc.ConversationID, cc.Triage),
				},
			},
		},
	})
	if isTransactConditionFailure(err, 0) {
		return domain.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("repository: PutContext transact: %w", err)
	}
	return nil
}

// TriageHistory returns up to limit past decisions for a conversation, newest
// first.
func (c *Client) TriageHistory(ctx context.Context, conversationID string, limit int) ([]domain.TriageSnapshot, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strS(convPK(conversationID)),
			":prefix": strS(skTriage),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: TriageHistory query: %w", err)
	}

	snaps := make([]domain.TriageSnapshot, 0, len(out.Items))
	for _, item := range out.Items {
		snap, err := itemToSnapshot(item)
		if err != nil {
			return nil, fmt.Errorf("repository: TriageHistory unmarshal: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (c *Client) contextItem(cc *domain.ConversationContext) (map[string]types.AttributeValue, error) {
	body, err := json.Marshal(cc)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	item := key(convPK(cc.ConversationID), skMeta)
	item["conversationId"] = strS(cc.ConversationID)
	item["userId"] = strS(cc.UserID)
	item["state"] = strS(string(cc.State))
	item["version"] = numN(cc.Version)
	item["turns"] = numN(int64(cc.TurnCount))
	item["lastActivity"] = timeS(cc.UpdatedAt)
	item["body"] = strS(string(body))
	item["ttl"] = numN(c.ttlValue())
	return item, nil
}

func (c *Client) triageItem(conversationID string, s *domain.TriageSnapshot) map[string]types.AttributeValue {
	item := key(convPK(conversationID), triageSK(s.DecidedAt))
	item["level"] = strS(string(s.Level))
	item["reason"] = strS(s.Reason)
	item["action"] = strS(s.Action)
	item["ruleId"] = strS(s.RuleID)
	item["decidedAt"] = timeS(s.DecidedAt)
	item["ttl"] = numN(c.ttlValue())
	return item
}

func itemToSnapshot(item map[string]types.AttributeValue) (domain.TriageSnapshot, error) {
	level, err := strAttr(item, "level")
	if err != nil {
		return domain.TriageSnapshot{}, err
	}
	decided, err := timeAttr(item, "decidedAt")
	if err != nil {
		return domain.TriageSnapshot{}, err
	}
	reason, _ := strAttr(item, "reason") // allow empty
	action, _ := strAttr(item, "action")
	ruleID, _ := strAttr(item, "ruleId")
	return domain.TriageSnapshot{
		Level:     domain.TriageLevel(level),
		Reason:    reason,
		Action:    action,
		RuleID:    ruleID,
		DecidedAt: decided,
	}, nil
}
