package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"pediatric-assistant/internal/domain"
)

// GetProfile returns the child profile of a user, or nil, nil when none is
// stored.
func (c *Client) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(userPK(userID), skProfile),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetProfile get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	facts, err := mapAttr(out.Item, "facts")
	if err != nil {
		return nil, fmt.Errorf("repository: GetProfile: %w", err)
	}
	updated, err := timeAttr(out.Item, "updatedAt")
	if err != nil {
		return nil, fmt.Errorf("repository: GetProfile: %w", err)
	}
	return &domain.Profile{UserID: userID, Facts: facts, UpdatedAt: updated}, nil
}

// PutProfile writes or replaces a profile.
func (c *Client) PutProfile(ctx context.Context, p domain.Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("repository: PutProfile: user id is required")
	}
	item := key(userPK(p.UserID), skProfile)
	item["userId"] = strS(p.UserID)
	item["facts"] = strMap(p.Facts)
	item["updatedAt"] = timeS(p.UpdatedAt)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutProfile: %w", err)
	}
	return nil
}
