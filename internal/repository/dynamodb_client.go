package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chat-gateway/internal/domain"
)

const (
	skProfile    = "PROFILE"
	skSummary    = "SUMMARY"
	skPrefixOTP  = "OTP#"
	skPrefixMsg  = "MSG#"
	otpRetention = 24 * time.Hour

	// sortTime is fixed width so lexical SK order matches time order.
	sortTime = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client stores users, one-time codes, chat messages and summaries in a
// single DynamoDB table partitioned by phone number.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	newID     func() string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{
		api:       api,
		tableName: tableName,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// userPK returns the partition key for a user.
func userPK(phone string) string {
	return "USER#" + phone
}

// eventSK returns a sort key that orders by ts and stays unique for events
// created in the same nanosecond.
func (c *Client) eventSK(prefix string, ts time.Time) string {
	return prefix + ts.UTC().Format(sortTime) + "#" + c.newID()
}

func (c *Client) key(phone, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(phone)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetUser returns domain.ErrNotFound when phone has no profile.
func (c *Client) GetUser(ctx context.Context, phone string) (domain.User, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(phone, skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, domain.ErrNotFound
	}
	u, err := itemToUser(out.Item)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser unmarshal: %w", err)
	}
	return u, nil
}

// CreateUser inserts an unverified user, or returns the existing one.
func (c *Client) CreateUser(ctx context.Context, phone string) (domain.User, error) {
	u := domain.User{Phone: phone, CreatedAt: c.now().UTC()}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                userItem(u),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	var conflict *types.ConditionalCheckFailedException
	if errors.As(err, &conflict) {
		return c.GetUser(ctx, phone)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: CreateUser: %w", err)
	}
	return u, nil
}

// SetVerified returns domain.ErrNotFound when phone has no profile.
func (c *Client) SetVerified(ctx context.Context, phone string, verified bool) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(phone, skProfile),
		UpdateExpression:    aws.String("SET verified = :v"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberBOOL{Value: verified},
		},
	})
	var conflict *types.ConditionalCheckFailedException
	if errors.As(err, &conflict) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("repository: SetVerified: %w", err)
	}
	return nil
}

// CreateOTP stores a hashed code. Codes expire from the table a day after
// they stop being valid.
func (c *Client) CreateOTP(ctx context.Context, code domain.OneTimeCode) (domain.OneTimeCode, error) {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = c.now().UTC()
	}
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(code.Phone)},
		"SK":        &types.AttributeValueMemberS{Value: c.eventSK(skPrefixOTP, code.CreatedAt)},
		"phone":     &types.AttributeValueMemberS{Value: code.Phone},
		"codeHash":  &types.AttributeValueMemberS{Value: code.CodeHash},
		"createdAt": &types.AttributeValueMemberS{Value: code.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", code.CreatedAt.Add(domain.OTPTTL+otpRetention).Unix())},
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return domain.OneTimeCode{}, fmt.Errorf("repository: CreateOTP: %w", err)
	}
	return code, nil
}

// LatestOTP returns the newest code for phone or domain.ErrNotFound.
func (c *Client) LatestOTP(ctx context.Context, phone string) (domain.OneTimeCode, error) {
	out, err := c.api.Query(ctx, c.prefixQuery(phone, skPrefixOTP, false, 1))
	if err != nil {
		return domain.OneTimeCode{}, fmt.Errorf("repository: LatestOTP query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.OneTimeCode{}, domain.ErrNotFound
	}
	code, err := itemToOTP(out.Items[0])
	if err != nil {
		return domain.OneTimeCode{}, fmt.Errorf("repository: LatestOTP unmarshal: %w", err)
	}
	return code, nil
}

// AppendMessage records one chat turn.
func (c *Client) AppendMessage(ctx context.Context, phone string, sender domain.Sender, text string) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{Phone: phone, Sender: sender, Text: text, CreatedAt: c.now().UTC()}
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(phone)},
		"SK":        &types.AttributeValueMemberS{Value: c.eventSK(skPrefixMsg, msg.CreatedAt)},
		"phone":     &types.AttributeValueMemberS{Value: phone},
		"sender":    &types.AttributeValueMemberS{Value: string(sender)},
		"text":      &types.AttributeValueMemberS{Value: text},
		"createdAt": &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(time.RFC3339Nano)},
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (c *Client) RecentMessages(ctx context.Context, phone string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Read newest first so LIMIT favors the most recent context.
	out, err := c.api.Query(ctx, c.prefixQuery(phone, skPrefixMsg, false, int32(limit)))
	if err != nil {
		return nil, fmt.Errorf("repository: RecentMessages query: %w", err)
	}
	msgs, err := itemsToMessages(out.Items)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentMessages unmarshal: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages returns the full history for phone, oldest first.
func (c *Client) ListMessages(ctx context.Context, phone string) ([]domain.ChatMessage, error) {
	in := c.prefixQuery(phone, skPrefixMsg, true, 0)
	var all []domain.ChatMessage
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		msgs, err := itemsToMessages(out.Items)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		all = append(all, msgs...)
		if len(out.LastEvaluatedKey) == 0 {
			return all, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// GetSummary returns the rolling summary, or "" when none was written yet.
func (c *Client) GetSummary(ctx context.Context, phone string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(phone, skSummary),
	})
	if err != nil {
		return "", fmt.Errorf("repository: GetSummary get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", nil
	}
	s, err := itemToSummary(out.Item)
	if err != nil {
		return "", fmt.Errorf("repository: GetSummary unmarshal: %w", err)
	}
	return s.Text, nil
}

// SetSummary replaces the rolling summary wholesale.
func (c *Client) SetSummary(ctx context.Context, phone, text string) error {
	s := domain.ConversationSummary{Phone: phone, Text: text, UpdatedAt: c.now().UTC()}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: userPK(phone)},
			"SK":        &types.AttributeValueMemberS{Value: skSummary},
			"phone":     &types.AttributeValueMemberS{Value: s.Phone},
			"text":      &types.AttributeValueMemberS{Value: s.Text},
			"updatedAt": &types.AttributeValueMemberS{Value: s.UpdatedAt.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetSummary: %w", err)
	}
	return nil
}

func (c *Client) prefixQuery(phone, prefix string, ascending bool, limit int32) *dynamodb.QueryInput {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(phone)},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ScanIndexForward: aws.Bool(ascending),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	return in
}

func userItem(u domain.User) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(u.Phone)},
		"SK":        &types.AttributeValueMemberS{Value: skProfile},
		"phone":     &types.AttributeValueMemberS{Value: u.Phone},
		"verified":  &types.AttributeValueMemberBOOL{Value: u.Verified},
		"createdAt": &types.AttributeValueMemberS{Value: u.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToUser(item map[string]types.AttributeValue) (domain.User, error) {
	phone, err := strAttr(item, "phone")
	if err != nil {
		return domain.User{}, err
	}
	verified, err := boolAttr(item, "verified")
	if err != nil {
		return domain.User{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{Phone: phone, Verified: verified, CreatedAt: created}, nil
}

func itemToOTP(item map[string]types.AttributeValue) (domain.OneTimeCode, error) {
	phone, err := strAttr(item, "phone")
	if err != nil {
		return domain.OneTimeCode{}, err
	}
	hash, err := strAttr(item, "codeHash")
	if err != nil {
		return domain.OneTimeCode{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.OneTimeCode{}, err
	}
	return domain.OneTimeCode{Phone: phone, CodeHash: hash, CreatedAt: created}, nil
}

func itemsToMessages(items []map[string]types.AttributeValue) ([]domain.ChatMessage, error) {
	msgs := make([]domain.ChatMessage, 0, len(items))
	for _, item := range items {
		m, err := itemToMessage(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.ChatMessage, error) {
	phone, err := strAttr(item, "phone")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	sender, err := strAttr(item, "sender")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{
		Phone:     phone,
		Sender:    domain.Sender(sender),
		Text:      text,
		CreatedAt: created,
	}, nil
}

func itemToSummary(item map[string]types.AttributeValue) (domain.ConversationSummary, error) {
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	phone, _ := strAttr(item, "phone")
	updated, _ := timeAttr(item, "updatedAt")
	return domain.ConversationSummary{Phone: phone, Text: text, UpdatedAt: updated}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
