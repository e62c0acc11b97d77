package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chat-gateway/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	skQuota     = "QUOTA"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// Fixed-width so sort keys order chronologically. RFC3339Nano trims
	// trailing zeros and does not.
	msgTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a single DynamoDB table holding user quota items,
// conversation metadata and messages.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return "USER#" + userID
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key for a message written at ts. The random suffix
// keeps two writes in the same nanosecond from colliding.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(msgTimeLayout) + "#" + uuid.NewString()[:8]
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

func (c *Client) quotaKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: skQuota},
	}
}

func (c *Client) metaKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// ReadQuota returns the user's quota item using a strongly consistent read.
func (c *Client) ReadQuota(ctx context.Context, userID string) (domain.QuotaRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.quotaKey(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.QuotaRecord{}, fmt.Errorf("repository: ReadQuota get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.QuotaRecord{}, fmt.Errorf("repository: ReadQuota %q: %w", userID, domain.ErrUserNotFound)
	}
	rec, err := itemToQuota(userID, out.Item)
	if err != nil {
		return domain.QuotaRecord{}, fmt.Errorf("repository: ReadQuota decode: %w", err)
	}
	return rec, nil
}

// ResetQuota zeroes tokensUsed and starts a new window at now. The write is
// conditional on lastResetAt still holding prev (absent when prev is nil).
func (c *Client) ResetQuota(ctx context.Context, userID string, prev *time.Time, now time.Time) error {
	values := map[string]types.AttributeValue{
		":zero": &types.AttributeValueMemberN{Value: "0"},
		":now":  &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
	}
	cond := "attribute_exists(PK) AND attribute_not_exists(lastResetAt)"
	if prev != nil {
		// The condition compares strings, so it must use the stored text,
		// which may be any RFC 3339 rendering of prev.
		raw, err := c.storedResetAt(ctx, userID)
		if err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || !ts.Equal(*prev) {
			return fmt.Errorf("repository: ResetQuota %q: %w", userID, domain.ErrResetConflict)
		}
		cond = "attribute_exists(PK) AND lastResetAt = :prev"
		values[":prev"] = &types.AttributeValueMemberS{Value: raw}
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       c.quotaKey(userID),
		UpdateExpression:          aws.String("SET tokensUsed = :zero, lastResetAt = :now"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: ResetQuota %q: %w", userID, domain.ErrResetConflict)
		}
		return fmt.Errorf("repository: ResetQuota: %w", err)
	}
	return nil
}

func (c *Client) storedResetAt(ctx context.Context, userID string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(c.tableName),
		Key:                  c.quotaKey(userID),
		ProjectionExpression: aws.String("lastResetAt"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: ResetQuota get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", fmt.Errorf("repository: ResetQuota %q: %w", userID, domain.ErrUserNotFound)
	}
	raw, _ := strAttr(out.Item, "lastResetAt")
	return raw, nil
}

// IncrementUsage atomically adds delta to tokensUsed with an ADD update.
func (c *Client) IncrementUsage(ctx context.Context, userID string, delta int64) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.quotaKey(userID),
		UpdateExpression:    aws.String("ADD tokensUsed :delta"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":delta": &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("repository: IncrementUsage %q: %w", userID, domain.ErrUserNotFound)
		}
		return fmt.Errorf("repository: IncrementUsage: %w", err)
	}
	return nil
}

// CreateConversation writes a new conversation metadata record owned by userID.
func (c *Client) CreateConversation(ctx context.Context, userID string) (domain.Conversation, error) {
	conv := domain.Conversation{
		ID:          uuid.NewString(),
		OwnerUserID: userID,
		CreatedAt:   c.now().UTC(),
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.metaItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

// IsOwner reports whether userID owns the conversation. A missing
// conversation is reported as not owned.
func (c *Client) IsOwner(ctx context.Context, conversationID, userID string) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.metaKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: IsOwner get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return false, nil
	}
	owner, err := strAttr(out.Item, "ownerUserId")
	if err != nil {
		return false, fmt.Errorf("repository: IsOwner decode owner: %w", err)
	}
	return owner == userID, nil
}

// AppendMessage writes the message and bumps the conversation's lastActivity
// in one transaction. The conversation must already exist.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.ConversationID == "" || msg.Role == "" {
		return errors.New("repository: AppendMessage: conversation id and role are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now().UTC()
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                c.messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 c.metaKey(msg.ConversationID),
					UpdateExpression:    aws.String("SET lastActivity = :ts"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":ts": &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339)},
					},
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && metaConditionFailed(tce) {
			return fmt.Errorf("repository: AppendMessage %q: %w", msg.ConversationID, domain.ErrConversationNotFound)
		}
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// metaConditionFailed reports whether the metadata update (second item) was
// the one rejected by its condition.
func metaConditionFailed(tce *types.TransactionCanceledException) bool {
	if len(tce.CancellationReasons) < 2 {
		return false
	}
	code := tce.CancellationReasons[1].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

// GetHistory queries the newest MSG# items for a conversation and returns
// them in chronological order.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func itemToQuota(userID string, item map[string]types.AttributeValue) (domain.QuotaRecord, error) {
	rec := domain.QuotaRecord{UserID: userID}
	if _, ok := item["tokensUsed"]; ok {
		used, err := intAttr(item, "tokensUsed")
		if err != nil {
			return domain.QuotaRecord{}, err
		}
		rec.TokensUsed = used
	}
	if v, ok := item["isSubscribed"].(*types.AttributeValueMemberBOOL); ok {
		rec.IsSubscribed = v.Value
	}
	if raw, err := strAttr(item, "lastResetAt"); err == nil && raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.QuotaRecord{}, fmt.Errorf("repository: parse attribute %q: %w", "lastResetAt", err)
		}
		ts = ts.UTC()
		rec.LastResetAt = &ts
	}
	return rec, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{ConversationID: convID, Role: role, Text: text}
	if tokens, err := intAttr(item, "tokens"); err == nil {
		msg.Tokens = int(tokens)
	}
	if raw, err := strAttr(item, "createdAt"); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			msg.CreatedAt = ts.UTC()
		}
	}
	return msg, nil
}

func (c *Client) messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt)},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: msg.Role},
		"text":           &types.AttributeValueMemberS{Value: msg.Text},
		"tokens":         &types.AttributeValueMemberN{Value: strconv.Itoa(msg.Tokens)},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
	}
}

func (c *Client) metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"ownerUserId":    &types.AttributeValueMemberS{Value: conv.OwnerUserID},
		"createdAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.Format(time.RFC3339Nano)},
		"lastActivity":   &types.AttributeValueMemberS{Value: conv.CreatedAt.Format(time.RFC3339)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
	}
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
