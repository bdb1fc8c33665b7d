package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/GoCodeAlone/controlplane/catalog"
)

// DynamoDBClient defines the DynamoDB operations used by DynamoStore.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore implements Store on a single DynamoDB table keyed by pk/sk.
//
//	PRINCIPAL#<id>  PROFILE          principal JSON + version
//	PRINCIPAL#<id>  QUOTA#<resource> usage, limit, periodStart, tenantId
//	TENANT#<id>     SUBSCRIPTION     subscription JSON + version
//	CUSTOMER#<id>   TENANT           tenantId pointer
//	EVENT#<id>      EVENT            type, tenantId, expiresAt (TTL attribute)
type DynamoStore struct {
	client DynamoDBClient
	table  string
	now    func() time.Time
}

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoDBClient, table string) *DynamoStore {
	if table == "" {
		table = "controlplane"
	}
	return &DynamoStore{
		client: client,
		table:  table,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewDynamoStoreFromConfig builds the DynamoDB client from an AWS config.
// A non-empty endpoint overrides the service endpoint for local testing.
func NewDynamoStoreFromConfig(cfg aws.Config, table, endpoint string) *DynamoStore {
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoStore(client, table)
}

const (
	skProfile      = "PROFILE"
	skSubscription = "SUBSCRIPTION"
	skTenant       = "TENANT"
	skEvent        = "EVENT"
	skQuotaPrefix  = "QUOTA#"
)

func strAttr(v string) *dbtypes.AttributeValueMemberS {
	return &dbtypes.AttributeValueMemberS{Value: v}
}

func numAttr(v int64) *dbtypes.AttributeValueMemberN {
	return &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func itemKey(pk, sk string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{"pk": strAttr(pk), "sk": strAttr(sk)}
}

func principalPK(id string) string { return "PRINCIPAL#" + id }
func tenantPK(id string) string    { return "TENANT#" + id }
func customerPK(id string) string  { return "CUSTOMER#" + id }
func eventPK(id string) string     { return "EVENT#" + id }

func quotaItemKey(key QuotaKey) map[string]dbtypes.AttributeValue {
	return itemKey(principalPK(key.PrincipalID), skQuotaPrefix+string(key.Resource))
}

func getS(item map[string]dbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getN(item map[string]dbtypes.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*dbtypes.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamodb: attribute %q is not a number", name)
	}
	return strconv.ParseInt(v.Value, 10, 64)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("dynamodb %s: %w: %w", op, ErrUnavailable, err)
}

func (s *DynamoStore) getItem(ctx context.Context, op string, key map[string]dbtypes.AttributeValue) (map[string]dbtypes.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return out.Item, nil
}

// --- principals ---

func (s *DynamoStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	item, err := s.getItem(ctx, "get principal", itemKey(principalPK(id), skProfile))
	if err != nil {
		return nil, err
	}
	var p Principal
	if err := json.Unmarshal([]byte(getS(item, "data")), &p); err != nil {
		return nil, fmt.Errorf("dynamodb: unmarshal principal: %w", err)
	}
	if p.Version, err = getN(item, "version"); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *DynamoStore) putVersioned(ctx context.Context, op, pk, sk string, v any, version int64, extra map[string]dbtypes.AttributeValue) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dynamodb: marshal %s: %w", op, err)
	}
	item := itemKey(pk, sk)
	item["data"] = strAttr(string(data))
	item["version"] = numAttr(version + 1)
	for k, attr := range extra {
		item[k] = attr
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}
	if version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		in.ConditionExpression = aws.String("#v = :expected")
		in.ExpressionAttributeNames = map[string]string{"#v": "version"}
		in.ExpressionAttributeValues = map[string]dbtypes.AttributeValue{":expected": numAttr(version)}
	}
	if _, err := s.client.PutItem(ctx, in); err != nil {
		if isConditionFailed(err) {
			if version == 0 {
				return ErrDuplicate
			}
			return ErrConflict
		}
		return unavailable(op, err)
	}
	return nil
}

func (s *DynamoStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	if p.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.Status == "" {
		p.Status = PrincipalActive
	}
	p.UpdatedAt = now
	if err := s.putVersioned(ctx, "create principal", principalPK(p.ID), skProfile, p, 0, nil); err != nil {
		return err
	}
	p.Version = 1
	return nil
}

func (s *DynamoStore) UpdatePrincipal(ctx context.Context, p *Principal) error {
	if p.Version == 0 {
		return ErrConflict
	}
	p.UpdatedAt = s.now()
	if err := s.putVersioned(ctx, "update principal", principalPK(p.ID), skProfile, p, p.Version, nil); err != nil {
		return err
	}
	p.Version++
	return nil
}

// --- subscriptions ---

func (s *DynamoStore) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	item, err := s.getItem(ctx, "get subscription", itemKey(tenantPK(tenantID), skSubscription))
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(getS(item, "data")), &sub); err != nil {
		return nil, fmt.Errorf("dynamodb: unmarshal subscription: %w", err)
	}
	if sub.Version, err = getN(item, "version"); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *DynamoStore) FindSubscriptionByCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	item, err := s.getItem(ctx, "get customer", itemKey(customerPK(customerID), skTenant))
	if err != nil {
		return nil, err
	}
	return s.GetSubscription(ctx, getS(item, "tenantId"))
}

func (s *DynamoStore) PutSubscription(ctx context.Context, sub *Subscription) error {
	if sub.TenantID == "" {
		return fmt.Errorf("subscription tenant id is required")
	}
	sub.UpdatedAt = s.now()
	extra := map[string]dbtypes.AttributeValue{"status": strAttr(string(sub.Status))}
	if sub.CustomerID != "" {
		extra["customerId"] = strAttr(sub.CustomerID)
	}
	if err := s.putVersioned(ctx, "put subscription", tenantPK(sub.TenantID), skSubscription, sub, sub.Version, extra); err != nil {
		return err
	}
	sub.Version++
	if sub.CustomerID == "" {
		return nil
	}
	item := itemKey(customerPK(sub.CustomerID), skTenant)
	item["tenantId"] = strAttr(sub.TenantID)
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return unavailable("put customer", err)
	}
	return nil
}

// --- quotas ---

func decodeQuota(item map[string]dbtypes.AttributeValue) (*QuotaEntry, error) {
	e := &QuotaEntry{
		PrincipalID: getS(item, "principalId"),
		TenantID:    getS(item, "tenantId"),
		Resource:    catalog.ResourceType(getS(item, "resource")),
	}
	var err error
	if e.Usage, err = getN(item, "usage"); err != nil {
		return nil, err
	}
	limit, err := getN(item, "limit")
	if err != nil {
		return nil, err
	}
	e.Limit = catalog.Limit(limit)
	if e.PeriodStart, err = time.Parse(time.RFC3339Nano, getS(item, "periodStart")); err != nil {
		return nil, fmt.Errorf("dynamodb: parse periodStart: %w", err)
	}
	if ts := getS(item, "updatedAt"); ts != "" {
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return e, nil
}

var quotaNames = map[string]string{"#usage": "usage", "#limit": "limit"}

func (s *DynamoStore) GetQuota(ctx context.Context, key QuotaKey) (*QuotaEntry, error) {
	item, err := s.getItem(ctx, "get quota", quotaItemKey(key))
	if err != nil {
		return nil, err
	}
	return decodeQuota(item)
}

func (s *DynamoStore) CreateQuota(ctx context.Context, e *QuotaEntry) error {
	e.UpdatedAt = s.now()
	item := quotaItemKey(e.Key())
	item["principalId"] = strAttr(e.PrincipalID)
	item["tenantId"] = strAttr(e.TenantID)
	item["resource"] = strAttr(string(e.Resource))
	item["usage"] = numAttr(e.Usage)
	item["limit"] = numAttr(int64(e.Limit))
	item["periodStart"] = strAttr(formatTime(e.PeriodStart))
	item["updatedAt"] = strAttr(formatTime(e.UpdatedAt))
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrDuplicate
		}
		return unavailable("create quota", err)
	}
	return nil
}

// IncrementQuota expresses the bound as usage <= limit-amount because
// condition expressions cannot do arithmetic.
func (s *DynamoStore) IncrementQuota(ctx context.Context, key QuotaKey, amount int64, limit catalog.Limit) (*QuotaEntry, error) {
	values := map[string]dbtypes.AttributeValue{
		":amt":   numAttr(amount),
		":limit": numAttr(int64(limit)),
		":now":   strAttr(formatTime(s.now())),
	}
	cond := "attribute_exists(pk) AND #limit = :limit"
	if !limit.IsUnlimited() {
		if !limit.Allows(0, amount) {
			return nil, ErrConflict
		}
		cond += " AND #usage <= :max"
		values[":max"] = numAttr(int64(limit) - amount)
	}
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       quotaItemKey(key),
		UpdateExpression:          aws.String("SET #usage = #usage + :amt, updatedAt = :now"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  quotaNames,
		ExpressionAttributeValues: values,
		ReturnValues:              dbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrConflict
		}
		return nil, unavailable("increment quota", err)
	}
	return decodeQuota(out.Attributes)
}

func (s *DynamoStore) ResetQuota(ctx context.Context, key QuotaKey, from, periodStart time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      quotaItemKey(key),
		UpdateExpression:         aws.String("SET #usage = :zero, periodStart = :start, updatedAt = :now"),
		ConditionExpression:      aws.String("attribute_exists(pk) AND periodStart = :from"),
		ExpressionAttributeNames: map[string]string{"#usage": "usage"},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":zero":  numAttr(0),
			":start": strAttr(formatTime(periodStart)),
			":from":  strAttr(formatTime(from)),
			":now":   strAttr(formatTime(s.now())),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrConflict
		}
		return unavailable("reset quota", err)
	}
	return nil
}

func (s *DynamoStore) setQuotaField(ctx context.Context, op string, key QuotaKey, name string, value int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      quotaItemKey(key),
		UpdateExpression:         aws.String("SET #f = :v, updatedAt = :now"),
		ConditionExpression:      aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{"#f": name},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":v":   numAttr(value),
			":now": strAttr(formatTime(s.now())),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		return unavailable(op, err)
	}
	return nil
}

func (s *DynamoStore) SetQuotaLimit(ctx context.Context, key QuotaKey, limit catalog.Limit) error {
	return s.setQuotaField(ctx, "set quota limit", key, "limit", int64(limit))
}

func (s *DynamoStore) SetQuotaUsage(ctx context.Context, key QuotaKey, usage int64) error {
	return s.setQuotaField(ctx, "set quota usage", key, "usage", usage)
}

func (s *DynamoStore) ListQuotas(ctx context.Context, tenantID string) ([]*QuotaEntry, error) {
	var (
		out   []*QuotaEntry
		start map[string]dbtypes.AttributeValue
	)
	for {
		res, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("tenantId = :t AND begins_with(sk, :q)"),
			ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
				":t": strAttr(tenantID),
				":q": strAttr(skQuotaPrefix),
			},
			ExclusiveStartKey: start,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, unavailable("list quotas", err)
		}
		for _, item := range res.Items {
			e, err := decodeQuota(item)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = res.LastEvaluatedKey
	}
}

// --- billing events ---

func (s *DynamoStore) RecordEvent(ctx context.Context, rec *BillingEventRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("event id is required")
	}
	now := s.now()
	rec.stamp(now)
	item := itemKey(eventPK(rec.ID), skEvent)
	item["type"] = strAttr(rec.Type)
	item["tenantId"] = strAttr(rec.TenantID)
	item["processedAt"] = strAttr(formatTime(rec.ProcessedAt))
	item["expiresAt"] = numAttr(rec.ExpiresAt.Unix())
	// TTL deletion lags, so an expired record still present counts as absent.
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(pk) OR #exp < :now"),
		ExpressionAttributeNames: map[string]string{"#exp": "expiresAt"},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": numAttr(now.Unix()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrDuplicate
		}
		return unavailable("record event", err)
	}
	return nil
}

func (s *DynamoStore) GetEvent(ctx context.Context, id string) (*BillingEventRecord, error) {
	item, err := s.getItem(ctx, "get event", itemKey(eventPK(id), skEvent))
	if err != nil {
		return nil, err
	}
	exp, err := getN(item, "expiresAt")
	if err != nil {
		return nil, err
	}
	rec := &BillingEventRecord{
		ID:        id,
		TenantID:  getS(item, "tenantId"),
		Type:      getS(item, "type"),
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	rec.ProcessedAt, _ = time.Parse(time.RFC3339Nano, getS(item, "processedAt"))
	return rec, nil
}

func (s *DynamoStore) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(eventPK(id), skEvent),
	})
	if err != nil {
		return unavailable("delete event", err)
	}
	return nil
}

var _ Store = (*DynamoStore)(nil)
