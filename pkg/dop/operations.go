package dop

import (
	"context"
	"errors"

	"github.com/lightforgemedia/go-dopclient/pkg/catalog"
	"github.com/lightforgemedia/go-dopclient/pkg/imperative"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
)

// CallOption customizes the envelope of one operation.
type CallOption = catalog.BuildOption

// WithTask tags the envelope with a correlation id echoed by the backend
// in its pushes.
func WithTask(task string) CallOption {
	return catalog.WithTask(task)
}

// WithParams merges extra params into the envelope.
func WithParams(params map[string]any) CallOption {
	return catalog.WithParams(params)
}

// Result is the outcome of an operation.
type Result = imperative.Result

var errEmptyEventName = errors.New("dop: empty custom event name")

// AccountInfo requests the account of the session owner.
func (c *Client) AccountInfo(ctx context.Context, opts ...CallOption) Result {
	return c.send(ctx, model.KindAccountInfo, nil, opts...)
}

// SubscriptionInfo requests one subscription.
func (c *Client) SubscriptionInfo(ctx context.Context, subscriptionID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindSubscriptionInfo, map[string]any{
		"subscription_id": subscriptionID,
	}, opts...)
}

// SubscriptionGrant grants a pending subscription.
func (c *Client) SubscriptionGrant(ctx context.Context, subscriptionID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindSubscriptionGrant, map[string]any{
		"subscription_id": subscriptionID,
	}, opts...)
}

// SubscriptionRevoke revokes a subscription.
func (c *Client) SubscriptionRevoke(ctx context.Context, subscriptionID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindSubscriptionRevoke, map[string]any{
		"subscription_id": subscriptionID,
	}, opts...)
}

// ProductCreate publishes a data product. period is the tariff period.
func (c *Client) ProductCreate(ctx context.Context, label string, price float64, period int, opts ...CallOption) Result {
	return c.send(ctx, model.KindProductCreate, map[string]any{
		"label":  label,
		"price":  price,
		"period": period,
	}, opts...)
}

// ProductsList pages through products. The range and filter default to
// the first twenty entries unfiltered; override them with WithParams.
func (c *Client) ProductsList(ctx context.Context, opts ...CallOption) Result {
	return c.send(ctx, model.KindProductsList, nil, opts...)
}

// ProductSubscribe subscribes to a product for a purpose.
func (c *Client) ProductSubscribe(ctx context.Context, productID, purposeID, preAuthCode string, opts ...CallOption) Result {
	return c.send(ctx, model.KindProductSubscribe, map[string]any{
		"product_id":    productID,
		"purpose_id":    purposeID,
		"pre_auth_code": preAuthCode,
	}, opts...)
}

// ProductUnsubscribe ends a subscription to a product.
func (c *Client) ProductUnsubscribe(ctx context.Context, productID, subscriptionID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindProductUnsubscribe, map[string]any{
		"product_id":      productID,
		"subscription_id": subscriptionID,
	}, opts...)
}

// ProductSubscriptions lists the subscriptions of a product of the given
// type.
func (c *Client) ProductSubscriptions(ctx context.Context, productID, typ string, opts ...CallOption) Result {
	return c.send(ctx, model.KindProductSubscriptions, map[string]any{
		"product_id": productID,
		"type":       typ,
	}, opts...)
}

// PurposeCreate registers a purpose. content usually is a URL.
func (c *Client) PurposeCreate(ctx context.Context, label, content string, opts ...CallOption) Result {
	return c.send(ctx, model.KindPurposeCreate, map[string]any{
		"label":   label,
		"content": content,
	}, opts...)
}

func (c *Client) PurposeList(ctx context.Context, opts ...CallOption) Result {
	return c.send(ctx, model.KindPurposeList, nil, opts...)
}

func (c *Client) PubConfiguration(ctx context.Context, productID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindPubConfiguration, map[string]any{
		"product_id": productID,
	}, opts...)
}

func (c *Client) SubConfiguration(ctx context.Context, subscriptionID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindSubConfiguration, map[string]any{
		"subscription_id": subscriptionID,
	}, opts...)
}

// EnableIdentity binds a screen name to a subject. It goes to the
// privileged endpoint and does not wait for encryption.
func (c *Client) EnableIdentity(ctx context.Context, subject, screenName string, opts ...CallOption) Result {
	return c.send(ctx, model.KindEnableIdentity, map[string]any{
		"subject":     subject,
		"screen_name": screenName,
	}, opts...)
}

// RecipientSet sets the recipient of a subject. Privileged.
func (c *Client) RecipientSet(ctx context.Context, subject, recipient string, opts ...CallOption) Result {
	return c.send(ctx, model.KindRecipientSet, map[string]any{
		"subject":   subject,
		"recipient": recipient,
	}, opts...)
}

func (c *Client) AdvertisementCreate(ctx context.Context, secret, description, purposeID, recipientAdsID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindAdvertisementCreate, map[string]any{
		"secret":           secret,
		"description":      description,
		"purpose_id":       purposeID,
		"recipient_ads_id": recipientAdsID,
	}, opts...)
}

// AdvertisementInterest accepts or declines an advertisement.
func (c *Client) AdvertisementInterest(ctx context.Context, accept bool, adsID, productID, purposeID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindAdvertisementInterest, map[string]any{
		"accept":     accept,
		"ads_id":     adsID,
		"product_id": productID,
		"purpose_id": purposeID,
	}, opts...)
}

// AdvertisementList lists advertisements. An empty filter keeps the
// default "other".
func (c *Client) AdvertisementList(ctx context.Context, filter string, opts ...CallOption) Result {
	var fields map[string]any
	if filter != "" {
		fields = map[string]any{"filter": filter}
	}
	return c.send(ctx, model.KindAdvertisementList, fields, opts...)
}

func (c *Client) ActionableProducts(ctx context.Context, adsID string, opts ...CallOption) Result {
	return c.send(ctx, model.KindActionableProducts, map[string]any{
		"ads_id": adsID,
	}, opts...)
}

// PrivateMessageSend sends a message over a subscription.
func (c *Client) PrivateMessageSend(ctx context.Context, secret, subscriptionID, message string, opts ...CallOption) Result {
	return c.send(ctx, model.KindPrivateMessageSend, map[string]any{
		"secret":          secret,
		"subscription_id": subscriptionID,
		"message":         message,
	}, opts...)
}

func (c *Client) PrivateMessageList(ctx context.Context, opts ...CallOption) Result {
	return c.send(ctx, model.KindPrivateMessageList, nil, opts...)
}

func (c *Client) NewsList(ctx context.Context, opts ...CallOption) Result {
	return c.send(ctx, model.KindNewsList, nil, opts...)
}

// CustomEvent sends an application-defined event. params are merged into
// the envelope next to the session token.
func (c *Client) CustomEvent(ctx context.Context, name string, params map[string]any, opts ...CallOption) Result {
	if name == "" {
		return Result{Code: imperative.CodeTransport, Message: errEmptyEventName.Error(), Err: errEmptyEventName}
	}
	opts = append(opts[:len(opts):len(opts)], catalog.WithEventName(name))
	return c.send(ctx, model.KindCustomEvent, params, opts...)
}

// Send dispatches a catalog operation by kind with explicit fields. It is
// the generic form of the typed methods.
func (c *Client) Send(ctx context.Context, kind model.Kind, fields map[string]any, opts ...CallOption) Result {
	return c.send(ctx, kind, fields, opts...)
}
