// Package catalog holds the template of every operation the client can
// send and builds fresh envelopes from them.
package catalog

import (
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-dopclient/pkg/model"
)

// ErrUnknownEvent is returned by Build for kinds outside the catalog.
var ErrUnknownEvent = errors.New("catalog: unknown event")

type template struct {
	params     map[string]any
	privileged bool
	emptyTask  bool
}

var templates = map[model.Kind]template{
	model.KindAccountInfo: {params: map[string]any{"auth_token": ""}},
	model.KindCipherSuiteSelection: {
		params: map[string]any{
			"auth_token":   "",
			"cipher_suite": map[string]any{"name": "", "mode": "", "keylength": 0},
			"cipher_key":   "",
		},
		emptyTask: true,
	},
	model.KindSubscriptionGrant:  {params: map[string]any{"auth_token": "", "subscription_id": ""}},
	model.KindSubscriptionRevoke: {params: map[string]any{"auth_token": "", "subscription_id": ""}},
	model.KindProductsList: {params: map[string]any{
		"set_range":  map[string]any{"from": 0, "to": 20},
		"filter":     map[string]any{},
		"auth_token": "",
	}},
	model.KindProductCreate:      {params: map[string]any{"label": "", "price": 0, "period": 0}},
	model.KindProductSubscribe:   {params: map[string]any{"auth_token": "", "product_id": "", "purpose_id": "", "pre_auth_code": ""}},
	model.KindProductUnsubscribe: {params: map[string]any{"auth_token": "", "product_id": "", "subscription_id": ""}},
	model.KindClientReady:        {params: map[string]any{"auth_token": ""}, emptyTask: true},
	model.KindEnableIdentity: {
		params:     map[string]any{"auth_token": "", "subject": "", "screen_name": ""},
		privileged: true,
	},
	model.KindProductSubscriptions: {params: map[string]any{"auth_token": "", "product_id": "", "type": ""}},
	model.KindPurposeCreate:        {params: map[string]any{"auth_token": "", "label": "", "content": ""}},
	model.KindPurposeList:          {params: map[string]any{"auth_token": ""}},
	model.KindSubscriptionInfo:     {params: map[string]any{"auth_token": "", "subscription_id": ""}},
	model.KindRecipientSet: {
		params:     map[string]any{"auth_token": "", "subject": "", "recipient": ""},
		privileged: true,
	},
	model.KindPubConfiguration: {params: map[string]any{"auth_token": "", "product_id": ""}},
	model.KindSubConfiguration: {params: map[string]any{"auth_token": "", "subscription_id": ""}},
	model.KindAdvertisementCreate: {params: map[string]any{
		"auth_token": "", "secret": "", "description": "", "purpose_id": "", "recipient_ads_id": "",
	}},
	model.KindAdvertisementInterest: {params: map[string]any{
		"auth_token": "", "accept": false, "ads_id": "", "product_id": "", "purpose_id": "",
	}},
	model.KindAdvertisementList:  {params: map[string]any{"auth_token": "", "filter": "other"}},
	model.KindActionableProducts: {params: map[string]any{"auth_token": "", "ads_id": ""}},
	model.KindPrivateMessageSend: {params: map[string]any{
		"auth_token": "", "secret": "", "subscription_id": "", "message": "",
	}},
	model.KindPrivateMessageList: {params: map[string]any{"auth_token": ""}},
	model.KindNewsList:           {params: map[string]any{"auth_token": ""}},
	model.KindCustomEvent:        {params: map[string]any{"auth_token": ""}},
}

// Has reports whether the catalog carries a template for kind.
func Has(kind model.Kind) bool {
	_, ok := templates[kind]
	return ok
}

// Privileged reports whether kind must be sent to the privileged endpoint.
func Privileged(kind model.Kind) bool {
	return templates[kind].privileged
}

// Template returns a deep copy of the template for kind.
func Template(kind model.Kind) (*model.Envelope, bool) {
	tpl, ok := templates[kind]
	if !ok {
		return nil, false
	}
	env := &model.Envelope{
		Event:  string(kind),
		Params: model.CloneMap(tpl.params),
	}
	if tpl.emptyTask {
		env.SetTask("")
	}
	return env, true
}

type buildOptions struct {
	task   *string
	params map[string]any
	event  string
}

// BuildOption customizes an envelope produced by Build.
type BuildOption func(*buildOptions)

// WithTask tags the envelope with a caller-chosen correlation id.
func WithTask(task string) BuildOption {
	return func(o *buildOptions) {
		o.task = &task
	}
}

// WithParams merges extra params into the envelope, overriding template
// values.
func WithParams(params map[string]any) BuildOption {
	return func(o *buildOptions) {
		if o.params == nil {
			o.params = map[string]any{}
		}
		for k, v := range params {
			o.params[k] = v
		}
	}
}

// WithEventName overrides the event name. Only custom_event honours it.
func WithEventName(name string) BuildOption {
	return func(o *buildOptions) {
		o.event = name
	}
}

// Build returns a fresh envelope for kind. The session and token are
// filled in, fields are merged over the template params and options are
// applied last. The result shares nothing with the template or with
// fields.
func Build(kind model.Kind, session, token string, fields map[string]any, opts ...BuildOption) (*model.Envelope, error) {
	env, ok := Template(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}

	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	env.Session = session
	if _, has := env.Params[model.ParamAuthToken]; has {
		env.Params[model.ParamAuthToken] = token
	}
	for k, v := range fields {
		env.Params[k] = model.CloneValue(v)
	}
	for k, v := range o.params {
		env.Params[k] = model.CloneValue(v)
	}
	if o.task != nil {
		env.SetTask(*o.task)
	}
	if kind == model.KindCustomEvent && o.event != "" {
		env.Event = o.event
	}
	return env, nil
}
