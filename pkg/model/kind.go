package model

// Kind is an event type name. The set of known kinds is closed; anything
// else travels through the custom event path.
type Kind string

// Catalog operations.
const (
	KindAccountInfo           Kind = "dop_account_info"
	KindCipherSuiteSelection  Kind = "dop_cipher_suite_selection"
	KindSubscriptionGrant     Kind = "dop_subscription_grant"
	KindSubscriptionRevoke    Kind = "dop_subscription_revoke"
	KindProductsList          Kind = "dop_products_list"
	KindProductCreate         Kind = "dop_product_create"
	KindProductSubscribe      Kind = "dop_product_subscribe"
	KindProductUnsubscribe    Kind = "dop_product_unsubscribe"
	KindClientReady           Kind = "dop_client_ready"
	KindEnableIdentity        Kind = "dop_enable_identity"
	KindProductSubscriptions  Kind = "dop_product_subscriptions"
	KindPurposeCreate         Kind = "dop_purpose_create"
	KindPurposeList           Kind = "dop_purpose_list"
	KindSubscriptionInfo      Kind = "dop_subscription_info"
	KindRecipientSet          Kind = "dop_recipient_set"
	KindPubConfiguration      Kind = "dop_pub_configuration"
	KindSubConfiguration      Kind = "dop_sub_configuration"
	KindAdvertisementCreate   Kind = "rif_advertisement_create"
	KindAdvertisementInterest Kind = "rif_advertisement_interest"
	KindAdvertisementList     Kind = "rif_advertisement_list"
	KindActionableProducts    Kind = "rif_actionable_products"
	KindPrivateMessageSend    Kind = "rif_private_message_send"
	KindPrivateMessageList    Kind = "rif_private_message_list"
	KindNewsList              Kind = "rif_news_list"
	KindCustomEvent           Kind = "custom_event"
)

// Sentinel kinds for unclassified and diagnostic traffic.
const (
	KindOther Kind = "other"
	KindError Kind = "error"
	KindLog   Kind = "log"
)

var operationKinds = []Kind{
	KindAccountInfo,
	KindCipherSuiteSelection,
	KindSubscriptionGrant,
	KindSubscriptionRevoke,
	KindProductsList,
	KindProductCreate,
	KindProductSubscribe,
	KindProductUnsubscribe,
	KindClientReady,
	KindEnableIdentity,
	KindProductSubscriptions,
	KindPurposeCreate,
	KindPurposeList,
	KindSubscriptionInfo,
	KindRecipientSet,
	KindPubConfiguration,
	KindSubConfiguration,
	KindAdvertisementCreate,
	KindAdvertisementInterest,
	KindAdvertisementList,
	KindActionableProducts,
	KindPrivateMessageSend,
	KindPrivateMessageList,
	KindNewsList,
	KindCustomEvent,
}

var knownKinds = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(operationKinds)+3)
	for _, k := range operationKinds {
		m[k] = struct{}{}
	}
	m[KindOther] = struct{}{}
	m[KindError] = struct{}{}
	m[KindLog] = struct{}{}
	return m
}()

// Operations returns the catalog operation kinds in declaration order.
func Operations() []Kind {
	out := make([]Kind, len(operationKinds))
	copy(out, operationKinds)
	return out
}

// Known reports whether k is a catalog operation or a sentinel kind.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Sentinel reports whether k is one of other, error or log.
func (k Kind) Sentinel() bool {
	return k == KindOther || k == KindError || k == KindLog
}

// Bootstrap reports whether k is exempt from the encryption gate.
func (k Kind) Bootstrap() bool {
	return k == KindCipherSuiteSelection || k == KindClientReady
}

func (k Kind) String() string { return string(k) }
