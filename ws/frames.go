package ws

// Outbound frame tags.
const (
	tagConnect              = "c"
	tagHeartbeat            = "h"
	tagSubscribeTouchline   = "t"
	tagUnsubscribeTouchline = "u"
	tagSubscribeDepth       = "d"
	tagUnsubscribeDepth     = "ud"
	tagSubscribeOrders      = "o"
	tagUnsubscribeOrders    = "uo"
)

const DefaultSource = "TRTP"

type connectFrame struct {
	T          string `json:"t"`
	UID        string `json:"uid"`
	ActID      string `json:"actid"`
	Source     string `json:"source"`
	SUserToken string `json:"susertoken"`
}

type heartbeatFrame struct {
	T string `json:"t"`
}

// keyFrame carries "#"-joined symbol keys.
type keyFrame struct {
	T string `json:"t"`
	K string `json:"k"`
}

type orderFrame struct {
	T     string `json:"t"`
	ActID string `json:"actid,omitempty"`
}
