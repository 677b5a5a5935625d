package api

import "encoding/json"

// cTrader Open API payload types (JSON framing over WebSocket).
const (
	payloadTypeHeartbeat         = 51
	payloadTypeAppAuthReq        = 2100
	payloadTypeAppAuthRes        = 2101
	payloadTypeAccountAuthReq    = 2102
	payloadTypeAccountAuthRes    = 2103
	payloadTypeSymbolsListReq    = 2114
	payloadTypeSymbolsListRes    = 2115
	payloadTypeSubscribeSpotsReq = 2127
	payloadTypeSubscribeSpotsRes = 2128
	payloadTypeSpotEvent         = 2131
	payloadTypeErrorRes          = 2142
)

// Spot events carry bid/ask as integer points scaled by 1e5.
const priceScale = 1e5

// envelope wraps every message exchanged with the gateway.
type envelope struct {
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	PayloadType int             `json:"payloadType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func marshalEnvelope(msgID string, payloadType int, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(envelope{ClientMsgID: msgID, PayloadType: payloadType, Payload: raw})
}

type appAuthReq struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type accountAuthReq struct {
	AccountID   int64  `json:"ctidTraderAccountId"`
	AccessToken string `json:"accessToken"`
}

type symbolsListReq struct {
	AccountID int64 `json:"ctidTraderAccountId"`
}

type lightSymbol struct {
	SymbolID   int64  `json:"symbolId"`
	SymbolName string `json:"symbolName"`
}

type symbolsListRes struct {
	Symbol []lightSymbol `json:"symbol"`
}

type subscribeSpotsReq struct {
	AccountID int64   `json:"ctidTraderAccountId"`
	SymbolID  []int64 `json:"symbolId"`
}

type spotEvent struct {
	SymbolID  int64 `json:"symbolId"`
	Bid       int64 `json:"bid"`
	Ask       int64 `json:"ask"`
	Timestamp int64 `json:"timestamp"`
}

type errorRes struct {
	ErrorCode   string `json:"errorCode"`
	Description string `json:"description"`
	SymbolID    int64  `json:"symbolId,omitempty"`
}
