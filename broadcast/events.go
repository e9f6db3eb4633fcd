package broadcast

import (
	"time"

	"dex_aggregator/models"
	"dex_aggregator/registry"
)

// Kind is the wire name of an event.
type Kind string

const (
	KindTokenUpdated Kind = "token:update"
	KindPriceChanged Kind = "price:update"
	KindVolumeSpike  Kind = "volume:spike"
	KindNewToken     Kind = "token:new"
	KindBatchUpdate  Kind = "tokens:batch-update"
	KindError        Kind = "error"
)

// Event is the closed set of things the router can deliver. The unexported
// methods keep implementations inside this package.
type Event interface {
	Kind() Kind
	rooms() []string
	// subject is the token filters are evaluated against; nil disables
	// filtering.
	subject() *models.CanonicalToken
}

type TokenUpdated struct {
	Token *models.CanonicalToken `json:"token"`
}

func (TokenUpdated) Kind() Kind { return KindTokenUpdated }

func (e TokenUpdated) rooms() []string { return tokenRooms(e.Token) }

func (e TokenUpdated) subject() *models.CanonicalToken { return e.Token }

type PriceChanged struct {
	Chain         string                 `json:"chain"`
	TokenAddress  string                 `json:"tokenAddress"`
	OldPrice      float64                `json:"oldPrice"`
	NewPrice      float64                `json:"newPrice"`
	ChangePercent *float64               `json:"changePercent"`
	Token         *models.CanonicalToken `json:"-"`
}

func (PriceChanged) Kind() Kind { return KindPriceChanged }

func (e PriceChanged) rooms() []string { return []string{registry.TokenRoom(e.TokenAddress)} }

func (e PriceChanged) subject() *models.CanonicalToken { return e.Token }

type VolumeSpike struct {
	Chain        string                 `json:"chain"`
	TokenAddress string                 `json:"tokenAddress"`
	TokenName    string                 `json:"tokenName"`
	OldVolume    float64                `json:"oldVolume"`
	NewVolume    float64                `json:"newVolume"`
	SpikePercent *float64               `json:"spikePercent"`
	Token        *models.CanonicalToken `json:"-"`
}

func (VolumeSpike) Kind() Kind { return KindVolumeSpike }

func (VolumeSpike) rooms() []string { return []string{registry.RoomAll} }

func (e VolumeSpike) subject() *models.CanonicalToken { return e.Token }

type NewTokenListed struct {
	Token *models.CanonicalToken `json:"token"`
}

func (NewTokenListed) Kind() Kind { return KindNewToken }

func (e NewTokenListed) rooms() []string {
	return []string{registry.RoomAll, registry.ChainRoom(e.Token.Chain)}
}

func (e NewTokenListed) subject() *models.CanonicalToken { return e.Token }

// BatchUpdate carries every token refreshed in one cycle. Each all-tokens
// subscriber receives only the tokens its filters accept.
type BatchUpdate struct {
	Tokens []*models.CanonicalToken `json:"tokens"`
}

func (BatchUpdate) Kind() Kind { return KindBatchUpdate }

func (BatchUpdate) rooms() []string { return []string{registry.RoomAll} }

func (BatchUpdate) subject() *models.CanonicalToken { return nil }

// ErrorOccurred is reported to error handlers, never to clients.
type ErrorOccurred struct {
	Err       error          `json:"-"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (ErrorOccurred) Kind() Kind { return KindError }

func (ErrorOccurred) rooms() []string { return nil }

func (ErrorOccurred) subject() *models.CanonicalToken { return nil }

func tokenRooms(t *models.CanonicalToken) []string {
	return []string{registry.RoomAll, registry.ChainRoom(t.Chain), registry.TokenRoom(t.Address)}
}

// ChangePercent is (after-before)/before*100, or nil when before is zero.
func ChangePercent(before, after float64) *float64 {
	if before == 0 {
		return nil
	}
	p := (after - before) / before * 100
	return &p
}
