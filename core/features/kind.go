package features

// Kind identifies a capability contract. Kinds compare by identity.
type Kind struct {
	name  string
	index int
	hot   bool
}

// hot slot indexes
const (
	slotRequest = iota
	slotResponse
	slotResponseBody
	slotConnection
	slotTLSConnection
	slotTLSHandshake
	slotRequestLifetime
	slotRequestIdentifier
	slotMaxRequestBodySize
	slotBodyControl
	slotUpgrade
	slotSendFile
	slotItems
	slotHostContainer
	slotServerAddresses
	slotResponseCache

	// NumWellKnown is the number of hot slots in a Collection
	NumWellKnown
)

// Well-known kinds occupy fixed slots in every Collection
var (
	KindRequest            = &Kind{name: "request", index: slotRequest, hot: true}
	KindResponse           = &Kind{name: "response", index: slotResponse, hot: true}
	KindResponseBody       = &Kind{name: "response-body", index: slotResponseBody, hot: true}
	KindConnection         = &Kind{name: "connection", index: slotConnection, hot: true}
	KindTLSConnection      = &Kind{name: "tls-connection", index: slotTLSConnection, hot: true}
	KindTLSHandshake       = &Kind{name: "tls-handshake", index: slotTLSHandshake, hot: true}
	KindRequestLifetime    = &Kind{name: "request-lifetime", index: slotRequestLifetime, hot: true}
	KindRequestIdentifier  = &Kind{name: "request-identifier", index: slotRequestIdentifier, hot: true}
	KindMaxRequestBodySize = &Kind{name: "max-request-body-size", index: slotMaxRequestBodySize, hot: true}
	KindBodyControl        = &Kind{name: "body-control", index: slotBodyControl, hot: true}
	KindUpgrade            = &Kind{name: "upgrade", index: slotUpgrade, hot: true}
	KindSendFile           = &Kind{name: "send-file", index: slotSendFile, hot: true}
	KindItems              = &Kind{name: "items", index: slotItems, hot: true}
	KindHostContainer      = &Kind{name: "host-container", index: slotHostContainer, hot: true}
	KindServerAddresses    = &Kind{name: "server-addresses", index: slotServerAddresses, hot: true}
	KindResponseCache      = &Kind{name: "response-cache", index: slotResponseCache, hot: true}
)

var wellKnownKinds = [NumWellKnown]*Kind{
	KindRequest,
	KindResponse,
	KindResponseBody,
	KindConnection,
	KindTLSConnection,
	KindTLSHandshake,
	KindRequestLifetime,
	KindRequestIdentifier,
	KindMaxRequestBodySize,
	KindBodyControl,
	KindUpgrade,
	KindSendFile,
	KindItems,
	KindHostContainer,
	KindServerAddresses,
	KindResponseCache,
}

// NewKind creates a capability kind stored in the overflow area.
func NewKind(name string) *Kind {
	return &Kind{name: name}
}

// String returns the kind name
func (k *Kind) String() string {
	if k == nil {
		return "<nil>"
	}
	return k.name
}

// WellKnown reports whether k has a dedicated slot
func (k *Kind) WellKnown() bool {
	return k != nil && k.hot
}

// WellKnownKinds returns every well-known kind in slot order
func WellKnownKinds() []*Kind {
	return wellKnownKinds[:]
}
