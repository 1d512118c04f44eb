package message

// Kind identifies the inbound message variant after normalization.
type Kind string

const (
	KindText     Kind = "text"
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

// InboundEvent is a validated webhook event. Immutable once constructed.
type InboundEvent struct {
	Phone    string
	Kind     Kind
	Text     string
	MediaURL string
}

// DerivedContext marks what media resolution recognized in the message.
type DerivedContext string

const (
	ContextNone           DerivedContext = ""
	ContextPaymentReceipt DerivedContext = "payment_receipt"
	ContextPlatformError  DerivedContext = "platform_error"
)

// NormalizedMessage is the text form of an inbound event, ready for
// intent classification.
type NormalizedMessage struct {
	Phone   string
	Text    string
	Context DerivedContext
}

// OutboundReply is a generated reply awaiting dispatch.
type OutboundReply struct {
	Phone       string
	Text        string
	PreferAudio bool
}
