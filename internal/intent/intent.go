package intent

import (
	"strings"

	"github.com/karollearning/karol-assistant/internal/message"
)

// Intent is a closed classification of what the sender wants.
type Intent string

const (
	ResendInvoice   Intent = "resend_invoice"
	TestHelp        Intent = "test_help"
	GrammarQuestion Intent = "grammar_question"
	MediaReceipt    Intent = "media_receipt"
	MediaError      Intent = "media_error"
	Greeting        Intent = "greeting"
	General         Intent = "general"
)

var (
	testHelpKeywords = []string{"prova", "teste", "mastery"}
	invoiceKeywords  = []string{"boleto", "pagamento"}

	// Single-word greetings match whole tokens only, so "oi" inside
	// "proibido" does not greet. Multi-word greetings match as substrings.
	greetingWords   = []string{"oi", "olá", "ola"}
	greetingPhrases = []string{"bom dia", "boa tarde", "boa noite"}
)

// Classifier maps a normalized message to an intent with a deterministic,
// priority-ordered rule chain. First match wins; keyword rules precede the
// greeting rule so "oi, quero meu boleto" asks for an invoice, not a hello.
type Classifier struct{}

// NewClassifier returns a stateless lexical classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify is pure: equal inputs always yield equal intents.
func (c *Classifier) Classify(msg message.NormalizedMessage) Intent {
	switch msg.Context {
	case message.ContextPaymentReceipt:
		return MediaReceipt
	case message.ContextPlatformError:
		return MediaError
	}

	text := strings.ToLower(msg.Text)

	for _, kw := range testHelpKeywords {
		if strings.Contains(text, kw) {
			return TestHelp
		}
	}
	for _, kw := range invoiceKeywords {
		if strings.Contains(text, kw) {
			return ResendInvoice
		}
	}
	if isGreeting(text) {
		return Greeting
	}
	return General
}

func isGreeting(text string) bool {
	for _, phrase := range greetingPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	})
	for _, token := range tokens {
		for _, word := range greetingWords {
			if token == word {
				return true
			}
		}
	}
	return false
}
