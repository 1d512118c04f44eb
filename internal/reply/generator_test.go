package reply

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/karollearning/karol-assistant/internal/billing"
	"github.com/karollearning/karol-assistant/internal/intent"
	"github.com/karollearning/karol-assistant/internal/learning"
	"github.com/karollearning/karol-assistant/internal/llm"
	"github.com/karollearning/karol-assistant/internal/message"
	"github.com/karollearning/karol-assistant/internal/student"
	"github.com/karollearning/karol-assistant/internal/zaia"
	"github.com/karollearning/karol-assistant/pkg/logging"
)

type stubBilling struct {
	openCharge *billing.Charge
	charges    []billing.Charge
	err        error
}

func (s *stubBilling) FindOpenCharge(context.Context, *student.Record) (*billing.Charge, error) {
	return s.openCharge, s.err
}

func (s *stubBilling) ChargesByEmail(context.Context, string) ([]billing.Charge, error) {
	return s.charges, s.err
}

type stubLearning struct {
	results []learning.TestResult
	err     error
}

func (s *stubLearning) RecentTestResults(context.Context, string) ([]learning.TestResult, error) {
	return s.results, s.err
}

type stubConversation struct {
	chatID      string
	createErr   error
	history     []zaia.Turn
	historyErr  error
	sendErr     error
	reply       string
	pollErr     error
	sentPrompts []string
}

func (s *stubConversation) CreateChat(context.Context) (string, error) {
	return s.chatID, s.createErr
}

func (s *stubConversation) SendMessage(_ context.Context, _, prompt string) error {
	s.sentPrompts = append(s.sentPrompts, prompt)
	return s.sendErr
}

func (s *stubConversation) PollReply(context.Context, string) (string, error) {
	return s.reply, s.pollErr
}

func (s *stubConversation) History(context.Context, string, int) ([]zaia.Turn, error) {
	return s.history, s.historyErr
}

type stubSessions struct{}

func (stubSessions) GetOrCreate(ctx context.Context, _ string, create func(ctx context.Context) (string, error)) (string, error) {
	return create(ctx)
}

type stubLLM struct {
	text     string
	err      error
	requests []llm.Request
}

func (s *stubLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.requests = append(s.requests, req)
	return llm.Response{Text: s.text}, s.err
}

func newGenerator(b billing.Client, l learning.Client, conv zaia.Conversation, model llm.Client) *Generator {
	logger := logging.NewWithWriter("error", &strings.Builder{})
	if conv == nil {
		conv = &stubConversation{}
	}
	if model == nil {
		model = &stubLLM{}
	}
	return NewGenerator(b, l, conv, stubSessions{}, model, logger)
}

func ana() *student.Record {
	return &student.Record{ID: "s1", Name: "Ana Souza", Email: "ana@example.com", Phone: "5511999990000"}
}

func TestGenerateGreeting(t *testing.T) {
	g := newGenerator(&stubBilling{}, &stubLearning{}, nil, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Phone: "5511999990000", Text: "Oi"}, ana(), intent.Greeting)

	if !strings.HasPrefix(reply.Text, "Olá Ana") {
		t.Errorf("expected personalized greeting, got %q", reply.Text)
	}
	for _, bullet := range []string{"📚", "📝", "💳", "📖"} {
		if !strings.Contains(reply.Text, bullet) {
			t.Errorf("expected capability bullet %s in greeting", bullet)
		}
	}
	if reply.PreferAudio {
		t.Error("greeting must not prefer audio")
	}
}

func TestGenerateGreetingUnknownStudent(t *testing.T) {
	g := newGenerator(&stubBilling{}, &stubLearning{}, nil, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Text: "Oi"}, nil, intent.Greeting)
	if !strings.HasPrefix(reply.Text, "Olá!") {
		t.Errorf("expected neutral greeting, got %q", reply.Text)
	}
}

func TestGenerateInvoiceFound(t *testing.T) {
	b := &stubBilling{openCharge: &billing.Charge{
		Amount:      297.00,
		DueDate:     "2026-09-03",
		Status:      billing.StatusPending,
		InvoiceURL:  "https://asaas.example/inv/1",
		BankSlipURL: "34191.79001",
	}}
	g := newGenerator(b, &stubLearning{}, nil, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Text: "quero ver meu boleto"}, ana(), intent.ResendInvoice)

	for _, want := range []string{"R$ 297.00", "2026-09-03", "https://asaas.example/inv/1", "34191.79001"} {
		if !strings.Contains(reply.Text, want) {
			t.Errorf("expected %q in invoice reply, got %q", want, reply.Text)
		}
	}
	if reply.PreferAudio {
		t.Error("invoice reply must not prefer audio")
	}
}

func TestGenerateInvoiceNoneOpen(t *testing.T) {
	g := newGenerator(&stubBilling{}, &stubLearning{}, nil, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Text: "boleto"}, ana(), intent.ResendInvoice)
	if reply.Text != noOpenChargeText {
		t.Errorf("expected no-charge text, got %q", reply.Text)
	}
}

func TestGenerateInvoiceLookupFailureDegrades(t *testing.T) {
	g := newGenerator(&stubBilling{err: errors.New("asaas down")}, &stubLearning{}, nil, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Text: "boleto"}, ana(), intent.ResendInvoice)
	if reply.Text != invoiceLookupFailText {
		t.Errorf("expected lookup failure text, got %q", reply.Text)
	}
}

func TestGenerateTestHelp(t *testing.T) {
	l := &stubLearning{results: []learning.TestResult{{
		TestName:       "Mastery Test 4",
		TestDate:       "2026-08-20",
		Score:          7.5,
		TotalQuestions: 10,
		CorrectAnswers: 7,
		Questions: []learning.QuestionResult{
			{Question: "Choose the correct form", StudentAnswer: "goed", CorrectAnswer: "went", IsCorrect: false},
			{Question: "Fill the gap", StudentAnswer: "did", CorrectAnswer: "did", IsCorrect: true},
		},
	}}}
	g := newGenerator(&stubBilling{}, l, nil, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Text: "como foi minha prova?"}, ana(), intent.TestHelp)

	for _, want := range []string{"Mastery Test 4", "Acertos: 7 de 10", "Sua resposta: goed", "Resposta correta: went"} {
		if !strings.Contains(reply.Text, want) {
			t.Errorf("expected %q in test reply, got %q", want, reply.Text)
		}
	}
	if strings.Contains(reply.Text, "Fill the gap") {
		t.Error("correct answers must not be listed as missed")
	}
}

func TestGenerateTestHelpNoRecords(t *testing.T) {
	g := newGenerator(&stubBilling{}, &stubLearning{}, nil, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Text: "prova"}, ana(), intent.TestHelp)
	if reply.Text != noRecentTestsText {
		t.Errorf("expected no-records text, got %q", reply.Text)
	}
}

func TestGenerateReceiptReceived(t *testing.T) {
	b := &stubBilling{charges: []billing.Charge{
		{Amount: 150.00, DueDate: "2026-08-01", Status: billing.StatusReceived},
		{Amount: 297.00, DueDate: "2026-09-03", Status: billing.StatusPending},
	}}
	g := newGenerator(b, &stubLearning{}, nil, nil)

	msg := message.NormalizedMessage{
		Text:    "Comprovante de Pagamento:\nValor: R$ 150,00\nData: 2026-08-01\nTipo: PIX",
		Context: message.ContextPaymentReceipt,
	}
	reply := g.Generate(context.Background(), msg, ana(), intent.MediaReceipt)
	if reply.Text != receiptReceivedText {
		t.Errorf("expected received confirmation, got %q", reply.Text)
	}
}

func TestGenerateReceiptPending(t *testing.T) {
	b := &stubBilling{charges: []billing.Charge{
		{Amount: 297.00, DueDate: "2026-09-03", Status: billing.StatusPending},
	}}
	g := newGenerator(b, &stubLearning{}, nil, nil)

	msg := message.NormalizedMessage{
		Text:    "Comprovante de Pagamento:\nValor: R$ 297,00\nData: não identificada\nTipo: boleto",
		Context: message.ContextPaymentReceipt,
	}
	reply := g.Generate(context.Background(), msg, ana(), intent.MediaReceipt)
	if reply.Text != receiptPendingText {
		t.Errorf("expected pending confirmation, got %q", reply.Text)
	}
}

func TestGenerateReceiptNoMatchForwards(t *testing.T) {
	b := &stubBilling{charges: []billing.Charge{
		{Amount: 500.00, DueDate: "2026-10-01", Status: billing.StatusPending},
	}}
	g := newGenerator(b, &stubLearning{}, nil, nil)

	msg := message.NormalizedMessage{
		Text:    "Comprovante de Pagamento:\nValor: R$ 297,00\nData: não identificada\nTipo: PIX",
		Context: message.ContextPaymentReceipt,
	}
	reply := g.Generate(context.Background(), msg, ana(), intent.MediaReceipt)
	if reply.Text != receiptForwardText {
		t.Errorf("expected forward-to-finance text, got %q", reply.Text)
	}
}

func TestGeneratePlatformErrorUsesModel(t *testing.T) {
	model := &stubLLM{text: "Parece um erro de login. Tente redefinir sua senha."}
	g := newGenerator(&stubBilling{}, &stubLearning{}, nil, model)

	msg := message.NormalizedMessage{
		Text:    "Erro no Flexge:\nTipo: login\nMensagem: senha inválida\nContexto: tela de entrada",
		Context: message.ContextPlatformError,
	}
	reply := g.Generate(context.Background(), msg, ana(), intent.MediaError)

	if reply.Text != model.text {
		t.Errorf("expected model answer, got %q", reply.Text)
	}
	if len(model.requests) != 1 {
		t.Fatalf("expected one completion call, got %d", len(model.requests))
	}
	prompt := model.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "login") || !strings.Contains(prompt, "senha inválida") {
		t.Errorf("expected extracted fields in prompt, got %q", prompt)
	}
}

func TestGenerateGeneralBackendSuccessPrefersAudio(t *testing.T) {
	conv := &stubConversation{
		chatID: "98765",
		history: []zaia.Turn{
			{Origin: zaia.OriginUser, Text: "oi"},
			{Origin: zaia.OriginAssistant, Text: "Olá!"},
		},
		reply: "O present perfect se usa assim...",
	}
	g := newGenerator(&stubBilling{}, &stubLearning{}, conv, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Phone: "5511999990000", Text: "me explica o present perfect"}, ana(), intent.General)

	if reply.Text != conv.reply {
		t.Errorf("expected backend answer, got %q", reply.Text)
	}
	if !reply.PreferAudio {
		t.Error("backend answer must prefer audio")
	}
	if len(conv.sentPrompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(conv.sentPrompts))
	}
	prompt := conv.sentPrompts[0]
	if !strings.Contains(prompt, "Karol: Olá!") {
		t.Errorf("expected history context in prompt, got %q", prompt)
	}
	if !strings.Contains(prompt, "me explica o present perfect") {
		t.Errorf("expected new message in prompt, got %q", prompt)
	}
}

func TestGenerateGeneralBackendFailureFallsBack(t *testing.T) {
	conv := &stubConversation{chatID: "98765", pollErr: zaia.ErrReplyTimeout}
	model := &stubLLM{text: "Posso ajudar com provas, boletos e dúvidas do Flexge!"}
	g := newGenerator(&stubBilling{}, &stubLearning{}, conv, model)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Phone: "5511999990000", Text: "me ajuda"}, ana(), intent.General)

	if reply.Text != model.text {
		t.Errorf("expected fallback completion, got %q", reply.Text)
	}
	if reply.PreferAudio {
		t.Error("fallback answers must not prefer audio")
	}
	if len(model.requests) != 1 {
		t.Fatalf("expected one completion call, got %d", len(model.requests))
	}
	prompt := model.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "Ana") || !strings.Contains(prompt, "me ajuda") {
		t.Errorf("expected student name and message in fallback prompt, got %q", prompt)
	}
}

func TestGenerateGeneralEverythingFailsApologizes(t *testing.T) {
	conv := &stubConversation{createErr: errors.New("zaia unreachable")}
	model := &stubLLM{err: errors.New("model down")}
	g := newGenerator(&stubBilling{}, &stubLearning{}, conv, model)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Phone: "5511999990000", Text: "me ajuda"}, ana(), intent.General)

	if reply.Text != apologyText {
		t.Errorf("expected apology, got %q", reply.Text)
	}
	if reply.PreferAudio {
		t.Error("apology must not prefer audio")
	}
}

func TestGenerateGeneralHistoryFailureStillAsks(t *testing.T) {
	conv := &stubConversation{chatID: "98765", historyErr: errors.New("history down"), reply: "Claro!"}
	g := newGenerator(&stubBilling{}, &stubLearning{}, conv, nil)

	reply := g.Generate(context.Background(), message.NormalizedMessage{Phone: "5511999990000", Text: "oi, me ajuda com uma coisa"}, ana(), intent.General)

	if reply.Text != "Claro!" {
		t.Errorf("expected backend answer despite history failure, got %q", reply.Text)
	}
	if len(conv.sentPrompts) != 1 || conv.sentPrompts[0] != "oi, me ajuda com uma coisa" {
		t.Errorf("expected bare prompt without history, got %#v", conv.sentPrompts)
	}
}
