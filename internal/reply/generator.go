package reply

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/internal/billing"
	"github.com/karollearning/karol-assistant/internal/intent"
	"github.com/karollearning/karol-assistant/internal/learning"
	"github.com/karollearning/karol-assistant/internal/llm"
	"github.com/karollearning/karol-assistant/internal/message"
	"github.com/karollearning/karol-assistant/internal/session"
	"github.com/karollearning/karol-assistant/internal/student"
	"github.com/karollearning/karol-assistant/internal/zaia"
	"github.com/karollearning/karol-assistant/pkg/logging"
)

var tracer = otel.Tracer("karol.internal.reply")

// historyTurns is how much chat context is replayed to the conversational
// backend on each general-intent turn.
const historyTurns = 5

const (
	apologyText = "Desculpe, estou com dificuldades técnicas no momento. Por favor, tente novamente em alguns instantes ou seja mais específico sobre o que precisa (ex: 'quero ver minha prova', 'preciso do boleto', etc.)"

	noStudentDataText = "Desculpe, não consegui identificar seus dados de aluno."

	noRecentTestsText  = "Não encontrei registros recentes de provas no seu histórico."
	testLookupFailText = "Desculpe, não consegui recuperar os detalhes da sua prova no momento."

	noOpenChargeText      = "Não encontrei nenhuma cobrança em aberto no seu nome."
	invoiceLookupFailText = "Desculpe, não consegui recuperar as informações do seu boleto no momento."

	noChargesForReceiptText  = "Não encontrei cobranças registradas para verificar seu pagamento."
	receiptReceivedText      = "Seu pagamento já foi identificado e processado! Está tudo certo."
	receiptPendingText       = "Recebi seu comprovante! O pagamento ainda está sendo processado. Assim que for confirmado, será automaticamente registrado no sistema."
	receiptForwardText       = "Recebi seu comprovante! Vou encaminhar para nossa equipe financeira verificar e dar baixa no pagamento."
	receiptProcessingFailure = "Desculpe, tive um problema ao processar seu comprovante. Por favor, entre em contato com nosso suporte."

	errorAnalysisFailText = "Desculpe, não consegui analisar completamente o erro. Por favor, tente novamente ou entre em contato com nosso suporte técnico."

	assistantPersona = "Você é a Karol, assistente virtual educacional. Seja amigável, profissional e sempre tente ajudar."
	supportPersona   = "Você é um especialista em suporte técnico do Flexge, sempre claro e objetivo."
)

// ChatSessions is the slice of the session store the generator uses.
type ChatSessions interface {
	GetOrCreate(ctx context.Context, phone string, create func(ctx context.Context) (string, error)) (string, error)
}

var _ ChatSessions = (*session.Store)(nil)

// Generator builds the outbound reply for a classified message. Collaborator
// failures never escape: each handler degrades to a polite Portuguese text,
// so the pipeline always has something to dispatch.
type Generator struct {
	billing  billing.Client
	learning learning.Client
	chats    zaia.Conversation
	sessions ChatSessions
	llm      llm.Client
	logger   *logging.Logger
}

// NewGenerator wires the reply generator. llmClient is the fallback chain
// used when the conversational backend is unavailable.
func NewGenerator(billingClient billing.Client, learningClient learning.Client, chats zaia.Conversation, sessions ChatSessions, llmClient llm.Client, logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Generator{
		billing:  billingClient,
		learning: learningClient,
		chats:    chats,
		sessions: sessions,
		llm:      llmClient,
		logger:   logger,
	}
}

// Generate routes the message to the handler for its intent. PreferAudio is
// set only when the conversational backend answered a general turn itself.
func (g *Generator) Generate(ctx context.Context, msg message.NormalizedMessage, rec *student.Record, in intent.Intent) message.OutboundReply {
	ctx, span := tracer.Start(ctx, "reply.generate")
	defer span.End()
	span.SetAttributes(attribute.String("karol.intent", string(in)))

	reply := message.OutboundReply{Phone: msg.Phone}

	switch in {
	case intent.MediaReceipt:
		reply.Text = g.handleReceipt(ctx, msg, rec)
	case intent.MediaError:
		reply.Text = g.handlePlatformError(ctx, msg)
	case intent.TestHelp:
		reply.Text = g.handleTestHelp(ctx, rec)
	case intent.ResendInvoice:
		reply.Text = g.handleInvoice(ctx, rec)
	case intent.Greeting:
		reply.Text = greetingText(rec)
	default:
		reply.Text, reply.PreferAudio = g.handleGeneral(ctx, msg, rec)
	}
	return reply
}

func greetingText(rec *student.Record) string {
	salutation := "Olá!"
	if name := rec.FirstName(); name != "" {
		salutation = fmt.Sprintf("Olá %s!", name)
	}
	return salutation + " 😊 Sou a Karol, sua assistente virtual. Como posso ajudar você hoje? Posso auxiliar com:\n\n" +
		"📚 Dúvidas sobre o Flexge\n" +
		"📝 Informações sobre suas provas\n" +
		"💳 Questões sobre pagamentos\n" +
		"📖 Explicações gramaticais\n\n" +
		"É só me dizer o que precisa!"
}

func (g *Generator) handleTestHelp(ctx context.Context, rec *student.Record) string {
	if rec == nil || rec.Email == "" {
		return noStudentDataText
	}
	results, err := g.learning.RecentTestResults(ctx, rec.Email)
	if err != nil {
		g.logger.Warn("test lookup failed", "error", err)
		return testLookupFailText
	}
	if len(results) == 0 {
		return noRecentTestsText
	}

	latest := results[0]
	var b strings.Builder
	fmt.Fprintf(&b, "Olá! Encontrei sua última prova: %s\n", latest.TestName)
	fmt.Fprintf(&b, "Data: %s\n", latest.TestDate)
	fmt.Fprintf(&b, "Nota: %.1f\n", latest.Score)
	fmt.Fprintf(&b, "Acertos: %d de %d\n\n", latest.CorrectAnswers, latest.TotalQuestions)

	if missed := latest.MissedQuestions(3); len(missed) > 0 {
		b.WriteString("Aqui estão as questões que você errou:\n\n")
		for _, q := range missed {
			fmt.Fprintf(&b, "Pergunta: %s\n", q.Question)
			fmt.Fprintf(&b, "Sua resposta: %s\n", q.StudentAnswer)
			fmt.Fprintf(&b, "Resposta correta: %s\n\n", q.CorrectAnswer)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (g *Generator) handleInvoice(ctx context.Context, rec *student.Record) string {
	if rec == nil {
		return noStudentDataText
	}
	charge, err := g.billing.FindOpenCharge(ctx, rec)
	if err != nil {
		g.logger.Warn("invoice lookup failed", "error", err)
		return invoiceLookupFailText
	}
	if charge == nil {
		return noOpenChargeText
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Olá %s, encontrei sua próxima cobrança:\n\n", rec.FirstName())
	fmt.Fprintf(&b, "Valor: R$ %.2f\n", charge.Amount)
	fmt.Fprintf(&b, "Vencimento: %s\n", charge.DueDate)
	if charge.InvoiceURL != "" {
		fmt.Fprintf(&b, "\nVocê pode acessar o boleto aqui: %s\n", charge.InvoiceURL)
	}
	if charge.BankSlipURL != "" {
		fmt.Fprintf(&b, "Código de barras: %s\n", charge.BankSlipURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// handleReceipt matches the amount and date extracted by media resolution
// against the student's charges, by label, the same lines resolution emits.
func (g *Generator) handleReceipt(ctx context.Context, msg message.NormalizedMessage, rec *student.Record) string {
	if rec == nil || rec.Email == "" {
		return "Desculpe, não consegui identificar seus dados de aluno para verificar o pagamento."
	}
	charges, err := g.billing.ChargesByEmail(ctx, rec.Email)
	if err != nil {
		g.logger.Warn("receipt charge lookup failed", "error", err)
		return receiptProcessingFailure
	}
	if len(charges) == 0 {
		return noChargesForReceiptText
	}

	amount := labeledField(msg.Text, "Valor:")
	date := labeledField(msg.Text, "Data:")

	for _, charge := range charges {
		if !matchesAmount(amount, charge.Amount) && !matchesDate(date, charge.DueDate) {
			continue
		}
		switch charge.Status {
		case billing.StatusReceived:
			return receiptReceivedText
		case billing.StatusPending:
			return receiptPendingText
		}
	}
	return receiptForwardText
}

func (g *Generator) handlePlatformError(ctx context.Context, msg message.NormalizedMessage) string {
	errType := labeledField(msg.Text, "Tipo:")
	errMessage := labeledField(msg.Text, "Mensagem:")

	prompt := fmt.Sprintf(`Com base neste erro do Flexge:
Tipo: %s
Mensagem: %s

Gere uma resposta amigável explicando:
1. O que pode ter causado o erro
2. Como o aluno pode resolver
3. Se precisar de suporte, o que fazer

Mantenha a resposta curta e direta.`, errType, errMessage)

	resp, err := g.llm.Complete(ctx, llm.Request{
		System:    []string{supportPersona},
		Messages:  []llm.ChatMessage{{Role: llm.ChatRoleUser, Content: prompt}},
		MaxTokens: 300,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		g.logger.Warn("platform error analysis failed", "error", err)
		return errorAnalysisFailText
	}
	return resp.Text
}

// handleGeneral tries the conversational backend first and reports whether it
// answered. Only a backend answer is eligible for voiced delivery.
func (g *Generator) handleGeneral(ctx context.Context, msg message.NormalizedMessage, rec *student.Record) (string, bool) {
	text, err := g.askBackend(ctx, msg)
	if err == nil {
		return text, true
	}
	g.logger.Warn("conversational backend failed, falling back to completion", "error", err)

	name := ""
	if rec != nil {
		name = rec.FirstName()
	}
	prompt := fmt.Sprintf(`Você é a Karol, assistente virtual da Escola Karol Language Learning.
Aluno: %s
Mensagem do aluno: %s

Responda de forma amigável e profissional, sempre tentando ajudar.
Se não souber responder, sugira opções como: verificar provas, boletos, dúvidas sobre o Flexge, etc.`, name, msg.Text)

	resp, err := g.llm.Complete(ctx, llm.Request{
		System:    []string{assistantPersona},
		Messages:  []llm.ChatMessage{{Role: llm.ChatRoleUser, Content: prompt}},
		MaxTokens: 300,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		g.logger.Warn("fallback completion failed", "error", err)
		return apologyText, false
	}
	return resp.Text, false
}

func (g *Generator) askBackend(ctx context.Context, msg message.NormalizedMessage) (string, error) {
	chatID, err := g.sessions.GetOrCreate(ctx, msg.Phone, func(ctx context.Context) (string, error) {
		return g.chats.CreateChat(ctx)
	})
	if err != nil {
		return "", err
	}

	history, err := g.chats.History(ctx, chatID, historyTurns)
	if err != nil {
		g.logger.Warn("chat history unavailable, continuing without context", "error", err)
		history = nil
	}

	prompt := msg.Text
	if len(history) > 0 {
		var b strings.Builder
		b.WriteString("Contexto da conversa:\n")
		for _, turn := range history {
			label := "Aluno"
			if turn.Origin == zaia.OriginAssistant {
				label = "Karol"
			}
			fmt.Fprintf(&b, "%s: %s\n", label, turn.Text)
		}
		b.WriteString("\nNova mensagem do aluno: ")
		b.WriteString(msg.Text)
		prompt = b.String()
	}

	if err := g.chats.SendMessage(ctx, chatID, prompt); err != nil {
		return "", err
	}
	reply, err := g.chats.PollReply(ctx, chatID)
	if err != nil {
		return "", err
	}
	return reply, nil
}

// labeledField returns the value after "Label:" on its own line, or "".
func labeledField(text, label string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, label) {
			return strings.TrimSpace(strings.TrimPrefix(line, label))
		}
	}
	return ""
}

func matchesAmount(extracted string, amount float64) bool {
	if extracted == "" {
		return false
	}
	dot := strconv.FormatFloat(amount, 'f', 2, 64)
	comma := strings.Replace(dot, ".", ",", 1)
	return strings.Contains(extracted, dot) || strings.Contains(extracted, comma)
}

func matchesDate(extracted, dueDate string) bool {
	if extracted == "" || dueDate == "" {
		return false
	}
	return strings.Contains(dueDate, extracted) || strings.Contains(extracted, dueDate)
}
