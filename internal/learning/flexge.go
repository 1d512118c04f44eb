package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/karollearning/karol-assistant/pkg/logging"
)

var flexgeTracer = otel.Tracer("karol.internal.learning.flexge")

// maxRecentTests bounds the mastery-test drill-down per lookup.
const maxRecentTests = 3

// QuestionResult is a single answered question within a test execution.
type QuestionResult struct {
	Question      string
	CorrectAnswer string
	StudentAnswer string
	IsCorrect     bool
}

// TestResult is one graded execution of a mastery test.
type TestResult struct {
	TestName       string
	TestDate       string
	Score          float64
	TotalQuestions int
	CorrectAnswers int
	Questions      []QuestionResult
}

// MissedQuestions returns the questions answered incorrectly, at most limit.
func (t TestResult) MissedQuestions(limit int) []QuestionResult {
	missed := make([]QuestionResult, 0, limit)
	for _, q := range t.Questions {
		if q.IsCorrect {
			continue
		}
		missed = append(missed, q)
		if len(missed) == limit {
			break
		}
	}
	return missed
}

// Client exposes the learning-platform lookups the reply handlers need.
// An empty slice with a nil error means no recent records.
type Client interface {
	RecentTestResults(ctx context.Context, email string) ([]TestResult, error)
}

// FlexgeClient queries the Flexge partner API.
type FlexgeClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewFlexgeClient builds a learning-platform client with a bounded call timeout.
func NewFlexgeClient(apiKey, baseURL string, timeout time.Duration, logger *logging.Logger) *FlexgeClient {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FlexgeClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

var _ Client = (*FlexgeClient)(nil)

// RecentTestResults resolves the Flexge student id by email and walks the
// mastery-test → executions → items chain for the most recent tests.
func (c *FlexgeClient) RecentTestResults(ctx context.Context, email string) ([]TestResult, error) {
	ctx, span := flexgeTracer.Start(ctx, "learning.flexge.recent_test_results")
	defer span.End()

	studentID, err := c.studentIDByEmail(ctx, email)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if studentID == "" {
		return nil, nil
	}
	span.SetAttributes(attribute.String("karol.flexge_student", studentID))

	var tests []struct {
		ID   string `json:"_id"`
		Name string `json:"name"`
	}
	if err := c.get(ctx, fmt.Sprintf("%s/students/%s/mastery-tests", c.baseURL, studentID), &tests); err != nil {
		span.RecordError(err)
		return nil, err
	}

	results := make([]TestResult, 0, maxRecentTests)
	for _, test := range tests {
		if len(results) >= maxRecentTests {
			break
		}

		var executions []struct {
			ID        string  `json:"_id"`
			StartedAt string  `json:"startedAt"`
			Score     float64 `json:"score"`
		}
		execURL := fmt.Sprintf("%s/students/%s/mastery-tests/%s/executions", c.baseURL, studentID, test.ID)
		if err := c.get(ctx, execURL, &executions); err != nil {
			c.logger.Warn("skipping mastery test with unreadable executions", "test", test.ID, "error", err)
			continue
		}

		for _, exec := range executions {
			var items []struct {
				Question      string `json:"question"`
				CorrectAnswer string `json:"correctAnswer"`
				StudentAnswer string `json:"studentAnswer"`
				IsCorrect     bool   `json:"isCorrect"`
			}
			itemsURL := fmt.Sprintf("%s/students/%s/mastery-tests/%s/executions/%s/items", c.baseURL, studentID, test.ID, exec.ID)
			if err := c.get(ctx, itemsURL, &items); err != nil {
				c.logger.Warn("skipping execution with unreadable items", "execution", exec.ID, "error", err)
				continue
			}

			result := TestResult{
				TestName:       test.Name,
				TestDate:       exec.StartedAt,
				Score:          exec.Score,
				TotalQuestions: len(items),
			}
			for _, item := range items {
				if item.IsCorrect {
					result.CorrectAnswers++
				}
				result.Questions = append(result.Questions, QuestionResult{
					Question:      item.Question,
					CorrectAnswer: item.CorrectAnswer,
					StudentAnswer: item.StudentAnswer,
					IsCorrect:     item.IsCorrect,
				})
			}
			results = append(results, result)
		}
	}
	return results, nil
}

// studentIDByEmail pages through the students listing until the email matches.
func (c *FlexgeClient) studentIDByEmail(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", nil
	}
	for page := 1; ; page++ {
		var parsed struct {
			Docs []struct {
				ID    string `json:"_id"`
				Email string `json:"email"`
			} `json:"docs"`
			Pages int `json:"pages"`
		}
		endpoint := fmt.Sprintf("%s/students?page=%d", c.baseURL, page)
		if err := c.get(ctx, endpoint, &parsed); err != nil {
			return "", err
		}
		for _, doc := range parsed.Docs {
			if strings.ToLower(doc.Email) == email {
				return doc.ID, nil
			}
		}
		if page >= parsed.Pages || len(parsed.Docs) == 0 {
			return "", nil
		}
	}
}

func (c *FlexgeClient) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("learning: build flexge request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("learning: flexge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("learning: flexge returned %d for %s: %s", resp.StatusCode, sanitizeURL(endpoint), strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("learning: decode flexge response: %w", err)
	}
	return nil
}

func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
