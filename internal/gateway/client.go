// Package gateway — клиент REST API внешнего шлюза WhatsApp-сессий.
// Клиент не хранит состояния инстансов: каждый вызов независим и может упасть сам по себе.
// Частота запросов ограничивается общим token bucket (x/time/rate), ответ 429
// превращается в RateLimitError с серверной паузой. Временные сбои повторяются
// ограниченное число раз (infra/throttle).
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wa-instances/internal/infra/throttle"

	"github.com/go-faster/errors"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 15 * time.Second
	// maxRetryAfter — дольше этого Retry-After не ждём внутри вызова: тик опроса повторит позже.
	maxRetryAfter = 5 * time.Second
	// maxErrorBody ограничивает кусок тела ответа, который попадает в текст ошибки.
	maxErrorBody = 512
)

// StatusReport — самоотчёт шлюза о сессии. Status — сырое значение шлюза.
type StatusReport struct {
	Status    string `json:"status"`
	HasQRCode bool   `json:"hasQrCode"`
}

// QRCode — полезная нагрузка сопряжения: либо готовый data URI, либо сырая строка кода.
type QRCode struct {
	DataURI string `json:"qrCode"`
	Code    string `json:"code"`
}

// Session — итог проверки реальных данных сессии.
type Session struct {
	OK          bool
	PhoneNumber string
}

// chatsResponse — ответ листинга чатов. Нулевой Chats означает, что поля в ответе не было.
type chatsResponse struct {
	PhoneNumber string            `json:"phoneNumber"`
	Chats       []json.RawMessage `json:"chats"`
	Error       string            `json:"error"`
}

// Options задаёт параметры HTTP-клиента.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	RPS     int
	// Retries — число повторов временного сбоя внутри одного вызова. 0 — без повторов.
	Retries int
	// HTTPClient позволяет подменить транспорт (тесты).
	HTTPClient *http.Client
}

// HTTPClient реализует вызовы шлюза поверх net/http.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	retrier *throttle.Retrier
}

// NewHTTPClient создаёт клиент. RPS<=0 отключает ограничение частоты.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway: base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.Wrap(err, "gateway: parse base url")
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := 1
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		burst = opts.RPS
	}

	return &HTTPClient{
		baseURL: base,
		token:   opts.Token,
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		retrier: throttle.New(opts.Retries,
			throttle.WithMaxWait(maxRetryAfter),
			throttle.WithWaitExtractors(retryAfterWait),
			throttle.WithRetryIf(IsTransient),
		),
	}, nil
}

// Connect просит шлюз начать (или перезапустить) сопряжение инстанса.
func (c *HTTPClient) Connect(ctx context.Context, id string) error {
	return c.do(ctx, "connect", http.MethodPost, id, "connect", nil, nil)
}

// Disconnect разрывает сессию инстанса на стороне шлюза.
func (c *HTTPClient) Disconnect(ctx context.Context, id string) error {
	return c.do(ctx, "disconnect", http.MethodPost, id, "disconnect", nil, nil)
}

// GetStatus возвращает самоотчёт шлюза о сессии.
func (c *HTTPClient) GetStatus(ctx context.Context, id string) (StatusReport, error) {
	var report StatusReport
	if err := c.do(ctx, "status", http.MethodGet, id, "status", nil, &report); err != nil {
		return StatusReport{}, err
	}
	report.Status = strings.ToLower(strings.TrimSpace(report.Status))
	return report, nil
}

// GetQRCode возвращает текущий код сопряжения.
func (c *HTTPClient) GetQRCode(ctx context.Context, id string) (QRCode, error) {
	var qr QRCode
	if err := c.do(ctx, "qr", http.MethodGet, id, "qr", nil, &qr); err != nil {
		return QRCode{}, err
	}
	if strings.TrimSpace(qr.DataURI) == "" && strings.TrimSpace(qr.Code) == "" {
		return QRCode{}, errors.New("gateway qr: empty payload")
	}
	return qr, nil
}

// VerifySession запрашивает реальные данные сессии (листинг чатов).
// Отказ в доступе даёт OK=false без ошибки; ошибка возвращается только для сбоев транспорта/сервера.
func (c *HTTPClient) VerifySession(ctx context.Context, id string) (Session, error) {
	query := url.Values{"limit": []string{"1"}}
	var resp chatsResponse
	err := c.do(ctx, "verify", http.MethodGet, id, "chats?"+query.Encode(), nil, &resp)
	switch {
	case IsUnauthorized(err):
		return Session{OK: false}, nil
	case err != nil:
		return Session{}, err
	}
	if resp.Error != "" || resp.Chats == nil {
		return Session{OK: false}, nil
	}
	return Session{OK: true, PhoneNumber: resp.PhoneNumber}, nil
}

// do выполняет запрос к {base}/instances/{id}/{suffix} с повторами временных сбоев.
// out=nil — тело ответа игнорируется.
func (c *HTTPClient) do(ctx context.Context, op, method, id, suffix string, body any, out any) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("gateway: empty instance id")
	}
	return c.retrier.Do(ctx, func() error {
		return c.doOnce(ctx, op, method, id, suffix, body, out)
	})
}

func (c *HTTPClient) doOnce(ctx context.Context, op, method, id, suffix string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "gateway "+op+": wait limiter")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "gateway "+op+": encode request")
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := fmt.Sprintf("%s/instances/%s/%s", c.baseURL, url.PathEscape(id), suffix)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "gateway "+op+": build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "gateway "+op)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Op: op, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "gateway "+op+": decode response")
	}
	return nil
}

// retryAfterWait достаёт серверную паузу из RateLimitError.
func retryAfterWait(err error) (time.Duration, bool) {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter понимает и секунды, и HTTP-дату. Без значения — одна секунда.
func parseRetryAfter(value string) time.Duration {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}
