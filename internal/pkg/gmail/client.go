package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	DefaultEndpoint       = "https://gmail.googleapis.com/"
	defaultRequestTimeout = 20 * time.Second
	defaultMaxResults     = 25
	maxListResults        = 100
	me                    = "me"
)

// ListQuery filters a message listing. Query uses Gmail search syntax.
type ListQuery struct {
	Query      string
	LabelIDs   []string
	PageToken  string
	MaxResults int64
}

type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

type ListResult struct {
	Messages           []MessageRef `json:"messages"`
	NextPageToken      string       `json:"next_page_token,omitempty"`
	ResultSizeEstimate int64        `json:"result_size_estimate"`
}

type Message struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	LabelIDs     []string  `json:"label_ids"`
	Snippet      string    `json:"snippet"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	Date         string    `json:"date"`
	InternalDate time.Time `json:"internal_date"`
	Body         string    `json:"body"`
}

// Outgoing is a plain-text message to send from the connected account.
type Outgoing struct {
	To      []string `json:"to" validate:"required,min=1,dive,email"`
	Cc      []string `json:"cc" validate:"omitempty,dive,email"`
	Subject string   `json:"subject" validate:"max=998"`
	Body    string   `json:"body" validate:"required"`
}

type SentMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"thread_id"`
	LabelIDs []string `json:"label_ids"`
}

// Resource is the Gmail surface used by the application. Implementations
// never refresh tokens.
type Resource interface {
	List(ctx context.Context, accessToken string, q ListQuery) (*ListResult, error)
	Get(ctx context.Context, accessToken, id string) (*Message, error)
	Send(ctx context.Context, accessToken string, msg Outgoing) (*SentMessage, error)
}

// Client talks to the Gmail REST API with a caller-supplied access token.
type Client struct {
	endpoint  string
	transport http.RoundTripper
	timeout   time.Duration
}

type ClientOption func(*Client)

// WithEndpoint points the client at another base URL, e.g. a test server.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		if endpoint != "" {
			if !strings.HasSuffix(endpoint, "/") {
				endpoint += "/"
			}
			c.endpoint = endpoint
		}
	}
}

func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		if rt != nil {
			c.transport = rt
		}
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		endpoint:  DefaultEndpoint,
		transport: http.DefaultTransport,
		timeout:   defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient), option.WithEndpoint(c.endpoint))
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}
	return svc, nil
}

func (c *Client) List(ctx context.Context, accessToken string, q ListQuery) (*ListResult, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	limit := q.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}
	if limit > maxListResults {
		limit = maxListResults
	}

	call := svc.Users.Messages.List(me).Context(ctx).MaxResults(limit)
	if q.Query != "" {
		call = call.Q(q.Query)
	}
	if len(q.LabelIDs) > 0 {
		call = call.LabelIds(q.LabelIDs...)
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	out := &ListResult{
		Messages:           make([]MessageRef, 0, len(resp.Messages)),
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}
	for _, m := range resp.Messages {
		out.Messages = append(out.Messages, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, accessToken, id string) (*Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("gmail: get message: %w: empty id", ErrResourceRejected)
	}
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Messages.Get(me, id).Context(ctx).Format("full").Do()
	if err != nil {
		return nil, classify("get message", err)
	}

	msg := &Message{
		ID:       resp.Id,
		ThreadID: resp.ThreadId,
		LabelIDs: resp.LabelIds,
		Snippet:  resp.Snippet,
	}
	if resp.InternalDate > 0 {
		msg.InternalDate = time.UnixMilli(resp.InternalDate).UTC()
	}
	if resp.Payload != nil {
		for _, h := range resp.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				msg.From = h.Value
			case "to":
				msg.To = h.Value
			case "subject":
				msg.Subject = h.Value
			case "date":
				msg.Date = h.Value
			}
		}
		msg.Body = plainTextBody(resp.Payload)
	}
	return msg, nil
}

func (c *Client) Send(ctx context.Context, accessToken string, out Outgoing) (*SentMessage, error) {
	if len(out.To) == 0 {
		return nil, fmt.Errorf("gmail: send message: %w: no recipients", ErrResourceRejected)
	}
	for _, addr := range append(append([]string(nil), out.To...), out.Cc...) {
		if strings.ContainsAny(addr, "\r\n") {
			return nil, fmt.Errorf("gmail: send message: %w: line break in recipient %q", ErrResourceRejected, addr)
		}
	}
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	raw := base64.URLEncoding.EncodeToString(buildRFC2822(out))
	resp, err := svc.Users.Messages.Send(me, &gmailapi.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return nil, classify("send message", err)
	}
	return &SentMessage{ID: resp.Id, ThreadID: resp.ThreadId, LabelIDs: resp.LabelIds}, nil
}

// buildRFC2822 renders a UTF-8 plain-text message. Gmail fills in From and
// Date for the authenticated account.
func buildRFC2822(out Outgoing) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(out.To, ", "))
	if len(out.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(out.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", out.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString("\r\n")

	body := base64.StdEncoding.EncodeToString([]byte(out.Body))
	for len(body) > 76 {
		b.WriteString(body[:76])
		b.WriteString("\r\n")
		body = body[76:]
	}
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.Bytes()
}

func plainTextBody(part *gmailapi.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.HasPrefix(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		if decoded, err := decodePartData(part.Body.Data); err == nil {
			return decoded
		}
	}
	for _, child := range part.Parts {
		if text := plainTextBody(child); text != "" {
			return text
		}
	}
	return ""
}

// Gmail returns URL-safe base64, sometimes without padding.
func decodePartData(data string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return "", err
		}
	}
	return string(decoded), nil
}
