package autoreply

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/apperr"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/store"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/tracing"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/whatsapp"
)

const (
	headerTimestamp = "X-Webhook-Timestamp"
	headerSignature = "X-Webhook-Signature"

	maxResponseBytes = 64 << 10
)

// Resolver looks up a host's addresses.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DialFunc opens a connection to an already validated address.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// WebhookOptions bounds webhook calls.
type WebhookOptions struct {
	Allowlist     []string
	Timeout       time.Duration
	MaxActions    int
	MaxTextLength int
}

// WebhookClient calls rule webhooks. Every call resolves the host itself,
// refuses non-public addresses and connects to the address it checked.
type WebhookClient struct {
	opts      WebhookOptions
	allowlist map[string]bool
	resolver  Resolver
	dial      DialFunc
	now       func() time.Time
	log       *slog.Logger
}

func NewWebhookClient(opts WebhookOptions, log *slog.Logger) *WebhookClient {
	allow := make(map[string]bool, len(opts.Allowlist))
	for _, h := range opts.Allowlist {
		allow[strings.ToLower(h)] = true
	}
	dialer := &net.Dialer{Timeout: opts.Timeout}
	return &WebhookClient{
		opts:      opts,
		allowlist: allow,
		resolver:  net.DefaultResolver,
		dial:      dialer.DialContext,
		now:       time.Now,
		log:       log.With("component", "webhook"),
	}
}

type webhookRequest struct {
	RuleID      string `json:"ruleId"`
	AccountID   string `json:"accountId"`
	RemoteID    string `json:"remoteId"`
	Participant string `json:"participant,omitempty"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
}

type webhookResponse struct {
	Actions []json.RawMessage `json:"actions"`
}

type webhookAction struct {
	Type string `json:"type"`
	Text any    `json:"text"`
}

// Call posts msg to the rule's webhook and returns the text replies it asks
// for. Every failure yields no replies.
func (c *WebhookClient) Call(ctx context.Context, rule *store.AutoReplyRule, msg *whatsapp.InboundMessage) []string {
	ctx, span := tracing.StartSpan(ctx, "autoreply.webhook", attribute.String("rule.id", rule.ID))
	defer span.End()

	texts, err := c.call(ctx, rule, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		c.log.Warn("webhook call failed", "rule_id", rule.ID, "error", err)
		return nil
	}
	return texts
}

func (c *WebhookClient) call(ctx context.Context, rule *store.AutoReplyRule, msg *whatsapp.InboundMessage) ([]string, error) {
	u, addrs, err := c.Validate(ctx, rule.WebhookURL)
	if err != nil {
		return nil, err
	}

	ts := c.now().Unix()
	body, err := json.Marshal(webhookRequest{
		RuleID:      rule.ID,
		AccountID:   msg.AccountID,
		RemoteID:    msg.RemoteID,
		Participant: msg.Participant,
		Text:        msg.Text,
		Timestamp:   ts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if rule.WebhookSecret != "" {
		stamp := strconv.FormatInt(ts, 10)
		req.Header.Set(headerTimestamp, stamp)
		req.Header.Set(headerSignature, "sha256="+Sign(rule.WebhookSecret, stamp, body))
	}

	resp, err := c.httpClient(addrs).Do(req)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// redirects land here too; they are never followed
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var parsed webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return c.filterActions(parsed.Actions), nil
}

// Validate checks the webhook URL against the scheme, allowlist and address
// policy and returns the addresses a connection may use.
func (c *WebhookClient) Validate(ctx context.Context, rawURL string) (*url.URL, []net.IP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, apperr.Wrap(err, apperr.CodeWebhookPolicy, "unparseable webhook url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, apperr.Newf(apperr.CodeWebhookPolicy, "scheme %q not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, nil, apperr.New(apperr.CodeWebhookPolicy, "webhook url has no host")
	}
	if len(c.allowlist) > 0 && !c.allowlist[host] {
		return nil, nil, apperr.Newf(apperr.CodeWebhookPolicy, "host %s not in allowlist", host)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, nil, apperr.New(apperr.CodeWebhookPolicy, "localhost not allowed")
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := c.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, nil, apperr.Wrap(err, apperr.CodeWebhookPolicy, "resolve webhook host")
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, nil, apperr.Newf(apperr.CodeWebhookPolicy, "host %s has no addresses", host)
	}
	for _, ip := range ips {
		if Forbidden(ip) {
			return nil, nil, apperr.Newf(apperr.CodeWebhookPolicy, "host %s resolves to non-public address %s", host, ip)
		}
	}
	return u, ips, nil
}

// Forbidden reports whether ip is loopback, private, link-local, unique-local
// or unspecified.
func Forbidden(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsUnspecified()
}

// httpClient builds a client pinned to the validated addresses.
func (c *WebhookClient) httpClient(addrs []net.IP) *http.Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range addrs {
				conn, err := c.dial(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		TLSHandshakeTimeout:   c.opts.Timeout,
		ResponseHeaderTimeout: c.opts.Timeout,
		DisableKeepAlives:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   c.opts.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (c *WebhookClient) filterActions(raw []json.RawMessage) []string {
	var texts []string
	for _, item := range raw {
		if len(texts) == c.opts.MaxActions {
			break
		}
		var action webhookAction
		if err := json.Unmarshal(item, &action); err != nil {
			continue
		}
		text, ok := action.Text.(string)
		if action.Type != "text" || !ok || text == "" {
			continue
		}
		texts = append(texts, truncate(text, c.opts.MaxTextLength))
	}
	return texts
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Sign returns the hex HMAC-SHA256 of timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
