// Package plenticore implements a client for the REST API of Kostal
// Plenticore solar inverters.
//
// The API exposes a dynamic set of modules, each providing process
// data (read-only telemetry) and settings (configuration values).
// Access is protected by a SCRAM-style challenge-response login that
// derives a symmetric session key; payloads of authenticated calls are
// sealed under that key and every call transparently recovers once
// from an expired session.
package plenticore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	apiBasePath      = "/api/v1/"
	maxResponseBytes = 4 << 20

	defaultLoginTimeout   = 30 * time.Second
	defaultLogDataTimeout = 6 * time.Minute
)

// Client talks to one inverter. All exported methods are safe for
// concurrent use; concurrent callers that need a session share a
// single login handshake.
type Client struct {
	mu sync.Mutex

	address      string
	baseURL      *url.URL
	httpClient   *http.Client
	logger       *slog.Logger
	notification Notification
	sessionCache SessionCache
	timeout      time.Duration
	loginTimeout time.Duration
	language     string

	creds *Credentials
	state authState
	sess  *session

	loginGroup singleflight.Group

	catalog catalog
}

// NewClient creates a client for the inverter reachable at address,
// e.g. "http://192.168.1.30" or a bare host name (http and port 80 are
// assumed). No request is made until the first operation.
func NewClient(address string, opts ...OptionFunc) (*Client, error) {
	if address == "" {
		return nil, fmt.Errorf("invalid or missing inverter address")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing inverter address: %w", err)
	}
	base.Path = apiBasePath

	client := &Client{
		address:      base.Host,
		baseURL:      base,
		httpClient:   http.DefaultClient,
		logger:       slog.Default(),
		notification: NilNotification,
		loginTimeout: defaultLoginTimeout,
	}
	for _, o := range opts {
		if err := o(client); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (c *Client) createURL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.baseURL.String() + path
	}
	return c.baseURL.ResolveReference(ref).String()
}

// callContext applies the client-wide default timeout when the caller
// did not set a deadline of its own.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// roundTrip performs one HTTP exchange. When sess carries a protocol
// key, a request payload is sealed into the encrypted envelope and an
// envelope-shaped response is opened and verified before decoding.
// Responses answered in the clear pass through unchanged, since the
// exact framing varies between device firmwares.
func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload, out any, sess *session) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &Error{Kind: KindProtocol, Op: op, Err: err}
		}
		if sess != nil && sess.protocolKey != nil {
			env, err := sealEnvelope(sess.protocolKey, raw)
			if err != nil {
				return &Error{Kind: KindProtocol, Op: op, Err: err}
			}
			if raw, err = json.Marshal(env); err != nil {
				return &Error{Kind: KindProtocol, Op: op, Err: err}
			}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.createURL(path), body)
	if err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if sess != nil && sess.id != "" {
		req.Header.Set("authorization", "Session "+sess.id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}

	if sess != nil && sess.protocolKey != nil {
		if env, ok := parseEnvelope(data); ok {
			plain, err := openEnvelope(sess.protocolKey, env)
			if err != nil {
				return &Error{Kind: KindProtocol, Op: op, Err: err}
			}
			data = plain
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindProtocol, Op: op, Message: "malformed device response", Err: err}
	}
	return nil
}

// sessionDo is the secure channel around one authenticated operation:
// it ensures a session exists, performs the exchange, and on a session
// rejection re-negotiates exactly once and replays the request. A
// second rejection is surfaced unchanged.
func (c *Client) sessionDo(ctx context.Context, op, method, path string, payload, out any) error {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}

	err = c.roundTrip(ctx, op, method, path, payload, out, sess)
	if err == nil || !sessionRejected(err) {
		return err
	}

	c.logger.Debug("session rejected, re-negotiating once", "op", op)
	c.invalidateSession(sess)
	c.notification.SessionError(err)

	sess, err = c.negotiate(ctx)
	if err != nil {
		return err
	}
	return c.roundTrip(ctx, op, method, path, payload, out, sess)
}

func (c *Client) ensureSession(ctx context.Context) (*session, error) {
	if sess := c.currentSession(); sess != nil {
		return sess, nil
	}
	return c.negotiate(ctx)
}

// Me returns the authorization state of the current session. No login
// is required, which makes it suitable for probing a cached session.
func (c *Client) Me(ctx context.Context) (*MeData, error) {
	var me MeData
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if err := c.roundTrip(ctx, "me", "GET", "auth/me", nil, &me, sess); err != nil {
		return nil, err
	}
	return &me, nil
}

// Version returns information about the device API. No login required.
func (c *Client) Version(ctx context.Context) (*VersionData, error) {
	var version VersionData
	if err := c.roundTrip(ctx, "version", "GET", "info/version", nil, &version, nil); err != nil {
		return nil, err
	}
	return &version, nil
}

// supportedLanguages maps language codes to the variants the device
// can localize events in.
var supportedLanguages = map[string][]string{
	"de": {"de"},
	"en": {"gb"},
	"es": {"es"},
	"fr": {"fr"},
	"hu": {"hu"},
	"it": {"it"},
	"nl": {"nl"},
	"pl": {"pl"},
	"pt": {"pt"},
	"cs": {"cz"},
	"el": {"gr"},
	"zh": {"cn"},
}

// normalizeLanguage turns an RFC 1766 code like "de_CH" or "en" into a
// language the device supports, falling back to British English.
func normalizeLanguage(lang string) string {
	lang = strings.ReplaceAll(lang, "_", "-")
	language := strings.ToLower(lang)
	variant := ""
	if idx := strings.Index(language, "-"); idx >= 0 {
		variant = language[idx+1:]
		language = language[:idx]
	}
	variants, ok := supportedLanguages[language]
	if !ok {
		return "en-gb"
	}
	for _, v := range variants {
		if v == variant {
			return language + "-" + variant
		}
	}
	return language + "-" + variants[0]
}

// Events returns the latest localized device events. lang is an
// RFC 1766 code; maxCount limits the number of returned entries.
func (c *Client) Events(ctx context.Context, lang string, maxCount int) ([]EventData, error) {
	if maxCount <= 0 {
		maxCount = 10
	}
	if lang == "" {
		lang = c.language
	}
	request := struct {
		Language string `json:"language"`
		Max      int    `json:"max"`
	}{Language: normalizeLanguage(lang), Max: maxCount}

	var events []EventData
	if err := c.sessionDo(ctx, "events", "POST", "events/latest", request, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// DownloadLogData streams the device log as tab-separated text into w.
// begin and end bound the range by day and may be nil. Log extraction
// is slow on the device, so the call gets a long default deadline
// unless the caller sets its own.
func (c *Client) DownloadLogData(ctx context.Context, w io.Writer, begin, end *time.Time) error {
	const op = "logdata"

	request := map[string]string{}
	if begin != nil {
		request["begin"] = begin.Format("2006-01-02")
	}
	if end != nil {
		request["end"] = end.Format("2006-01-02")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultLogDataTimeout)
		defer cancel()
	}

	stream := func(sess *session) error {
		raw, err := json.Marshal(request)
		if err != nil {
			return &Error{Kind: KindProtocol, Op: op, Err: err}
		}
		if sess.protocolKey != nil {
			env, err := sealEnvelope(sess.protocolKey, raw)
			if err != nil {
				return &Error{Kind: KindProtocol, Op: op, Err: err}
			}
			if raw, err = json.Marshal(env); err != nil {
				return &Error{Kind: KindProtocol, Op: op, Err: err}
			}
		}
		req, err := http.NewRequestWithContext(ctx, "POST", c.createURL("logdata/download"), bytes.NewReader(raw))
		if err != nil {
			return &Error{Kind: KindProtocol, Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("authorization", "Session "+sess.id)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return transportError(op, err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			return statusError(op, resp.StatusCode, data)
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return transportError(op, err)
		}
		return nil
	}

	sess, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	err = stream(sess)
	if err == nil || !sessionRejected(err) {
		return err
	}
	c.invalidateSession(sess)
	sess, err = c.negotiate(ctx)
	if err != nil {
		return err
	}
	return stream(sess)
}
