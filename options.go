package plenticore

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type OptionFunc func(*Client) error

// WithHTTPClient replaces the default http.Client, e.g. to set custom
// transports or proxies. TLS termination, if any, is the transport's
// responsibility.
func WithHTTPClient(httpClient *http.Client) OptionFunc {
	return func(client *Client) error {
		if httpClient == nil {
			return fmt.Errorf("nil http client")
		}
		client.httpClient = httpClient
		return nil
	}
}

// WithTimeout sets a default per-call deadline applied when the
// caller's context has none. A timed-out call does not invalidate the
// session.
func WithTimeout(timeout time.Duration) OptionFunc {
	return func(client *Client) error {
		client.timeout = timeout
		return nil
	}
}

// WithLoginTimeout bounds the detached login handshake.
func WithLoginTimeout(timeout time.Duration) OptionFunc {
	return func(client *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("login timeout must be positive")
		}
		client.loginTimeout = timeout
		return nil
	}
}

// WithLogger routes the client's debug logging to the given logger.
func WithLogger(logger *slog.Logger) OptionFunc {
	return func(client *Client) error {
		if logger == nil {
			return fmt.Errorf("nil logger")
		}
		client.logger = logger
		return nil
	}
}

// WithNotification registers an observer for session lifecycle events.
func WithNotification(notification Notification) OptionFunc {
	return func(client *Client) error {
		if notification == nil {
			notification = NilNotification
		}
		client.notification = notification
		return nil
	}
}

// WithCredentials configures credentials without logging in. The first
// operation that needs a session negotiates one lazily.
func WithCredentials(creds Credentials) OptionFunc {
	return func(client *Client) error {
		if !creds.valid() {
			return fmt.Errorf("credentials contain no password or master key")
		}
		client.creds = &creds
		return nil
	}
}

// WithSessionCache persists the session id between processes. A cached
// id is probed on Login and dropped when the device rejects it.
func WithSessionCache(cache SessionCache) OptionFunc {
	return func(client *Client) error {
		client.sessionCache = cache
		return nil
	}
}

// WithUserLanguage sets the default language for localized event
// texts, e.g. "de" or "en_GB".
func WithUserLanguage(lang string) OptionFunc {
	return func(client *Client) error {
		client.language = lang
		return nil
	}
}
