package plenticore

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"time"
)

// authState tracks the login handshake. Transitions are guarded: a
// failure in any step drops back to stateUnauthenticated without
// retaining partial key material.
type authState int

const (
	stateUnauthenticated authState = iota
	stateNegotiatingKeys
	stateProvingIdentity
	stateAuthenticated
	stateInvalidated
)

func (s authState) String() string {
	switch s {
	case stateUnauthenticated:
		return "Unauthenticated"
	case stateNegotiatingKeys:
		return "NegotiatingKeys"
	case stateProvingIdentity:
		return "ProvingIdentity"
	case stateAuthenticated:
		return "Authenticated"
	case stateInvalidated:
		return "Invalidated"
	default:
		return "Unknown"
	}
}

// session is the negotiated relationship with the device. It is owned
// by the negotiator; the secure channel only reads it. A session
// restored from a cache carries no protocol key and therefore cannot
// seal payloads.
type session struct {
	id          string
	protocolKey []byte
	role        string
	createdAt   time.Time
}

// Wire shapes of the three handshake endpoints.

type authStartRequest struct {
	Username string `json:"username"`
	Nonce    string `json:"nonce"`
}

type authStartResponse struct {
	Nonce         string `json:"nonce"`
	TransactionID string `json:"transactionId"`
	Salt          string `json:"salt"`
	Rounds        int    `json:"rounds"`
}

type authFinishRequest struct {
	TransactionID string `json:"transactionId"`
	Proof         string `json:"proof"`
}

type authFinishResponse struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
}

type createSessionRequest struct {
	TransactionID string `json:"transactionId"`
	IV            string `json:"iv"`
	Tag           string `json:"tag"`
	Payload       string `json:"payload"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// Login authenticates against the device with the given credentials
// and keeps them for automatic session recovery. A credential rejection
// is surfaced as an authentication error and is not retried.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	if !creds.valid() {
		return &Error{Kind: KindAuthenticationFailed, Op: "login", Message: "no password or master key given"}
	}

	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()

	// Try a cached session id before paying for a full handshake.
	if c.reuseCachedSession(ctx) {
		return nil
	}

	_, err := c.negotiate(ctx)
	return err
}

// reuseCachedSession probes a persisted session id with auth/me and
// adopts it when the device still accepts it.
func (c *Client) reuseCachedSession(ctx context.Context) bool {
	if c.sessionCache == nil {
		return false
	}
	id, err := c.sessionCache.ReadSessionID()
	if err != nil || id == "" {
		return false
	}

	probe := &session{id: id}
	var me MeData
	if err := c.roundTrip(ctx, "me", "GET", "auth/me", nil, &me, probe); err != nil {
		return false
	}
	if !me.IsAuthenticated {
		return false
	}

	c.mu.Lock()
	c.sess = &session{id: id, role: me.Role, createdAt: time.Now()}
	c.state = stateAuthenticated
	c.mu.Unlock()

	c.logger.Debug("reusing cached session", "host", c.address)
	c.notification.SessionReused(id)
	return true
}

// Logout invalidates the session on the device and forgets all key
// material and credentials.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.creds = nil
	c.sess = nil
	c.state = stateInvalidated
	c.mu.Unlock()

	if c.sessionCache != nil {
		_ = c.sessionCache.Remove()
	}
	if sess == nil {
		return nil
	}
	return c.roundTrip(ctx, "logout", "POST", "auth/logout", nil, nil, sess)
}

// negotiate runs the login handshake, collapsing concurrent callers
// onto a single in-flight negotiation. The handshake itself runs
// detached from any single caller's context so that an abandoned
// caller does not break the session for the remaining waiters.
func (c *Client) negotiate(ctx context.Context) (*session, error) {
	ch := c.loginGroup.DoChan("login", func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.Background(), c.loginTimeout)
		defer cancel()
		return c.login(lctx)
	})

	select {
	case <-ctx.Done():
		return nil, transportError("login", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session), nil
	}
}

// login is the three step handshake. It must only run through
// negotiate, which guarantees at most one concurrent execution.
func (c *Client) login(ctx context.Context) (*session, error) {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	if creds == nil || !creds.valid() {
		return nil, &Error{Kind: KindAuthenticationFailed, Op: "login", Message: "no credentials configured"}
	}
	user := creds.username()

	c.setState(stateNegotiatingKeys)
	c.notification.LoginStarted(user)

	sess, err := c.handshake(ctx, *creds, user)
	if err != nil {
		c.setState(stateUnauthenticated)
		c.notification.LoginFailed(err)
		return nil, err
	}

	c.mu.Lock()
	c.sess = sess
	c.state = stateAuthenticated
	c.catalog = catalog{}
	c.mu.Unlock()

	if c.sessionCache != nil {
		if err := c.sessionCache.WriteSessionID(sess.id); err != nil {
			c.logger.Debug("writing session cache failed", "error", err)
		}
	}
	c.logger.Debug("session established", "role", sess.role)
	c.notification.LoginSucceeded(sess.id)
	return sess, nil
}

func (c *Client) handshake(ctx context.Context, creds Credentials, user string) (*session, error) {
	// Step 1: exchange nonces, learn salt and round count.
	clientNonce, err := randomBytes(clientNonceSize)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "login", Err: err}
	}
	var start authStartResponse
	startReq := authStartRequest{
		Username: user,
		Nonce:    base64.StdEncoding.EncodeToString(clientNonce),
	}
	if err := c.roundTrip(ctx, "login", "POST", "auth/start", startReq, &start, nil); err != nil {
		return nil, err
	}
	serverNonce, err := base64.StdEncoding.DecodeString(start.Nonce)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "login", Message: "malformed server nonce", Err: err}
	}
	salt, err := base64.StdEncoding.DecodeString(start.Salt)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "login", Message: "malformed salt", Err: err}
	}
	if start.Rounds <= 0 {
		return nil, &Error{Kind: KindProtocol, Op: "login", Message: "device announced a non-positive round count"}
	}

	// Step 2: derive keys and prove knowledge of the password.
	c.setState(stateProvingIdentity)

	saltedKey := deriveKey(creds.key(), salt, start.Rounds)
	clientKey, storedKey, serverKey := scramKeys(saltedKey)
	authMsg := authMessage(user, clientNonce, serverNonce, salt, start.Rounds)
	proof := computeProof(clientKey, storedKey, authMsg)

	var finish authFinishResponse
	finishReq := authFinishRequest{
		TransactionID: start.TransactionID,
		Proof:         base64.StdEncoding.EncodeToString(proof),
	}
	if err := c.roundTrip(ctx, "login", "POST", "auth/finish", finishReq, &finish, nil); err != nil {
		return nil, err
	}

	// The device must prove it knows the password too.
	signature, err := base64.StdEncoding.DecodeString(finish.Signature)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "login", Message: "malformed server signature", Err: err}
	}
	if !hmac.Equal(signature, serverSignature(serverKey, authMsg)) {
		return nil, &Error{Kind: KindProtocol, Op: "login", Message: "server signature mismatch"}
	}

	// Step 3: seal the token under the session protocol key. Installer
	// access additionally proves the service code in the same payload.
	protocolKey := sessionProtocolKey(storedKey, authMsg, clientKey)
	token := finish.Token
	if user == "master" {
		token = token + ":" + creds.ServiceCode
	}
	env, err := sealEnvelope(protocolKey, []byte(token))
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "login", Err: err}
	}

	var created createSessionResponse
	sessionReq := createSessionRequest{
		TransactionID: start.TransactionID,
		IV:            env.IV,
		Tag:           env.Tag,
		Payload:       env.Payload,
	}
	if err := c.roundTrip(ctx, "login", "POST", "auth/create_session", sessionReq, &created, nil); err != nil {
		return nil, err
	}
	if created.SessionID == "" {
		return nil, &Error{Kind: KindProtocol, Op: "login", Message: "device returned an empty session id"}
	}

	role := "user"
	if user == "master" {
		role = "installer"
	}
	return &session{
		id:          created.SessionID,
		protocolKey: protocolKey,
		role:        role,
		createdAt:   time.Now(),
	}, nil
}

func (c *Client) setState(s authState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("auth state changed", "from", prev.String(), "to", s.String())
	}
}

// currentSession returns the active session, or nil.
func (c *Client) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAuthenticated {
		return nil
	}
	return c.sess
}

// invalidateSession drops sess if it is still the active session. A
// concurrent re-negotiation may already have replaced it, in which
// case the newer session stays untouched.
func (c *Client) invalidateSession(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == sess {
		c.sess = nil
		c.state = stateInvalidated
	}
}

// SessionID returns the identifier of the active session, or the empty
// string when not logged in.
func (c *Client) SessionID() string {
	if sess := c.currentSession(); sess != nil {
		return sess.id
	}
	return ""
}

// Role returns the role granted by the device for the active session.
func (c *Client) Role() string {
	if sess := c.currentSession(); sess != nil {
		return sess.role
	}
	return ""
}
