package plenticore_test

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	plenticore "github.com/openplenti/go-plenticore"
)

// fakeDevice emulates the inverter's REST API including the full
// challenge-response handshake, so client tests exercise the real
// crypto against an independent server-side implementation.
type fakeDevice struct {
	t      *testing.T
	mux    *http.ServeMux
	server *httptest.Server

	password    string
	masterKey   string
	serviceCode string
	salt        []byte
	rounds      int

	mu           sync.Mutex
	transactions map[string]*deviceTransaction
	sessions     map[string][]byte
	sessionSeq   int

	startCalls   int
	requestCount int
	dataCalls    map[string]int
	rejectNext   int
	seenSessions []string
	sealResponse bool
	holdLogin    chan struct{}
	loginReached chan struct{}

	modules       []plenticore.Module
	processData   map[string][]string
	processValues map[string]plenticore.ProcessDataCollection
	settings      map[string][]plenticore.SettingData
	settingValues map[string]map[string]string
	lastWrite     []byte
	lastLanguage  string
	lastLogRaw    []byte
	lastLogBegin  string
}

type deviceTransaction struct {
	user        string
	clientNonce []byte
	serverNonce []byte
	authMsg     string
	storedKey   []byte
	protocolKey []byte
	token       string
}

func newFakeDevice(t *testing.T) *fakeDevice {
	d := &fakeDevice{
		t:            t,
		mux:          http.NewServeMux(),
		password:     "secret-password",
		masterKey:    "master-device-id",
		serviceCode:  "12345",
		salt:         []byte("0123456789abcdef"),
		rounds:       4096,
		transactions: map[string]*deviceTransaction{},
		sessions:     map[string][]byte{},
		dataCalls:    map[string]int{},
		processData:  map[string][]string{},
		settings:     map[string][]plenticore.SettingData{},
	}
	d.registerAuthHandlers()
	d.registerDataHandlers()
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.requestCount++
		d.mu.Unlock()
		d.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(d.server.Close)
	return d
}

func (d *fakeDevice) url() string {
	return d.server.URL
}

func (d *fakeDevice) requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestCount
}

func (d *fakeDevice) logins() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startCalls
}

func (d *fakeDevice) rejectNextRequests(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectNext = n
}

// Server-side SCRAM helpers, implemented independently of the client.

func deviceHMAC(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func (d *fakeDevice) keyFor(user string) string {
	if user == "master" {
		return d.masterKey
	}
	return d.password
}

func deviceGCM(key []byte) cipher.AEAD {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		panic(err)
	}
	return gcm
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (d *fakeDevice) registerAuthHandlers() {
	b64 := base64.StdEncoding

	d.mux.HandleFunc("/api/v1/auth/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var request struct {
			Username string `json:"username"`
			Nonce    string `json:"nonce"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request")
			return
		}
		clientNonce, err := b64.DecodeString(request.Nonce)
		if err != nil || len(clientNonce) == 0 {
			writeError(w, http.StatusBadRequest, "malformed nonce")
			return
		}
		serverNonce := make([]byte, 16)
		_, _ = rand.Read(serverNonce)
		txID := make([]byte, 16)
		_, _ = rand.Read(txID)

		authMsg := fmt.Sprintf("n=%s,r=%s,r=%s,s=%s,i=%d,c=biws,r=%s",
			request.Username, b64.EncodeToString(clientNonce), b64.EncodeToString(serverNonce),
			b64.EncodeToString(d.salt), d.rounds, b64.EncodeToString(serverNonce))

		d.mu.Lock()
		d.startCalls++
		d.transactions[b64.EncodeToString(txID)] = &deviceTransaction{
			user:        request.Username,
			clientNonce: clientNonce,
			serverNonce: serverNonce,
			authMsg:     authMsg,
		}
		hold := d.holdLogin
		reached := d.loginReached
		d.mu.Unlock()

		if reached != nil {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
		if hold != nil {
			<-hold
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"nonce":         b64.EncodeToString(serverNonce),
			"transactionId": b64.EncodeToString(txID),
			"salt":          b64.EncodeToString(d.salt),
			"rounds":        d.rounds,
		})
	})

	d.mux.HandleFunc("/api/v1/auth/finish", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var request struct {
			TransactionID string `json:"transactionId"`
			Proof         string `json:"proof"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request")
			return
		}
		d.mu.Lock()
		tx, ok := d.transactions[request.TransactionID]
		d.mu.Unlock()
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown transaction")
			return
		}

		saltedKey := pbkdf2.Key([]byte(d.keyFor(tx.user)), d.salt, d.rounds, sha256.Size, sha256.New)
		clientKey := deviceHMAC(saltedKey, []byte("Client Key"))
		storedSum := sha256.Sum256(clientKey)
		storedKey := storedSum[:]
		serverKey := deviceHMAC(saltedKey, []byte("Server Key"))

		proof, err := b64.DecodeString(request.Proof)
		if err != nil || len(proof) != len(clientKey) {
			writeError(w, http.StatusBadRequest, "malformed proof")
			return
		}
		clientSignature := deviceHMAC(storedKey, []byte(tx.authMsg))
		recovered := make([]byte, len(proof))
		for i := range proof {
			recovered[i] = proof[i] ^ clientSignature[i]
		}
		recoveredSum := sha256.Sum256(recovered)
		if !hmac.Equal(recoveredSum[:], storedKey) {
			writeError(w, http.StatusBadRequest, "authentication failed")
			return
		}

		token := make([]byte, 16)
		_, _ = rand.Read(token)
		d.mu.Lock()
		tx.storedKey = storedKey
		tx.token = fmt.Sprintf("%x", token)
		tx.protocolKey = deviceHMAC(storedKey, []byte("Session Key"), []byte(tx.authMsg), recovered)
		d.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]string{
			"token":     tx.token,
			"signature": b64.EncodeToString(deviceHMAC(serverKey, []byte(tx.authMsg))),
		})
	})

	d.mux.HandleFunc("/api/v1/auth/create_session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var request struct {
			TransactionID string `json:"transactionId"`
			IV            string `json:"iv"`
			Tag           string `json:"tag"`
			Payload       string `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request")
			return
		}
		d.mu.Lock()
		tx, ok := d.transactions[request.TransactionID]
		d.mu.Unlock()
		if !ok || tx.protocolKey == nil {
			writeError(w, http.StatusBadRequest, "unknown transaction")
			return
		}

		nonce, _ := b64.DecodeString(request.IV)
		tag, _ := b64.DecodeString(request.Tag)
		ciphertext, _ := b64.DecodeString(request.Payload)
		plaintext, err := deviceGCM(tx.protocolKey).Open(nil, nonce, append(ciphertext, tag...), nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payload verification failed")
			return
		}

		expected := tx.token
		if tx.user == "master" {
			expected = tx.token + ":" + d.serviceCode
		}
		if string(plaintext) != expected {
			writeError(w, http.StatusBadRequest, "authentication failed")
			return
		}

		d.mu.Lock()
		d.sessionSeq++
		sessionID := fmt.Sprintf("session-%d", d.sessionSeq)
		d.sessions[sessionID] = tx.protocolKey
		d.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
	})

	d.mux.HandleFunc("/api/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromHeader(r)
		d.mu.Lock()
		_, active := d.sessions[sessionID]
		d.mu.Unlock()
		role := "NONE"
		if active {
			role = "USER"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"locked": false, "active": active, "authenticated": active,
			"anonymous": !active, "permissions": []string{}, "role": role,
		})
	})

	d.mux.HandleFunc("/api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromHeader(r)
		d.mu.Lock()
		delete(d.sessions, sessionID)
		d.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{})
	})

	d.mux.HandleFunc("/api/v1/info/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name": "PUCK RESTful API", "hostname": "scb",
			"api_version": "0.2.0", "sw_version": "01.26.09454",
		})
	})
}

func sessionIDFromHeader(r *http.Request) string {
	header := r.Header.Get("authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Session" {
		return ""
	}
	return parts[1]
}

// authorize validates the session header on a data endpoint and
// applies any scripted rejections. It returns the session's protocol
// key for unsealing request bodies.
func (d *fakeDevice) authorize(w http.ResponseWriter, r *http.Request, endpoint string) ([]byte, bool) {
	d.mu.Lock()
	d.dataCalls[endpoint]++
	sessionID := sessionIDFromHeader(r)
	key, active := d.sessions[sessionID]
	d.seenSessions = append(d.seenSessions, sessionID)
	reject := false
	if d.rejectNext > 0 {
		d.rejectNext--
		reject = true
	}
	d.mu.Unlock()

	if reject || !active {
		writeError(w, http.StatusUnauthorized, "session expired")
		return nil, false
	}
	return key, true
}

// openBody returns the request body, unsealing the encrypted envelope
// when the client sent one.
func (d *fakeDevice) openBody(r *http.Request, key []byte) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return d.unseal(data, key)
}

func (d *fakeDevice) unseal(data, key []byte) ([]byte, error) {
	var env struct {
		IV      string `json:"iv"`
		Tag     string `json:"tag"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.IV == "" || env.Tag == "" || env.Payload == "" {
		return data, nil
	}
	b64 := base64.StdEncoding
	nonce, _ := b64.DecodeString(env.IV)
	tag, _ := b64.DecodeString(env.Tag)
	ciphertext, _ := b64.DecodeString(env.Payload)
	return deviceGCM(key).Open(nil, nonce, append(ciphertext, tag...), nil)
}

// reply writes v as JSON, sealed under the session key when the
// fixture is configured to answer encrypted.
func (d *fakeDevice) reply(w http.ResponseWriter, key []byte, v any) {
	d.mu.Lock()
	sealed := d.sealResponse
	d.mu.Unlock()
	if !sealed {
		writeJSON(w, http.StatusOK, v)
		return
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshal failed")
		return
	}
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	out := deviceGCM(key).Seal(nil, nonce, plaintext, nil)
	b64 := base64.StdEncoding
	writeJSON(w, http.StatusOK, map[string]string{
		"iv":      b64.EncodeToString(nonce),
		"tag":     b64.EncodeToString(out[len(out)-16:]),
		"payload": b64.EncodeToString(out[:len(out)-16]),
	})
}

func (d *fakeDevice) registerDataHandlers() {
	d.mux.HandleFunc("/api/v1/modules", func(w http.ResponseWriter, r *http.Request) {
		key, ok := d.authorize(w, r, "modules")
		if !ok {
			return
		}
		d.reply(w, key, d.modules)
	})

	d.mux.HandleFunc("/api/v1/processdata", func(w http.ResponseWriter, r *http.Request) {
		key, ok := d.authorize(w, r, "processdata")
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			response := make([]map[string]any, 0, len(d.processData))
			for _, moduleID := range sortedModuleIDs(d.processData) {
				response = append(response, map[string]any{
					"moduleid": moduleID, "processdataids": d.processData[moduleID],
				})
			}
			d.reply(w, key, response)
		case http.MethodPost:
			body, err := d.openBody(r, key)
			if err != nil {
				writeError(w, http.StatusBadRequest, "payload verification failed")
				return
			}
			var request []struct {
				ModuleID       string   `json:"moduleid"`
				ProcessDataIDs []string `json:"processdataids"`
			}
			if err := json.Unmarshal(body, &request); err != nil {
				writeError(w, http.StatusBadRequest, "malformed request")
				return
			}
			response := make([]map[string]any, 0, len(request))
			for _, m := range request {
				collection, ok := d.processValues[m.ModuleID]
				if !ok {
					writeError(w, http.StatusNotFound, "module not found")
					return
				}
				selected := collection
				if len(m.ProcessDataIDs) > 0 {
					selected = nil
					for _, id := range m.ProcessDataIDs {
						pd, ok := collection.ByID(id)
						if !ok {
							writeError(w, http.StatusNotFound, "processdata not found")
							return
						}
						selected = append(selected, pd)
					}
				}
				response = append(response, map[string]any{
					"moduleid": m.ModuleID, "processdata": selected,
				})
			}
			d.reply(w, key, response)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	d.mux.HandleFunc("/api/v1/processdata/", func(w http.ResponseWriter, r *http.Request) {
		key, ok := d.authorize(w, r, "processdata")
		if !ok {
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/processdata/")
		parts := strings.SplitN(rest, "/", 2)
		moduleID := parts[0]
		collection, found := d.processValues[moduleID]
		if !found {
			writeError(w, http.StatusNotFound, "module not found")
			return
		}
		selected := collection
		if len(parts) == 2 {
			selected = nil
			for _, id := range strings.Split(parts[1], ",") {
				pd, ok := collection.ByID(id)
				if !ok {
					writeError(w, http.StatusNotFound, "processdata not found")
					return
				}
				selected = append(selected, pd)
			}
		}
		d.reply(w, key, []map[string]any{{"moduleid": moduleID, "processdata": selected}})
	})

	d.mux.HandleFunc("/api/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		key, ok := d.authorize(w, r, "settings")
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			response := make([]map[string]any, 0, len(d.settings))
			for _, moduleID := range sortedModuleIDs(d.settings) {
				response = append(response, map[string]any{
					"moduleid": moduleID, "settings": d.settings[moduleID],
				})
			}
			d.reply(w, key, response)
		case http.MethodPut:
			body, err := d.openBody(r, key)
			if err != nil {
				writeError(w, http.StatusBadRequest, "payload verification failed")
				return
			}
			d.mu.Lock()
			d.lastWrite = body
			d.mu.Unlock()
			d.reply(w, key, map[string]string{})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	d.mux.HandleFunc("/api/v1/settings/", func(w http.ResponseWriter, r *http.Request) {
		key, ok := d.authorize(w, r, "settings")
		if !ok {
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/settings/")
		parts := strings.SplitN(rest, "/", 2)
		moduleValues, found := d.settingValues[parts[0]]
		if !found {
			writeError(w, http.StatusNotFound, "module not found")
			return
		}
		var response []map[string]string
		if len(parts) == 2 {
			for _, id := range strings.Split(parts[1], ",") {
				value, ok := moduleValues[id]
				if !ok {
					writeError(w, http.StatusNotFound, "setting not found")
					return
				}
				response = append(response, map[string]string{"id": id, "value": value})
			}
		} else {
			for id, value := range moduleValues {
				response = append(response, map[string]string{"id": id, "value": value})
			}
		}
		d.reply(w, key, response)
	})

	d.mux.HandleFunc("/api/v1/events/latest", func(w http.ResponseWriter, r *http.Request) {
		key, ok := d.authorize(w, r, "events")
		if !ok {
			return
		}
		body, err := d.openBody(r, key)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payload verification failed")
			return
		}
		var request struct {
			Language string `json:"language"`
			Max      int    `json:"max"`
		}
		if err := json.Unmarshal(body, &request); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request")
			return
		}
		d.mu.Lock()
		d.lastLanguage = request.Language
		d.mu.Unlock()
		d.reply(w, key, []map[string]any{{
			"start_time": "2023-02-24T23:54:20", "end_time": "2023-02-24T23:56:22",
			"code": 5014, "category": "info", "group": "Information",
			"description": "AC power limited", "long_description": "AC power limited",
			"is_active": false,
		}})
	})

	d.mux.HandleFunc("/api/v1/logdata/download", func(w http.ResponseWriter, r *http.Request) {
		key, ok := d.authorize(w, r, "logdata")
		if !ok {
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed request")
			return
		}
		body, err := d.unseal(raw, key)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payload verification failed")
			return
		}
		var request struct {
			Begin string `json:"begin"`
			End   string `json:"end"`
		}
		if err := json.Unmarshal(body, &request); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request")
			return
		}
		d.mu.Lock()
		d.lastLogRaw = raw
		d.lastLogBegin = request.Begin
		d.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("time\tvalue\n2023-01-01\t42\n"))
	})
}

func sortedModuleIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
