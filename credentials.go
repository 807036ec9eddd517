package plenticore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Credentials identify the caller to the device. A standard user
// supplies only Password; an installer supplies the master key (also
// called device id) together with the service code.
type Credentials struct {
	Password    string
	MasterKey   string
	ServiceCode string
}

// username returns the identity class the device expects during the
// handshake: "master" when a service code is present, "user" otherwise.
func (c Credentials) username() string {
	if c.ServiceCode != "" {
		return "master"
	}
	return "user"
}

// key returns the secret fed into key derivation.
func (c Credentials) key() string {
	if c.ServiceCode != "" {
		return c.MasterKey
	}
	return c.Password
}

func (c Credentials) valid() bool {
	return c.key() != ""
}

// ParseCredentialsFile reads credentials from a simple textual file.
// Recognized keys are "password" (or "key" / "master-key") and
// "service-code"; a line without '=' is taken as a bare password.
func ParseCredentialsFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found {
			creds.Password = strings.TrimSpace(line)
			return creds, nil
		}
		switch strings.TrimSpace(name) {
		case "password", "key":
			creds.Password = strings.TrimSpace(value)
		case "master-key":
			creds.MasterKey = strings.TrimSpace(value)
		case "service-code":
			creds.ServiceCode = strings.TrimSpace(value)
		}
	}
	if !creds.valid() {
		return Credentials{}, fmt.Errorf("credentials file %s contains no password or master key", path)
	}
	return creds, nil
}

// SessionCache persists a session identifier between process
// invocations. A cached id is only a hint: the client probes it and
// falls back to a full login when the device no longer accepts it.
type SessionCache interface {
	ReadSessionID() (string, error)
	WriteSessionID(id string) error
	Remove() error
}

// FileSessionCache stores the session id in a mode 0600 file below the
// OS temp directory, keyed by host and user.
type FileSessionCache struct {
	path string
}

func NewFileSessionCache(host, user string) *FileSessionCache {
	name := fmt.Sprintf("plenticore-session-%s-%s", host, user)
	return &FileSessionCache{path: filepath.Join(os.TempDir(), name)}
}

func (c *FileSessionCache) ReadSessionID() (string, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *FileSessionCache) WriteSessionID(id string) error {
	return os.WriteFile(c.path, []byte(id), 0o600)
}

func (c *FileSessionCache) Remove() error {
	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
