package matrix

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Registration is the application service registration handed to the
// homeserver.
type Registration struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	Namespaces      Namespaces `yaml:"namespaces"`
	Protocols       []string   `yaml:"protocols"`
	RateLimited     bool       `yaml:"rate_limited"`
}

type Namespaces struct {
	Users   []NamespaceRule `yaml:"users"`
	Aliases []NamespaceRule `yaml:"aliases"`
	Rooms   []NamespaceRule `yaml:"rooms"`
}

type NamespaceRule struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// NewRegistration creates a registration with fresh tokens that claims every
// user under the namespace prefix.
func NewRegistration(id, url string, ns Namespace) *Registration {
	return &Registration{
		ID:              id,
		URL:             url,
		ASToken:         randomToken(),
		HSToken:         randomToken(),
		SenderLocalpart: ns.Prefix,
		Namespaces: Namespaces{
			Users:   []NamespaceRule{{Exclusive: true, Regex: "@" + regexp.QuoteMeta(ns.Prefix) + ".*:" + regexp.QuoteMeta(ns.Server)}},
			Aliases: []NamespaceRule{},
			Rooms:   []NamespaceRule{},
		},
		Protocols:   []string{},
		RateLimited: false,
	}
}

// LoadRegistration reads a registration file.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if reg.ASToken == "" || reg.HSToken == "" {
		return nil, errors.New("registration is missing as_token or hs_token")
	}
	return &reg, nil
}

// Save writes the registration as YAML, readable by the owner only.
func (r *Registration) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
