package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"

	"pstnbridge/signalling"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	homeserverURL    string
	domain           string
	userPrefix       string
	listenAddress    string
	appServiceURL    string
	publicURL        string
	registrationPath string
	callVersion      int
	revision         signalling.Revision
	inviteLifetime   int
	queueSize        int
	shutdownTimeout  int

	sipPort       int
	sipPortRange  int
	publicAddress string
	sipTrunk      string
	dialPrefix    string

	pstreamURL         string
	pstreamAPIURL      string
	pstreamDialTimeout int
	pstreamRingTimeout int

	dbType      string
	redisAddr   string
	redisDB     int
	redisPrefix string

	modules []string

	links []LinkSeed
	rooms []RoomSeed
}

// LinkSeed is a control room link declared in a [link.<name>] section.
type LinkSeed struct {
	Name    string
	Control string
	Module  string
	Number  string
	Data    map[string]string
}

// RoomSeed is a bridged room declared in a [room.<name>] section.
type RoomSeed struct {
	Name    string
	Room    string
	Control string
	Remote  string
}

var linkKeys = map[string]bool{"control": true, "module": true, "number": true}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("bridge")
	s.homeserverURL = sec.Key("homeserver_url").MustString("http://localhost:8008")
	s.domain = sec.Key("domain").String()
	s.userPrefix = sec.Key("user_prefix").MustString("_pstn_")
	s.listenAddress = sec.Key("listen_address").MustString(":8090")
	s.appServiceURL = sec.Key("url").MustString("http://localhost:8090")
	s.publicURL = strings.TrimSuffix(sec.Key("public_url").MustString(s.appServiceURL), "/")
	s.registrationPath = sec.Key("registration").MustString("registration.yaml")
	s.callVersion = sec.Key("call_version").MustInt(1)
	s.inviteLifetime = sec.Key("invite_lifetime").MustInt(60)
	s.queueSize = sec.Key("queue_size").MustInt(100)
	s.shutdownTimeout = sec.Key("shutdown_timeout").MustInt(10)
	switch rev := sec.Key("signalling_revision").MustString("party_id"); rev {
	case "party_id":
		s.revision = signalling.RevisionPartyID
	case "legacy":
		s.revision = signalling.RevisionLegacy
	default:
		return nil, fmt.Errorf("unknown signalling_revision %q", rev)
	}

	sec = cfg.Section("sip")
	s.sipPort = sec.Key("port").MustInt(5060)
	s.sipPortRange = sec.Key("port_range").MustInt(0)
	s.publicAddress = sec.Key("public_address").String()
	s.sipTrunk = sec.Key("trunk").String()
	s.dialPrefix = sec.Key("dial_prefix").MustString("+")

	sec = cfg.Section("pstream")
	s.pstreamURL = sec.Key("url").String()
	s.pstreamAPIURL = strings.TrimRight(sec.Key("api_url").String(), "/")
	s.pstreamDialTimeout = sec.Key("dial_timeout").MustInt(10)
	s.pstreamRingTimeout = sec.Key("ring_timeout").MustInt(60)

	sec = cfg.Section("database")
	s.dbType = sec.Key("type").MustString("memory")
	s.redisAddr = sec.Key("redis_address").MustString("localhost:6379")
	s.redisDB = sec.Key("redis_db").MustInt(0)
	s.redisPrefix = sec.Key("redis_prefix").MustString("pstnbridge:")

	sec = cfg.Section("permissions")
	s.modules = sec.Key("modules").Strings(",")

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, "link."):
			link := LinkSeed{
				Name:    strings.TrimPrefix(name, "link."),
				Control: sec.Key("control").String(),
				Module:  sec.Key("module").String(),
				Number:  sec.Key("number").String(),
				Data:    make(map[string]string),
			}
			for _, k := range sec.Keys() {
				if !linkKeys[k.Name()] {
					link.Data[k.Name()] = k.String()
				}
			}
			if link.Control == "" || link.Module == "" || link.Number == "" {
				return nil, fmt.Errorf("[%s] needs control, module and number", name)
			}
			s.links = append(s.links, link)
		case strings.HasPrefix(name, "room."):
			room := RoomSeed{
				Name:    strings.TrimPrefix(name, "room."),
				Room:    sec.Key("room").String(),
				Control: sec.Key("control").String(),
				Remote:  sec.Key("remote").String(),
			}
			if room.Room == "" || room.Control == "" || room.Remote == "" {
				return nil, fmt.Errorf("[%s] needs room, control and remote", name)
			}
			s.rooms = append(s.rooms, room)
		}
	}
	sort.Slice(s.links, func(i, j int) bool { return s.links[i].Name < s.links[j].Name })
	sort.Slice(s.rooms, func(i, j int) bool { return s.rooms[i].Name < s.rooms[j].Name })

	if s.domain == "" {
		return nil, fmt.Errorf("bridge domain must be set")
	}
	if s.dbType != "memory" && s.dbType != "redis" {
		return nil, fmt.Errorf("unknown database type %q", s.dbType)
	}

	return s, nil
}

func (s *Settings) HomeserverURL() string         { return s.homeserverURL }
func (s *Settings) Domain() string                { return s.domain }
func (s *Settings) UserPrefix() string            { return s.userPrefix }
func (s *Settings) ListenAddress() string         { return s.listenAddress }
func (s *Settings) AppServiceURL() string         { return s.appServiceURL }
func (s *Settings) PublicURL() string             { return s.publicURL }
func (s *Settings) RegistrationPath() string      { return s.registrationPath }
func (s *Settings) CallVersion() int              { return s.callVersion }
func (s *Settings) Revision() signalling.Revision { return s.revision }
func (s *Settings) QueueSize() int                { return s.queueSize }

func (s *Settings) InviteLifetime() time.Duration {
	return time.Duration(s.inviteLifetime) * time.Second
}

func (s *Settings) ShutdownTimeout() time.Duration {
	return time.Duration(s.shutdownTimeout) * time.Second
}

func (s *Settings) SIPPort() int          { return s.sipPort }
func (s *Settings) SIPPortRange() int     { return s.sipPortRange }
func (s *Settings) PublicAddress() string { return s.publicAddress }
func (s *Settings) SIPTrunk() string      { return s.sipTrunk }
func (s *Settings) DialPrefix() string    { return s.dialPrefix }

func (s *Settings) PstreamURL() string { return s.pstreamURL }

// PstreamAPIURL is the REST endpoint for text messages. Empty means the
// service default.
func (s *Settings) PstreamAPIURL() string { return s.pstreamAPIURL }

func (s *Settings) PstreamDialTimeout() time.Duration {
	return time.Duration(s.pstreamDialTimeout) * time.Second
}

func (s *Settings) PstreamRingTimeout() time.Duration {
	return time.Duration(s.pstreamRingTimeout) * time.Second
}

func (s *Settings) DatabaseType() string { return s.dbType }
func (s *Settings) RedisAddress() string { return s.redisAddr }
func (s *Settings) RedisDB() int         { return s.redisDB }
func (s *Settings) RedisPrefix() string  { return s.redisPrefix }

// Modules is the module allow-list; empty allows every module.
func (s *Settings) Modules() []string { return s.modules }

func (s *Settings) Links() []LinkSeed { return s.links }
func (s *Settings) Rooms() []RoomSeed { return s.rooms }
