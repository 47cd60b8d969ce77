// Package desiredstate loads the single declared source of truth for hosts,
// ports and URLs that every probe compares against.
package desiredstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/fsutil"
)

const (
	DefaultHost             = "127.0.0.1"
	DefaultFrontendPort     = 3002
	DefaultAPIPort          = 5005
	DefaultProductionOrigin = "https://picnotebook.com"
)

// State is an immutable snapshot of the declared deployment.
type State struct {
	Host             string
	FrontendPort     int
	APIPort          int
	FrontendURL      string
	APIURL           string
	ProductionOrigin string
}

// Defaults returns the built-in desired state used on first run.
func Defaults() State {
	return State{
		Host:             DefaultHost,
		FrontendPort:     DefaultFrontendPort,
		APIPort:          DefaultAPIPort,
		FrontendURL:      fmt.Sprintf("http://%s:%d", DefaultHost, DefaultFrontendPort),
		APIURL:           fmt.Sprintf("http://%s:%d", DefaultHost, DefaultAPIPort),
		ProductionOrigin: DefaultProductionOrigin,
	}
}

// IsDeclaredPort reports whether port is the frontend or API port.
func (s State) IsDeclaredPort(port int) bool {
	return port == s.FrontendPort || port == s.APIPort
}

// URLForPort returns the declared URL served on port, or "" when port is not
// declared.
func (s State) URLForPort(port int) string {
	switch port {
	case s.APIPort:
		return s.APIURL
	case s.FrontendPort:
		return s.FrontendURL
	default:
		return ""
	}
}

// document is the on-disk JSON shape.
type document struct {
	Host  string `json:"host,omitempty"`
	Ports *struct {
		Frontend *int `json:"frontend"`
		API      *int `json:"api"`
	} `json:"ports"`
	URLs *struct {
		Frontend *string `json:"frontend"`
		API      *string `json:"api"`
	} `json:"urls"`
	ProductionOrigin string `json:"production_origin,omitempty"`
}

type portsDoc struct {
	Frontend int `json:"frontend"`
	API      int `json:"api"`
}

type urlsDoc struct {
	Frontend string `json:"frontend"`
	API      string `json:"api"`
}

type outputDoc struct {
	Host             string   `json:"host"`
	Ports            portsDoc `json:"ports"`
	URLs             urlsDoc  `json:"urls"`
	ProductionOrigin string   `json:"production_origin"`
}

// Store reads the desired-state document from Path.
type Store struct {
	Path string

	mu sync.Mutex
}

// NewStore creates a store backed by path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load reads the document. A missing file is replaced with Defaults, which are
// persisted so later loads return the same values.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		state := Defaults()
		if err := s.save(state); err != nil {
			return State{}, cwerrors.NewConfigLoadError(s.Path, "write defaults", err)
		}
		log.Info().Str("path", s.Path).Msg("Desired-state file not found; wrote defaults")
		return state, nil
	}
	if err != nil {
		return State{}, cwerrors.NewConfigLoadError(s.Path, "read", err)
	}

	state, err := Parse(data)
	if err != nil {
		return State{}, cwerrors.NewConfigLoadError(s.Path, "invalid document", err)
	}
	return state, nil
}

// Save persists state atomically.
func (s *Store) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(state)
}

func (s *Store) save(state State) error {
	return fsutil.WriteJSONAtomic(s.Path, outputDoc{
		Host:             state.Host,
		Ports:            portsDoc{Frontend: state.FrontendPort, API: state.APIPort},
		URLs:             urlsDoc{Frontend: state.FrontendURL, API: state.APIURL},
		ProductionOrigin: state.ProductionOrigin,
	})
}

// Parse decodes and validates a desired-state document.
func Parse(data []byte) (State, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return State{}, fmt.Errorf("decode JSON: %w", err)
	}

	var missing []string
	if doc.URLs == nil || doc.URLs.Frontend == nil {
		missing = append(missing, "urls.frontend")
	}
	if doc.URLs == nil || doc.URLs.API == nil {
		missing = append(missing, "urls.api")
	}
	if doc.Ports == nil || doc.Ports.Frontend == nil {
		missing = append(missing, "ports.frontend")
	}
	if doc.Ports == nil || doc.Ports.API == nil {
		missing = append(missing, "ports.api")
	}
	if len(missing) > 0 {
		return State{}, fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}

	state := State{
		Host:             strings.TrimSpace(doc.Host),
		FrontendPort:     *doc.Ports.Frontend,
		APIPort:          *doc.Ports.API,
		FrontendURL:      strings.TrimRight(strings.TrimSpace(*doc.URLs.Frontend), "/"),
		APIURL:           strings.TrimRight(strings.TrimSpace(*doc.URLs.API), "/"),
		ProductionOrigin: strings.TrimRight(strings.TrimSpace(doc.ProductionOrigin), "/"),
	}
	if state.ProductionOrigin == "" {
		state.ProductionOrigin = DefaultProductionOrigin
	}

	for name, port := range map[string]int{"ports.frontend": state.FrontendPort, "ports.api": state.APIPort} {
		if port < 1 || port > 65535 {
			return State{}, fmt.Errorf("%s: port %d out of range", name, port)
		}
	}

	apiHost, err := validateURL("urls.api", state.APIURL, state.APIPort)
	if err != nil {
		return State{}, err
	}
	if _, err := validateURL("urls.frontend", state.FrontendURL, state.FrontendPort); err != nil {
		return State{}, err
	}
	if state.Host == "" {
		state.Host = apiHost
	}
	return state, nil
}

// validateURL checks raw and that it listens on port, counting the scheme
// default when no port is written. It returns the URL's host.
func validateURL(name, raw string, port int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%s: unsupported scheme %q", name, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%s: missing host", name)
	}

	effective := 80
	if u.Scheme == "https" {
		effective = 443
	}
	if p := u.Port(); p != "" {
		if effective, err = strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("%s: invalid port %q", name, p)
		}
	}
	if effective != port {
		portKey := "ports." + strings.TrimPrefix(name, "urls.")
		return "", fmt.Errorf("%s: port %d disagrees with %s %d", name, effective, portKey, port)
	}
	return u.Hostname(), nil
}

// Origin returns scheme://host:port for a URL, dropping any path.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// HostPort splits the host and numeric port out of a URL. Port is 0 when the
// URL carries none.
func HostPort(raw string) (string, int) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Hostname(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
