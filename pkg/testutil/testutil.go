package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudboss/metaboot/pkg/config"
	"github.com/cloudboss/metaboot/pkg/constants"
)

// MetadataService is a fake metadata service. Metadata holds leaf documents
// by path below meta-data/, indexes are generated from the paths. The
// password server runs on a second listener, as on the real platform.
type MetadataService struct {
	Metadata map[string]string
	UserData *string
	Password string
	// AckStatus, when set, is returned for acknowledgment requests.
	AckStatus int

	mu         sync.Mutex
	readyAt    time.Time
	saved      bool
	directives []string
	requests   []string

	metadataServer *httptest.Server
	passwordServer *httptest.Server
}

// NewMetadataService starts the fake service and stops it when the test ends.
func NewMetadataService(t testing.TB, md map[string]string) *MetadataService {
	t.Helper()
	m := &MetadataService{Metadata: md}
	m.metadataServer = httptest.NewServer(http.HandlerFunc(m.serveMetadata))
	m.passwordServer = httptest.NewServer(http.HandlerFunc(m.servePassword))
	t.Cleanup(func() {
		m.metadataServer.Close()
		m.passwordServer.Close()
	})
	return m
}

// ReadyAfter makes the metadata listener answer 503 until d has passed.
func (m *MetadataService) ReadyAfter(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyAt = time.Now().Add(d)
}

// Config returns the defaults pointed at the fake service with short timeouts.
func (m *MetadataService) Config() *config.Config {
	cfg := config.Default()
	cfg.ServiceAddress = m.metadataServer.URL
	cfg.PasswordPort = port(m.passwordServer.URL)
	cfg.Timeout = time.Second
	cfg.Attempts = 2
	cfg.MaxWait = 5 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func (m *MetadataService) URL() string {
	return m.metadataServer.URL
}

// Directives returns the password request directives received so far.
func (m *MetadataService) Directives() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.directives...)
}

// Requests returns the metadata paths requested so far.
func (m *MetadataService) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

func (m *MetadataService) serveMetadata(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, r.URL.Path)

	if time.Now().Before(m.readyAt) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	prefix := "/" + constants.APIVersionDefault + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, prefix)

	if path == "user-data" {
		if m.UserData == nil {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, *m.UserData)
		return
	}

	path, ok := strings.CutPrefix(path, "meta-data/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if len(path) == 0 || strings.HasSuffix(path, "/") {
		entries := m.index(path)
		if len(entries) == 0 {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, strings.Join(entries, "\n"))
		return
	}
	doc, ok := m.Metadata[path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	io.WriteString(w, doc)
}

func (m *MetadataService) index(prefix string) []string {
	seen := map[string]struct{}{}
	for key := range m.Metadata {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if child, _, nested := strings.Cut(rest, "/"); nested {
			seen[child+"/"] = struct{}{}
		} else {
			seen[rest] = struct{}{}
		}
	}
	entries := make([]string, 0, len(seen))
	for e := range seen {
		entries = append(entries, e)
	}
	sort.Strings(entries)
	return entries
}

func (m *MetadataService) servePassword(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := r.Header.Get(constants.HeaderPasswordRequest)
	m.directives = append(m.directives, d)
	switch d {
	case constants.DirectiveSendPassword:
		if m.saved && len(m.Password) > 0 {
			io.WriteString(w, constants.DirectiveSavedPassword)
			return
		}
		io.WriteString(w, m.Password)
	case constants.DirectiveSavedPassword:
		if m.AckStatus != 0 {
			w.WriteHeader(m.AckStatus)
			return
		}
		m.saved = true
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func port(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(u.Port())
	return n
}
