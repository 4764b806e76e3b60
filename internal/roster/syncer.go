package roster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
	"github.com/PetoAdam/homenavi/office-monitor/internal/observability"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const deviceQuery = `query($params: DeviceFindArgs) {
  deviceSearch(params: $params) {
    edges {
      node {
        id name displayName internalIp connected lastDetected
        hardwareFamily hardwareModel serialNumber softwareVersion
        room { name } site { name }
      }
    }
    pageInfo { totalCount hasNextPage nextToken }
  }
}`

// maxPages bounds a paginated fetch against a cursor that never ends.
const maxPages = 1000

var floorPattern = regexp.MustCompile(`(?i)(\d+)(?:st|nd|rd|th)?\s*floor`)

// StatusError is a non-2xx reply from the partner API.
type StatusError struct {
	Status int
	Body   string
}

func (e StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("partner API returned status %d", e.Status)
	}
	return fmt.Sprintf("partner API returned status %d: %s", e.Status, e.Body)
}

type Store interface {
	ReconcileExternalDevices(ctx context.Context, devices []model.ExternalDevice, at time.Time) error
}

type Config struct {
	AuthURL      string
	APIURL       string
	PageSize     int
	CacheTTL     time.Duration
	DefaultFloor string
	Timeout      time.Duration
	Now          func() time.Time
}

// Syncer mirrors the partner-managed device roster into the store.
type Syncer struct {
	cfg    Config
	store  Store
	tokens *tokenCache
	client *resty.Client
	log    *zap.Logger

	mu        sync.Mutex
	cached    []model.ExternalDevice
	lastFetch time.Time
}

func NewSyncer(cfg Config, creds Credentials, store Store, log *zap.Logger) *Syncer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.DefaultFloor == "" {
		cfg.DefaultFloor = "Floor 1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Syncer{
		cfg:    cfg,
		store:  store,
		tokens: &tokenCache{
			creds:    creds,
			tokenURL: cfg.AuthURL,
			client:   &http.Client{Timeout: cfg.Timeout},
			now:      cfg.Now,
		},
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		log: log,
	}
}

// ResetToken drops the cached access token. Call it when credentials change.
func (s *Syncer) ResetToken() { s.tokens.Reset() }

// LastFetch is the time of the last successful (possibly partial) fetch.
func (s *Syncer) LastFetch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFetch
}

// Sync returns the partner roster, fetching it when the cache is older than
// the TTL or force is set. Upstream failures return the previous roster.
func (s *Syncer) Sync(ctx context.Context, force bool) []model.ExternalDevice {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	if !force && !s.lastFetch.IsZero() && now.Sub(s.lastFetch) < s.cfg.CacheTTL {
		return s.cached
	}

	tok, err := s.tokens.Token(ctx)
	if errors.Is(err, ErrNoCredentials) {
		observability.RosterSyncs.WithLabelValues(observability.SyncSkipped).Inc()
		return s.cached
	}
	if err != nil {
		observability.RosterSyncs.WithLabelValues(observability.SyncAuthError).Inc()
		s.log.Warn("partner token exchange failed", zap.Error(err))
		return s.cached
	}

	nodes, err := s.fetch(ctx, tok.AccessToken)
	if err != nil {
		var se StatusError
		if errors.As(err, &se) && se.Status == http.StatusUnauthorized {
			s.tokens.Reset()
		}
		if len(nodes) == 0 {
			observability.RosterSyncs.WithLabelValues(observability.SyncError).Inc()
			s.log.Warn("partner roster fetch failed", zap.Error(err))
			return s.cached
		}
		observability.RosterSyncs.WithLabelValues(observability.SyncPartial).Inc()
		s.log.Warn("partner roster fetch incomplete", zap.Int("devices", len(nodes)), zap.Error(err))
	} else {
		observability.RosterSyncs.WithLabelValues(observability.SyncOK).Inc()
	}

	devices := make([]model.ExternalDevice, 0, len(nodes))
	for _, n := range nodes {
		devices = append(devices, n.normalize(s.cfg.DefaultFloor))
	}
	if err := s.store.ReconcileExternalDevices(ctx, devices, now); err != nil {
		s.log.Error("partner roster reconcile failed", zap.Error(err))
	}

	s.cached = devices
	s.lastFetch = now
	s.log.Info("partner roster synced", zap.Int("devices", len(devices)))
	return devices
}

type deviceNode struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	DisplayName     string  `json:"displayName"`
	InternalIP      string  `json:"internalIp"`
	Connected       bool    `json:"connected"`
	LastDetected    *string `json:"lastDetected"`
	HardwareFamily  string  `json:"hardwareFamily"`
	HardwareModel   string  `json:"hardwareModel"`
	SerialNumber    string  `json:"serialNumber"`
	SoftwareVersion string  `json:"softwareVersion"`
	Room            *named  `json:"room"`
	Site            *named  `json:"site"`
}

type named struct {
	Name string `json:"name"`
}

type searchResponse struct {
	Data struct {
		DeviceSearch struct {
			Edges []struct {
				Node deviceNode `json:"node"`
			} `json:"edges"`
			PageInfo struct {
				TotalCount  int    `json:"totalCount"`
				HasNextPage bool   `json:"hasNextPage"`
				NextToken   string `json:"nextToken"`
			} `json:"pageInfo"`
		} `json:"deviceSearch"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// fetch walks every page. On error it returns the nodes gathered so far.
func (s *Syncer) fetch(ctx context.Context, accessToken string) ([]deviceNode, error) {
	var nodes []deviceNode
	next := ""
	for page := 0; page < maxPages; page++ {
		params := map[string]any{"pageSize": s.cfg.PageSize}
		if next != "" {
			params["nextToken"] = next
		}
		var out searchResponse
		resp, err := s.client.R().
			SetContext(ctx).
			SetAuthToken(accessToken).
			SetBody(map[string]any{
				"query":     deviceQuery,
				"variables": map[string]any{"params": params},
			}).
			SetResult(&out).
			Post(s.cfg.APIURL)
		if err != nil {
			return nodes, err
		}
		if !resp.IsSuccess() {
			return nodes, StatusError{Status: resp.StatusCode(), Body: strings.TrimSpace(truncate(resp.String(), 512))}
		}
		if len(out.Errors) > 0 {
			return nodes, fmt.Errorf("graphql: %s", out.Errors[0].Message)
		}

		search := out.Data.DeviceSearch
		for _, e := range search.Edges {
			nodes = append(nodes, e.Node)
		}
		if !search.PageInfo.HasNextPage || search.PageInfo.NextToken == "" || search.PageInfo.NextToken == next {
			return nodes, nil
		}
		next = search.PageInfo.NextToken
	}
	return nodes, fmt.Errorf("pagination did not finish after %d pages", maxPages)
}

func (n deviceNode) normalize(defaultFloor string) model.ExternalDevice {
	d := model.ExternalDevice{
		ExternalID:      n.ID,
		Name:            n.DisplayName,
		Model:           n.HardwareModel,
		SerialNumber:    n.SerialNumber,
		SoftwareVersion: n.SoftwareVersion,
		Address:         n.InternalIP,
		Connected:       n.Connected,
	}
	if d.Name == "" {
		d.Name = n.Name
	}
	if n.Room != nil {
		d.Room = n.Room.Name
	}
	d.Floor = FloorFromRoom(d.Room, defaultFloor)
	if n.LastDetected != nil {
		if t, err := time.Parse(time.RFC3339, *n.LastDetected); err == nil {
			t = t.UTC()
			d.LastSeen = &t
		}
	}
	return d
}

// FloorFromRoom turns "5th Floor Boardroom" into "Floor 5".
func FloorFromRoom(room, defaultFloor string) string {
	m := floorPattern.FindStringSubmatch(room)
	if m == nil {
		return defaultFloor
	}
	return "Floor " + m[1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
