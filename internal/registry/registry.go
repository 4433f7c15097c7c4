// Package registry implements the Signed Service Registry (spec.md C10):
// self-described service adverts proven by envelope.Verifier, with
// filtered listing, TTL expiry, and semver-aware version filters.
//
// Grounded on the teacher's pkg/registry/registry.go (mutex-guarded
// in-memory map, Register/Get/List/Unregister shape) generalized from
// capability bundles to CID-keyed, envelope-proven service adverts.
package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/odin-protocol/gateway/internal/cml"
	"github.com/odin-protocol/gateway/internal/envelope"
)

var (
	ErrNotFound       = errors.New("registry: service advert not found")
	ErrInvalidAdvert  = errors.New("registry: advert missing required fields")
	ErrTTLTooLong     = errors.New("registry: ttl_seconds exceeds maximum")
)

// MaxTTLSeconds bounds how long a registered advert stays listable.
const MaxTTLSeconds = 24 * 60 * 60

// Advert is the service.advertise payload shape, spec.md §3's Service Advert.
type Advert struct {
	Intent        string   `json:"intent"`
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	BaseURL       string   `json:"base_url"`
	SupportedSFT  []string `json:"sft"`
	TTLSeconds    int      `json:"ttl_seconds"`
}

func (a *Advert) validate() error {
	if a.Intent != "service.advertise" || a.Service == "" || a.Version == "" || a.BaseURL == "" {
		return ErrInvalidAdvert
	}
	if a.TTLSeconds <= 0 || a.TTLSeconds > MaxTTLSeconds {
		return ErrTTLTooLong
	}
	return nil
}

// Record is the persisted form: `{payload, proof, id, created_ts, expires_ts}`.
type Record struct {
	Payload   Advert             `json:"payload"`
	Proof     *envelope.Envelope `json:"proof"`
	ID        string             `json:"id"`
	CreatedTS int64              `json:"created_ts"`
	ExpiresTS int64              `json:"expires_ts"`
	Active    bool               `json:"active"`
}

func (r *Record) expired(now time.Time) bool {
	return now.Unix() >= r.ExpiresTS
}

// ListFilter narrows List results.
type ListFilter struct {
	Service    string
	SFT        string
	ActiveOnly bool
	Limit      int
	MinVersion string // semver constraint, e.g. ">= 1.2.0"
}

// Registry stores service adverts in memory, verified at registration.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*Record
	verifier *envelope.Verifier
	now      func() time.Time
}

// New returns a Registry that verifies incoming envelopes with verifier.
func New(verifier *envelope.Verifier) *Registry {
	return &Registry{
		records:  make(map[string]*Record),
		verifier: verifier,
		now:      time.Now,
	}
}

// Register verifies env against payloadBytes, validates the decoded
// Advert, and persists a new Record keyed by the payload's CID.
func (r *Registry) Register(env *envelope.Envelope, payloadBytes []byte) (*Record, error) {
	var advert Advert
	if err := json.Unmarshal(payloadBytes, &advert); err != nil {
		return nil, ErrInvalidAdvert
	}
	if err := advert.validate(); err != nil {
		return nil, err
	}

	var payload any
	_ = json.Unmarshal(payloadBytes, &payload)
	if _, err := r.verifier.Verify(env, payloadBytes, nil, payload); err != nil {
		return nil, err
	}

	id, _, err := cml.CIDOf(payload)
	if err != nil {
		return nil, err
	}
	now := r.now()
	rec := &Record{
		Payload:   advert,
		Proof:     env,
		ID:        id,
		CreatedTS: now.Unix(),
		ExpiresTS: now.Unix() + int64(advert.TTLSeconds),
		Active:    true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = rec
	return rec, nil
}

// Get returns the record for id if present and not expired.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok || rec.expired(r.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// SetActive flips a record's active flag, used by admin "set agent status".
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Active = active
	return nil
}

// Delete removes id. Idempotent: deleting an absent id is not an error.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

// List returns records matching filter, excluding expired ones
// unconditionally; ActiveOnly additionally excludes records an admin has
// deactivated via SetActive.
func (r *Registry) List(filter ListFilter) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var constraint *semver.Constraints
	if filter.MinVersion != "" {
		c, err := semver.NewConstraint(filter.MinVersion)
		if err != nil {
			return nil, err
		}
		constraint = c
	}

	now := r.now()
	var out []*Record
	for _, rec := range r.records {
		if rec.expired(now) {
			continue
		}
		if filter.Service != "" && rec.Payload.Service != filter.Service {
			continue
		}
		if filter.SFT != "" && !containsSFT(rec.Payload.SupportedSFT, filter.SFT) {
			continue
		}
		if filter.ActiveOnly && !rec.Active {
			continue
		}
		if constraint != nil {
			v, err := semver.NewVersion(rec.Payload.Version)
			if err != nil || !constraint.Check(v) {
				continue
			}
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func containsSFT(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
