// Package trials manages the lifecycle of synthetic alert trials: issue,
// acknowledge, expire.
package trials

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcus-qen/rewire/internal/store"
	"github.com/marcus-qen/rewire/internal/token"
)

// Manager wraps the store's trial operations and owns ack-URL
// construction.
type Manager struct {
	store   *store.Store
	baseURL string
}

// NewManager creates a trial manager. baseURL is the public server URL
// used to build ack links.
func NewManager(st *store.Store, baseURL string) *Manager {
	return &Manager{
		store:   st,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Issued describes one freshly issued trial.
type Issued struct {
	TrialID string
	AckURL  string
}

// Issue creates a pending trial with an unguessable id and appends a ping
// observation recording that the synthetic test was sent.
func (m *Manager) Issue(expectationID string) (*Issued, error) {
	id, err := token.New()
	if err != nil {
		return nil, fmt.Errorf("trial id: %w", err)
	}
	ackURL := m.baseURL + "/ack/" + id

	meta, _ := json.Marshal(map[string]string{
		"ack_url": ackURL,
		"note":    "synthetic test",
	})
	if err := m.store.CreateTrial(id, expectationID, string(meta)); err != nil {
		return nil, err
	}

	obsMeta, _ := json.Marshal(map[string]string{"sent_trial": id})
	if _, err := m.store.AppendObservation(expectationID, store.KindPing, string(obsMeta)); err != nil {
		return nil, fmt.Errorf("record trial ping: %w", err)
	}

	return &Issued{TrialID: id, AckURL: ackURL}, nil
}

// Ack transitions a pending trial to acked. Returns true iff this call
// performed the transition; re-acks and acks of expired trials return
// false.
func (m *Manager) Ack(trialID string) (bool, error) {
	return m.store.AckTrial(trialID)
}

// Expire transitions a pending trial to expired.
func (m *Manager) Expire(trialID string) error {
	return m.store.ExpireTrial(trialID)
}
