package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/liverelay/liverelay/internal/events"
)

// ErrNotFound is returned when a rule does not exist in the tenant.
var ErrNotFound = errors.New("rule not found")

var (
	bucketRules = []byte("rules")
	// Execution keys are "{tenant}/{RFC3339Nano}::{execID}" so a forward
	// cursor scan is chronological and a reverse scan is newest-first.
	bucketExecutions = []byte("executions")
)

// Store persists rules and execution audit records in BoltDB.
type Store struct {
	db *bolt.DB
}

// OpenStore creates or opens the rule database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRules, bucketExecutions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

func ruleKey(tenant, id string) []byte {
	return []byte(tenant + "/" + id)
}

// SaveRule persists a rule, stamping UpdatedAt.
func (s *Store) SaveRule(r *Rule) error {
	r.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).Put(ruleKey(r.Tenant, r.ID), data)
	})
}

// GetRule returns a rule by ID within a tenant.
func (s *Store) GetRule(tenant, id string) (*Rule, error) {
	var r *Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRules).Get(ruleKey(tenant, id))
		if v == nil {
			return ErrNotFound
		}
		r = &Rule{}
		return json.Unmarshal(v, r)
	})
	return r, err
}

// ListRules returns all rules for a tenant, newest first.
func (s *Store) ListRules(tenant string) ([]Rule, error) {
	var rules []Rule
	prefix := []byte(tenant + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRules).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r Rule
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			rules = append(rules, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
	return rules, nil
}

// ListByKind returns the enabled rules for one tenant and event kind.
// This is the consumer's hot path; rules are read fresh on every event so
// toggles and edits apply immediately.
func (s *Store) ListByKind(tenant string, kind events.Kind) ([]Rule, error) {
	all, err := s.ListRules(tenant)
	if err != nil {
		return nil, err
	}
	var matched []Rule
	for _, r := range all {
		if r.Enabled && r.EventKind == kind {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(tenant, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		key := ruleKey(tenant, id)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

// ActiveTenants returns the distinct tenants that have at least one enabled
// rule. The consumer uses this set to decide which streams to tail.
func (s *Store) ActiveTenants() ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var r Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.Enabled {
				seen[r.Tenant] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// IncrementRuleStats bumps a rule's execution count and last-matched time
// in a single transaction.
func (s *Store) IncrementRuleStats(tenant, id string, matchedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		key := ruleKey(tenant, id)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var r Rule
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("unmarshal rule: %w", err)
		}
		r.ExecCount++
		t := matchedAt.UTC()
		r.LastMatched = &t
		data, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("marshal rule: %w", err)
		}
		return b.Put(key, data)
	})
}

// SaveExecution appends an execution audit record.
func (s *Store) SaveExecution(e *Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	key := []byte(fmt.Sprintf("%s/%s::%s",
		e.Tenant, e.Timestamp.UTC().Format(time.RFC3339Nano), e.ID))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put(key, data)
	})
}

// ListExecutions returns a tenant's execution records, newest first, up to
// limit. A non-empty ruleID filters to one rule.
func (s *Store) ListExecutions(tenant, ruleID string, limit int) ([]Execution, error) {
	var execs []Execution
	prefix := []byte(tenant + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()

		// Reverse scan within the tenant's key range: seek just past the
		// prefix ('0' is the byte after '/'), then walk backwards.
		endPrefix := []byte(tenant + "0")
		k, v := c.Seek(endPrefix)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		for ; k != nil && len(execs) < limit; k, v = c.Prev() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var e Execution
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if ruleID != "" && e.RuleID != ruleID {
				continue
			}
			execs = append(execs, e)
		}
		return nil
	})
	return execs, err
}
