package device

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrBadTransition = errors.New("invalid command status transition")
)

var (
	bucketDevices  = []byte("devices")
	bucketClients  = []byte("clients")
	bucketCommands = []byte("commands")
	// Token bucket maps SHA-256 hash -> {tenant, device_id}. Plaintext
	// tokens are never stored.
	bucketTokens = []byte("device_tokens")
)

// Store persists devices, host clients, commands, and device token hashes.
type Store struct {
	db *bolt.DB
}

// OpenStore creates or opens the device database.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketClients, bucketCommands, bucketTokens} {
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

func scopedKey(tenant, id string) []byte {
	return []byte(tenant + "/" + id)
}

// --- devices ---

// SaveDevice persists a device, stamping UpdatedAt.
func (s *Store) SaveDevice(d *Device) error {
	d.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put(scopedKey(d.Tenant, d.ID), data)
	})
}

// GetDevice returns one device by ID within a tenant.
func (s *Store) GetDevice(tenant, id string) (*Device, error) {
	var d *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDevices).Get(scopedKey(tenant, id))
		if v == nil {
			return ErrNotFound
		}
		d = &Device{}
		return json.Unmarshal(v, d)
	})
	return d, err
}

// ListDevices returns a tenant's devices, newest first.
func (s *Store) ListDevices(tenant string) ([]Device, error) {
	var devices []Device
	prefix := []byte(tenant + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDevices).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			devices = append(devices, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.After(devices[j].CreatedAt)
	})
	return devices, nil
}

// DeleteDevice removes a device along with its token hashes.
func (s *Store) DeleteDevice(tenant, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		key := scopedKey(tenant, id)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		return deleteTokensFor(tx, tenant, id)
	})
}

// SetDeviceStatus updates a device's online/offline status and touches
// LastSeen when it comes online.
func (s *Store) SetDeviceStatus(tenant, id, status string) error {
	_, err := s.updateDevice(tenant, id, func(d *Device) {
		d.Status = status
		if status == StatusOnline {
			d.LastSeen = time.Now().UTC()
		}
	})
	return err
}

// SetDeviceMetadata replaces a device's agent-reported metadata.
func (s *Store) SetDeviceMetadata(tenant, id string, metadata map[string]any) error {
	_, err := s.updateDevice(tenant, id, func(d *Device) {
		d.Metadata = metadata
	})
	return err
}

// TouchDevice refreshes a device's LastSeen on heartbeat.
func (s *Store) TouchDevice(tenant, id string) error {
	_, err := s.updateDevice(tenant, id, func(d *Device) {
		d.LastSeen = time.Now().UTC()
		d.Status = StatusOnline
	})
	return err
}

// UpdateDevice applies mutate to a stored device inside one write
// transaction and returns the result.
func (s *Store) UpdateDevice(tenant, id string, mutate func(*Device)) (*Device, error) {
	return s.updateDevice(tenant, id, mutate)
}

func (s *Store) updateDevice(tenant, id string, mutate func(*Device)) (*Device, error) {
	var updated *Device
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		key := scopedKey(tenant, id)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var d Device
		if err := json.Unmarshal(v, &d); err != nil {
			return fmt.Errorf("unmarshal device: %w", err)
		}
		mutate(&d)
		d.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("marshal device: %w", err)
		}
		updated = &d
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// OfflineStaleDevices flips online devices whose LastSeen is older than
// cutoff to offline. Returns the IDs it changed.
func (s *Store) OfflineStaleDevices(cutoff time.Time) ([]string, error) {
	var flipped []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			if d.Status != StatusOnline || !d.LastSeen.Before(cutoff) {
				continue
			}
			d.Status = StatusOffline
			d.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(&d)
			if err != nil {
				continue
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			flipped = append(flipped, d.ID)
		}
		return nil
	})
	return flipped, err
}

// --- device tokens ---

type tokenRecord struct {
	Tenant   string `json:"workspace_id"`
	DeviceID string `json:"device_id"`
}

// SaveDeviceToken stores the hash of a freshly issued device token.
func (s *Store) SaveDeviceToken(tenant, deviceID, hash string) error {
	data, err := json.Marshal(tokenRecord{Tenant: tenant, DeviceID: deviceID})
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(hash), data)
	})
}

// DeviceByTokenHash resolves a token hash to its device.
func (s *Store) DeviceByTokenHash(hash string) (*Device, error) {
	var rec tokenRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTokens).Get([]byte(hash))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return s.GetDevice(rec.Tenant, rec.DeviceID)
}

func deleteTokensFor(tx *bolt.Tx, tenant, deviceID string) error {
	b := tx.Bucket(bucketTokens)
	c := b.Cursor()
	var stale [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec tokenRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if rec.Tenant == tenant && rec.DeviceID == deviceID {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- host clients ---

// SaveClient persists a host client, stamping UpdatedAt.
func (s *Store) SaveClient(c *HostClient) error {
	c.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClients).Put(scopedKey(c.Tenant, c.ID), data)
	})
}

// GetClient returns one host client by ID within a tenant.
func (s *Store) GetClient(tenant, id string) (*HostClient, error) {
	var hc *HostClient
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketClients).Get(scopedKey(tenant, id))
		if v == nil {
			return ErrNotFound
		}
		hc = &HostClient{}
		return json.Unmarshal(v, hc)
	})
	return hc, err
}

// ListClients returns a tenant's host clients, newest first.
func (s *Store) ListClients(tenant string) ([]HostClient, error) {
	var clients []HostClient
	prefix := []byte(tenant + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketClients).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var hc HostClient
			if err := json.Unmarshal(v, &hc); err != nil {
				continue
			}
			clients = append(clients, hc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].CreatedAt.After(clients[j].CreatedAt)
	})
	return clients, nil
}

// DeleteClient removes a host client and cascades to the devices it manages,
// including their token hashes.
func (s *Store) DeleteClient(tenant, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketClients)
		key := scopedKey(tenant, id)
		if cb.Get(key) == nil {
			return ErrNotFound
		}
		if err := cb.Delete(key); err != nil {
			return err
		}

		db := tx.Bucket(bucketDevices)
		c := db.Cursor()
		prefix := []byte(tenant + "/")
		var owned []Device
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			if d.ClientID == id {
				owned = append(owned, d)
			}
		}
		for _, d := range owned {
			if err := db.Delete(scopedKey(tenant, d.ID)); err != nil {
				return err
			}
			if err := deleteTokensFor(tx, tenant, d.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetClientStatus updates a host client's status, touching LastSeen when it
// comes online.
func (s *Store) SetClientStatus(tenant, id, status string) error {
	_, err := s.updateClient(tenant, id, func(hc *HostClient) {
		hc.Status = status
		if status == StatusOnline {
			hc.LastSeen = time.Now().UTC()
		}
	})
	return err
}

// UpdateClient applies mutate to a stored host client inside one write
// transaction and returns the result.
func (s *Store) UpdateClient(tenant, id string, mutate func(*HostClient)) (*HostClient, error) {
	return s.updateClient(tenant, id, mutate)
}

func (s *Store) updateClient(tenant, id string, mutate func(*HostClient)) (*HostClient, error) {
	var updated *HostClient
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		key := scopedKey(tenant, id)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var hc HostClient
		if err := json.Unmarshal(v, &hc); err != nil {
			return fmt.Errorf("unmarshal client: %w", err)
		}
		mutate(&hc)
		hc.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(&hc)
		if err != nil {
			return fmt.Errorf("marshal client: %w", err)
		}
		updated = &hc
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// OfflineStaleClients flips online host clients whose LastSeen is older
// than cutoff to offline. Returns the IDs it changed.
func (s *Store) OfflineStaleClients(cutoff time.Time) ([]string, error) {
	var flipped []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var hc HostClient
			if err := json.Unmarshal(v, &hc); err != nil {
				continue
			}
			if hc.Status != StatusOnline || !hc.LastSeen.Before(cutoff) {
				continue
			}
			hc.Status = StatusOffline
			hc.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(&hc)
			if err != nil {
				continue
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			flipped = append(flipped, hc.ID)
		}
		return nil
	})
	return flipped, err
}

// --- commands ---

// SaveCommand persists a new command.
func (s *Store) SaveCommand(c *Command) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).Put(scopedKey(c.Tenant, c.ID), data)
	})
}

// GetCommand returns one command by ID within a tenant.
func (s *Store) GetCommand(tenant, id string) (*Command, error) {
	var cmd *Command
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommands).Get(scopedKey(tenant, id))
		if v == nil {
			return ErrNotFound
		}
		cmd = &Command{}
		return json.Unmarshal(v, cmd)
	})
	return cmd, err
}

// CommandsForDevice returns a device's commands, newest first, up to limit.
func (s *Store) CommandsForDevice(tenant, deviceID string, limit int) ([]Command, error) {
	cmds, err := s.scanCommands(tenant, func(c *Command) bool {
		return c.DeviceID == deviceID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cmds, func(i, j int) bool {
		return cmds[i].CreatedAt.After(cmds[j].CreatedAt)
	})
	if limit > 0 && len(cmds) > limit {
		cmds = cmds[:limit]
	}
	return cmds, nil
}

// PendingForDevice returns a device's undelivered commands in creation order,
// for replay when its agent reconnects.
func (s *Store) PendingForDevice(tenant, deviceID string) ([]Command, error) {
	cmds, err := s.scanCommands(tenant, func(c *Command) bool {
		return c.Status == CmdPending && c.DeviceID == deviceID
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(cmds)
	return cmds, nil
}

// PendingForClient returns the undelivered commands for every device a host
// client manages, in creation order.
func (s *Store) PendingForClient(tenant, clientID string) ([]Command, error) {
	devices, err := s.ListDevices(tenant)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool)
	for _, d := range devices {
		if d.ClientID == clientID {
			owned[d.ID] = true
		}
	}
	cmds, err := s.scanCommands(tenant, func(c *Command) bool {
		return c.Status == CmdPending && owned[c.DeviceID]
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(cmds)
	return cmds, nil
}

func sortByCreated(cmds []Command) {
	sort.Slice(cmds, func(i, j int) bool {
		return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
	})
}

func (s *Store) scanCommands(tenant string, keep func(*Command) bool) ([]Command, error) {
	var cmds []Command
	prefix := []byte(tenant + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommands).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var cmd Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				continue
			}
			if keep(&cmd) {
				cmds = append(cmds, cmd)
			}
		}
		return nil
	})
	return cmds, err
}

// MarkSent moves a pending command to sent.
func (s *Store) MarkSent(tenant, id string) error {
	return s.transition(tenant, id, func(c *Command) error {
		if c.Status != CmdPending {
			return fmt.Errorf("%w: %s -> sent", ErrBadTransition, c.Status)
		}
		now := time.Now().UTC()
		c.Status = CmdSent
		c.SentAt = &now
		return nil
	})
}

// MarkCompleted finishes a command successfully, storing the agent's result
// payload. Accepted from pending too, since an agent may report a result
// before the sent mark lands.
func (s *Store) MarkCompleted(tenant, id string, result map[string]any) error {
	return s.transition(tenant, id, func(c *Command) error {
		if c.Status == CmdCompleted || c.Status == CmdFailed {
			return fmt.Errorf("%w: %s -> completed", ErrBadTransition, c.Status)
		}
		now := time.Now().UTC()
		c.Status = CmdCompleted
		c.Result = result
		c.CompletedAt = &now
		return nil
	})
}

// MarkFailed finishes a command with an agent-reported error.
func (s *Store) MarkFailed(tenant, id, reason string) error {
	return s.transition(tenant, id, func(c *Command) error {
		if c.Status == CmdCompleted || c.Status == CmdFailed {
			return fmt.Errorf("%w: %s -> failed", ErrBadTransition, c.Status)
		}
		now := time.Now().UTC()
		c.Status = CmdFailed
		c.Error = reason
		c.CompletedAt = &now
		return nil
	})
}

func (s *Store) transition(tenant, id string, mutate func(*Command) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		key := scopedKey(tenant, id)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var cmd Command
		if err := json.Unmarshal(v, &cmd); err != nil {
			return fmt.Errorf("unmarshal command: %w", err)
		}
		if err := mutate(&cmd); err != nil {
			return err
		}
		data, err := json.Marshal(&cmd)
		if err != nil {
			return fmt.Errorf("marshal command: %w", err)
		}
		return b.Put(key, data)
	})
}
