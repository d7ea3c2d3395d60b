// Package storage implements the filesystem-backed durable per-client
// session store: subscriptions, queued/in-flight QoS ≥ 1 messages, reserved
// outbound packet-ids, and a will descriptor, laid out under
// <root>/<bucket>/<client-id-encoded>/.
//
// Every write lands in a temp file first and is renamed into place; readers
// discard any entry that fails to parse rather than erroring the whole
// recovery. Per-client writes are serialised by a mutex keyed on the client
// id. The layout is byte-compatible across restarts of the same broker.
package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/mqtt"
	"github.com/pyr33x/goqttd/pkg/er"
)

// StoredSub is one recovered subscription file.
type StoredSub struct {
	Filter string
	QoS    mqtt.QoS
}

// StoredMessage is one recovered queue entry.
type StoredMessage struct {
	Handle   *MsgHandle
	PacketID uint16
	QoS      mqtt.QoS
	Topic    string
	Payload  []byte
}

// Will is the persisted will descriptor.
type Will struct {
	Topic   string
	Payload []byte
	QoS     mqtt.QoS
	Retain  bool
}

// MsgHandle is the opaque handle StoreMsg returns; ReleaseMsg takes it back.
type MsgHandle struct {
	ClientID string
	path     string
}

// Store is the per-domain filesystem storage backend. Each domain context
// owns one Store rooted at its own storage_path so that state never crosses
// domains.
type Store struct {
	root        string
	bucketCount int
	log         *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	seq atomic.Uint64
}

// NewStore creates a Store rooted at root, hashing client ids into
// bucketCount buckets (must be a power of two).
func NewStore(root string, bucketCount int, log *logger.Logger) (*Store, error) {
	if bucketCount <= 0 || bucketCount&(bucketCount-1) != 0 {
		return nil, fmt.Errorf("storage: bucket count %d is not a positive power of two", bucketCount)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, er.Storage(fmt.Errorf("create storage root: %w", err))
	}
	s := &Store{
		root:        root,
		bucketCount: bucketCount,
		log:         log,
		locks:       make(map[string]*sync.Mutex),
	}
	// Queue filenames sort by this sequence to preserve FIFO order. Seeding
	// from the clock keeps entries written after a restart sorting behind
	// entries that survived it.
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

func (s *Store) clientLock(clientID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[clientID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[clientID] = l
	}
	return l
}

func (s *Store) clientDir(clientID string) string {
	bucket := bucketHash(clientID, s.bucketCount)
	return filepath.Join(s.root, strconv.Itoa(bucket), percentEncode(clientID))
}

// Init creates the directory tree for clientID. Idempotent.
func (s *Store) Init(clientID string) error {
	dir := s.clientDir(clientID)
	for _, sub := range []string{"subs", "queue", "pkgids"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return er.Storage(fmt.Errorf("init storage for %q: %w", clientID, err))
		}
	}
	return nil
}

// Exists reports whether clientID already has a storage directory, used by
// the connection state machine to compute CONNACK's session-present flag
// for a clean_session=false resume.
func (s *Store) Exists(clientID string) bool {
	_, err := os.Stat(s.clientDir(clientID))
	return err == nil
}

// Purge removes all stored state for clientID, used when a clean_session=true
// CONNECT is accepted.
func (s *Store) Purge(clientID string) error {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()
	if err := os.RemoveAll(s.clientDir(clientID)); err != nil {
		return er.Storage(fmt.Errorf("purge storage for %q: %w", clientID, err))
	}
	return nil
}

// Subscribe writes (or replaces) a subscription file recording the granted
// QoS for filter.
func (s *Store) Subscribe(clientID, filter string, qos mqtt.QoS) error {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(s.clientDir(clientID), "subs", percentEncode(filter))
	return atomicWrite(path, []byte{byte(qos)})
}

// Unsubscribe removes a subscription file. No error if absent.
func (s *Store) Unsubscribe(clientID, filter string) error {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(s.clientDir(clientID), "subs", percentEncode(filter))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return er.Storage(fmt.Errorf("unsubscribe %q/%q: %w", clientID, filter, err))
	}
	return nil
}

// LoadSubscriptions lists all subscription files for clientID, discarding
// any that fail to parse.
func (s *Store) LoadSubscriptions(clientID string) ([]StoredSub, error) {
	dir := filepath.Join(s.clientDir(clientID), "subs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, er.Storage(fmt.Errorf("list subscriptions for %q: %w", clientID, err))
	}

	var out []StoredSub
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil || len(body) != 1 {
			if s.log != nil {
				s.log.Warn("discarding corrupt subscription entry", logger.ClientID(clientID), logger.String("entry", e.Name()))
			}
			continue
		}
		filter, ok := percentDecode(e.Name())
		if !ok {
			continue
		}
		out = append(out, StoredSub{Filter: filter, QoS: mqtt.QoS(body[0])})
	}
	return out, nil
}

// StoreMsg atomically persists a queued/in-flight PUBLISH and returns an
// opaque handle used later to release it.
func (s *Store) StoreMsg(clientID string, pkgID uint16, qos mqtt.QoS, topic string, payload []byte) (*MsgHandle, error) {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	seq := s.seq.Add(1)
	name := fmt.Sprintf("%020d-%d-%05d", seq, qos, pkgID)
	path := filepath.Join(s.clientDir(clientID), "queue", name)

	body := append([]byte(topic), 0)
	body = append(body, payload...)
	if err := atomicWrite(path, body); err != nil {
		return nil, err
	}
	return &MsgHandle{ClientID: clientID, path: path}, nil
}

// ReleaseMsg removes a queue entry previously returned by StoreMsg.
func (s *Store) ReleaseMsg(handle *MsgHandle) error {
	if handle == nil {
		return nil
	}
	l := s.clientLock(handle.ClientID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(handle.path); err != nil && !os.IsNotExist(err) {
		return er.Storage(fmt.Errorf("release message for %q: %w", handle.ClientID, err))
	}
	return nil
}

// LoadQueuedMessages lists all queue entries for clientID in FIFO order
// (filename-sorted, since the sequence number is zero-padded), discarding
// any that fail to parse.
func (s *Store) LoadQueuedMessages(clientID string) ([]StoredMessage, error) {
	dir := filepath.Join(s.clientDir(clientID), "queue")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, er.Storage(fmt.Errorf("list queue for %q: %w", clientID, err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []StoredMessage
	for _, name := range names {
		parts := strings.SplitN(name, "-", 3)
		if len(parts) != 3 {
			continue
		}
		qos, err1 := strconv.Atoi(parts[1])
		pkgID, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			continue
		}
		path := filepath.Join(dir, name)
		body, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		sep := bytes.IndexByte(body, 0)
		if sep < 0 {
			if s.log != nil {
				s.log.Warn("discarding corrupt queue entry", logger.ClientID(clientID), logger.String("entry", name))
			}
			continue
		}
		out = append(out, StoredMessage{
			Handle:   &MsgHandle{ClientID: clientID, path: path},
			PacketID: uint16(pkgID),
			QoS:      mqtt.QoS(qos),
			Topic:    string(body[:sep]),
			Payload:  append([]byte(nil), body[sep+1:]...),
		})
	}
	return out, nil
}

// QueuedCount returns the number of stored messages awaiting delivery.
func (s *Store) QueuedCount(clientID string) (int, error) {
	dir := filepath.Join(s.clientDir(clientID), "queue")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, er.Storage(fmt.Errorf("count queue for %q: %w", clientID, err))
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}

// QueuedBytes sums the on-disk size of every queued message for clientID,
// the figure storage_quota_limit is enforced against (distinct from
// QueuedCount's message-count figure, which storage_messages_limit uses).
func (s *Store) QueuedBytes(clientID string) (int64, error) {
	dir := filepath.Join(s.clientDir(clientID), "queue")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, er.Storage(fmt.Errorf("sum queue bytes for %q: %w", clientID, err))
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // discard unreadable entry, same tolerance as LoadQueuedMessages
		}
		total += info.Size()
	}
	return total, nil
}

// AllocatePacketID reserves the lowest free packet-id for clientID by
// probing LockPkgID, used by the broker to queue an offline delivery for a
// subscriber whose in-memory session.Engine isn't currently live.
func (s *Store) AllocatePacketID(clientID string) (uint16, error) {
	locked, err := s.LockedPkgIDs(clientID)
	if err != nil {
		return 0, err
	}
	for id := 1; id <= 65535; id++ {
		if locked[uint16(id)] {
			continue
		}
		if err := s.LockPkgID(clientID, uint16(id)); err == nil {
			return uint16(id), nil
		}
	}
	return 0, &er.Err{Context: "storage.AllocatePacketID", Message: er.ErrPkgIDSpaceExhausted}
}

// LockPkgID atomically reserves an outbound packet-id for clientID. It
// fails with ErrPkgIDAlreadyLocked if already reserved.
func (s *Store) LockPkgID(clientID string, id uint16) error {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(s.clientDir(clientID), "pkgids", strconv.Itoa(int(id)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return &er.Err{Context: "LockPkgID", Message: er.ErrPkgIDAlreadyLocked}
		}
		return er.Storage(fmt.Errorf("lock pkgid for %q: %w", clientID, err))
	}
	return f.Close()
}

// ReleasePkgID releases a packet-id reservation.
func (s *Store) ReleasePkgID(clientID string, id uint16) error {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(s.clientDir(clientID), "pkgids", strconv.Itoa(int(id)))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return er.Storage(fmt.Errorf("release pkgid for %q: %w", clientID, err))
	}
	return nil
}

// LockedPkgIDs lists the packet-ids currently reserved for clientID, used by
// the session engine's packet-id allocator to skip ids already locked on
// disk for clean_session=false sessions.
func (s *Store) LockedPkgIDs(clientID string) (map[uint16]bool, error) {
	dir := filepath.Join(s.clientDir(clientID), "pkgids")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, er.Storage(fmt.Errorf("list pkgids for %q: %w", clientID, err))
	}
	out := make(map[uint16]bool, len(entries))
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && n > 0 && n <= 65535 {
			out[uint16(n)] = true
		}
	}
	return out, nil
}

// SaveWill persists a will descriptor.
func (s *Store) SaveWill(clientID string, w *Will) error {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(s.clientDir(clientID), "will")
	var body []byte
	body = append(body, byte(w.QoS))
	if w.Retain {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = append(body, encodeString(w.Topic)...)
	body = append(body, w.Payload...)
	return atomicWrite(path, body)
}

// LoadWill loads the persisted will descriptor, or (nil, nil) if none.
func (s *Store) LoadWill(clientID string) (*Will, error) {
	path := filepath.Join(s.clientDir(clientID), "will")
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, er.Storage(fmt.Errorf("load will for %q: %w", clientID, err))
	}
	if len(body) < 4 {
		return nil, nil // corrupt, discard
	}
	qos := mqtt.QoS(body[0])
	retain := body[1] != 0
	topicLen := int(body[2])<<8 | int(body[3])
	if len(body) < 4+topicLen {
		return nil, nil
	}
	topic := string(body[4 : 4+topicLen])
	payload := append([]byte(nil), body[4+topicLen:]...)
	return &Will{Topic: topic, Payload: payload, QoS: qos, Retain: retain}, nil
}

// ClearWill removes the persisted will descriptor, used on clean DISCONNECT.
func (s *Store) ClearWill(clientID string) error {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(s.clientDir(clientID), "will")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return er.Storage(fmt.Errorf("clear will for %q: %w", clientID, err))
	}
	return nil
}

func encodeString(s string) []byte {
	out := make([]byte, 2+len(s))
	out[0] = byte(len(s) >> 8)
	out[1] = byte(len(s) & 0xFF)
	copy(out[2:], s)
	return out
}

// atomicWrite writes body to a temp file in the same directory as path, then
// renames it into place, so a crash mid-write never leaves a partially
// written file visible under the final name.
func atomicWrite(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return er.Storage(fmt.Errorf("mkdir %s: %w", dir, err))
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return er.Storage(fmt.Errorf("create temp file in %s: %w", dir, err))
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return er.Storage(fmt.Errorf("write %s: %w", path, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return er.Storage(fmt.Errorf("close %s: %w", path, err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return er.Storage(fmt.Errorf("rename into %s: %w", path, err))
	}
	return nil
}
