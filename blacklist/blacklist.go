// Package blacklist implements the BlacklistClient collaborator: an
// in-memory set of blacklisted tx_ids. The engine calls NotifyRemoved
// after request_tx_data_removal erases a tx's chunk data; nothing in this
// module reads IsBlacklisted or Snapshot to start an erasure.
package blacklist

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ecolog/arweave/internal/synclog"
)

var log = synclog.New("component", "blacklist")

// Client answers is_blacklisted(tx_id), exposes a copy of the full set,
// and accepts the post-erasure notification notify_about_removed_tx_data.
type Client interface {
	IsBlacklisted(txID [32]byte) bool
	Snapshot() mapset.Set[[32]byte]
	NotifyRemoved(txID [32]byte)
}

// Static is a Client backed by a fixed in-memory set, replaced wholesale
// on each LoadFile or LoadReader call. This mirrors how the teacher's
// static node lists (e.g. bootnode sets) are loaded: parse once, then
// assign the new set. The assignment is a plain field write with no
// synchronization against concurrent readers.
type Static struct {
	set mapset.Set[[32]byte]
}

func NewStatic() *Static { return &Static{set: mapset.NewSet[[32]byte]()} }

func (s *Static) IsBlacklisted(txID [32]byte) bool { return s.set.Contains(txID) }

func (s *Static) Snapshot() mapset.Set[[32]byte] { return s.set.Clone() }

// NotifyRemoved records that this node has finished erasing a
// blacklisted tx's data, for the external service's own bookkeeping.
func (s *Static) NotifyRemoved(txID [32]byte) {
	log.Debug("notified blacklist service of completed erasure", "tx_id", txID)
}

// LoadFile replaces the blacklist with the tx_ids parsed from path.
func (s *Static) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.LoadReader(f)
}

// LoadReader parses one base64url-encoded 32-byte tx_id per line,
// tolerating CR, LF and CRLF line endings. Blank lines are skipped
// silently; malformed lines are skipped with a warning rather than
// aborting the whole load, since a single bad line in an otherwise huge
// list should not blind the node to every other entry. An empty file
// yields a valid, empty blacklist.
func (s *Static) LoadReader(r io.Reader) error {
	next := mapset.NewSet[[32]byte]()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		id, err := decodeTxID(string(line))
		if err != nil {
			log.Warn("skipping malformed blacklist line", "line", lineNo, "err", err)
			continue
		}
		next.Add(id)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("blacklist: read: %w", err)
	}
	s.set = next
	return nil
}

func decodeTxID(s string) ([32]byte, error) {
	var id [32]byte
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != 32 {
		return id, fmt.Errorf("tx_id must decode to 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// None is a Client that never blacklists anything, used when no list is
// configured.
type None struct{}

func (None) IsBlacklisted([32]byte) bool    { return false }
func (None) Snapshot() mapset.Set[[32]byte] { return mapset.NewSet[[32]byte]() }
func (None) NotifyRemoved([32]byte)         {}
