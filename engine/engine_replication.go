package engine

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/nexusdoc/wal"
)

// ReplicaInfo is one registered follower. The engine only keeps the
// registry; followers pull committed entries through TailWAL.
type ReplicaInfo struct {
	Addr    string
	AddedAt time.Time
}

// AddReplica validates addr as host:port and registers it.
func (e *Engine) AddReplica(addr string) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	return e.addReplica(addr)
}

func (e *Engine) addReplica(addr string) error {
	addr, err := normalizeReplicaAddr(addr)
	if err != nil {
		return err
	}
	e.replicasMu.Lock()
	defer e.replicasMu.Unlock()
	if _, ok := e.replicas[addr]; ok {
		return fmt.Errorf("%w: %s", ErrReplicaExists, addr)
	}
	e.replicas[addr] = ReplicaInfo{Addr: addr, AddedAt: e.clock.Now()}
	e.logger.Info("Replica registered", "addr", addr)
	return nil
}

// RemoveReplica unregisters addr.
func (e *Engine) RemoveReplica(addr string) error {
	addr = strings.TrimSpace(addr)
	e.replicasMu.Lock()
	defer e.replicasMu.Unlock()
	if _, ok := e.replicas[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrReplicaNotFound, addr)
	}
	delete(e.replicas, addr)
	e.logger.Info("Replica removed", "addr", addr)
	return nil
}

// Replicas lists the registered followers ordered by address.
func (e *Engine) Replicas() []ReplicaInfo {
	e.replicasMu.RLock()
	defer e.replicasMu.RUnlock()
	out := make([]ReplicaInfo, 0, len(e.replicas))
	for _, r := range e.replicas {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b ReplicaInfo) int { return strings.Compare(a.Addr, b.Addr) })
	return out
}

// TailWAL returns a reader over committed WAL entries starting at fromSeq.
// The reader blocks at the tip until new entries are durable and can be
// reopened at the last sequence number seen. Entries reclaimed by a
// checkpoint yield wal.ErrSegmentPurged; the follower then needs a snapshot.
// Document payloads of encrypted collections are sealed, so a follower needs
// the same Cipher to open them.
func (e *Engine) TailWAL(fromSeq uint64) (*wal.Reader, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	return e.wal.OpenReader(fromSeq)
}

func normalizeReplicaAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid replica address %q: %w", addr, err)
	}
	if host == "" {
		return "", fmt.Errorf("invalid replica address %q: missing host", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("invalid replica address %q: port must be 1-65535", addr)
	}
	return net.JoinHostPort(host, port), nil
}
