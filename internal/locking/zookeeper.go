package locking

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const zkLockRoot = "/order_transaction_locks"

// ZookeeperLocker implements the ephemeral sequential node recipe: the lowest
// sequence number holds the lock and every waiter watches its predecessor.
type ZookeeperLocker struct {
	conn *zk.Conn
	root string
}

func NewZookeeperLocker(conn *zk.Conn) (*ZookeeperLocker, error) {
	if err := ensureNode(conn, zkLockRoot); err != nil {
		return nil, err
	}
	return &ZookeeperLocker{conn: conn, root: zkLockRoot}, nil
}

func ensureNode(conn *zk.Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "check zookeeper node %s", path)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte{}, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return errors.Wrapf(err, "create zookeeper node %s", path)
	}
	return nil
}

// sequence extracts the ten digit suffix zookeeper appends to sequential nodes.
// Protected node names carry a random prefix, so whole names do not sort.
func sequence(node string) string {
	if len(node) < 10 {
		return node
	}
	return node[len(node)-10:]
}

func (l *ZookeeperLocker) Acquire(ctx context.Context, key string) (func(), error) {
	path := l.root + "/" + strings.ReplaceAll(key, "/", "_")

	var node string
	for {
		if err := ensureNode(l.conn, path); err != nil {
			return nil, err
		}
		var err error
		node, err = l.conn.CreateProtectedEphemeralSequential(path+"/lock-", []byte{}, zk.WorldACL(zk.PermAll))
		if err == nil {
			break
		}
		// the previous holder removed the parent between the two calls
		if errors.Is(err, zk.ErrNoNode) && ctx.Err() == nil {
			continue
		}
		return nil, errors.Wrap(err, "create sequential lock node")
	}
	self := strings.TrimPrefix(node, path+"/")

	giveUp := func(cause error) (func(), error) {
		if err := l.conn.Delete(node, -1); err != nil && err != zk.ErrNoNode {
			log.Warn().Err(err).Str("node", node).Msg("failed to delete abandoned lock node")
		}
		l.removeParent(path)
		return nil, cause
	}

	for {
		children, _, err := l.conn.Children(path)
		if err != nil {
			return giveUp(errors.Wrap(err, "list lock nodes"))
		}
		sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

		idx := -1
		for i, child := range children {
			if child == self {
				idx = i
				break
			}
		}
		if idx < 0 {
			return giveUp(errors.Errorf("lock node %s vanished", node))
		}
		if idx == 0 {
			break
		}

		exists, _, events, err := l.conn.ExistsW(path + "/" + children[idx-1])
		if err != nil {
			return giveUp(errors.Wrap(err, "watch previous lock node"))
		}
		if !exists {
			continue
		}
		select {
		case <-events:
		case <-ctx.Done():
			return giveUp(ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := l.conn.Delete(node, -1); err != nil && err != zk.ErrNoNode {
				log.Warn().Err(err).Str("node", node).Msg("failed to release zookeeper lock")
			}
			l.removeParent(path)
		})
	}, nil
}

// removeParent drops the per-key node once no holder or waiter is left under it.
func (l *ZookeeperLocker) removeParent(path string) {
	err := l.conn.Delete(path, -1)
	if err == nil || err == zk.ErrNotEmpty || err == zk.ErrNoNode {
		return
	}
	log.Warn().Err(err).Str("node", path).Msg("failed to remove lock parent node")
}
